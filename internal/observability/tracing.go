package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig mirrors internal/config.ObservabilityConfig's tracing
// fields, kept separate so this package has no dependency on
// internal/config (avoids an import cycle and keeps observability
// reusable on its own). OTLP over HTTP is the only supported exporter —
// every collector deployment this broker targets speaks it, and a second
// exporter knob would just be a second path to misconfigure.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

var (
	tracer         trace.Tracer = noop.NewTracerProvider().Tracer("")
	tracerProvider *sdktrace.TracerProvider
)

// InitTracing wires the OTLP/HTTP span pipeline behind StartSpan. With
// Enabled=false (the default) the no-op tracer stays in place, so every
// span-creating call site in producer/consumer is always safe to call;
// with Enabled=true a non-empty collector endpoint is required (its
// reachability is not checked here).
func InitTracing(ctx context.Context, cfg TracingConfig) error {
	if !cfg.Enabled {
		tracer = noop.NewTracerProvider().Tracer("")
		tracerProvider = nil
		return nil
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("tracing enabled but no collector endpoint configured")
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP exporter: %w", err)
	}

	// Layer the service identity over the SDK's default resource
	// (process/runtime attributes) instead of replacing it.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	tracer = tp.Tracer(cfg.ServiceName)
	tracerProvider = tp
	return nil
}

// sampler applies the configured ratio to root spans only; a child span
// always follows its parent's decision, so one dispatch never produces a
// half-sampled trace. A ratio outside (0,1) means record everything.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// ShutdownTracing flushes buffered spans and tears the provider down. A
// caller-supplied deadline is honored; without one, a bound is applied so
// shutdown can't hang on an unreachable collector.
func ShutdownTracing(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tracerProvider.Shutdown(ctx)
}

// StartSpan starts an internal span, used around producer publish and
// consumer dispatch.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// SetSpanError records an error on a span and marks its status accordingly.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks a span as successfully completed.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys shared across producer, consumer, and dynamic-pool spans.
var (
	AttrTopic         = attribute.Key("broker.topic")
	AttrStrategy      = attribute.Key("broker.strategy")
	AttrCorrelationID = attribute.Key("broker.correlation_id")
	AttrRetry         = attribute.Key("broker.retry")
)
