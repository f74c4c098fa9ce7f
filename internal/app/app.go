// Package app wires the broker core's components together once, at
// process startup, with every dependency passed as an explicit
// constructor parameter. cmd/brokerd is the thin CLI shell around this
// package; anything embedding the broker core as a library can call
// Bootstrap directly with its own enroute.Registry.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybus/broker/broker"
	"github.com/relaybus/broker/internal/adminstats"
	"github.com/relaybus/broker/internal/config"
	"github.com/relaybus/broker/internal/consumer"
	"github.com/relaybus/broker/internal/discovery"
	"github.com/relaybus/broker/internal/dynamicpool"
	"github.com/relaybus/broker/internal/enroute"
	"github.com/relaybus/broker/internal/observability"
	"github.com/relaybus/broker/internal/pgqueue"
	"github.com/relaybus/broker/internal/producer"
	"github.com/relaybus/broker/internal/service"
	"github.com/relaybus/broker/internal/transport/kafka"
)

// StartupError carries the exit code assigned to each class of startup
// failure: 1 configuration error, 2 database unavailable, 3 external
// broker unavailable.
type StartupError struct {
	ExitCode int
	Cause    error
}

func (e *StartupError) Error() string { return e.Cause.Error() }
func (e *StartupError) Unwrap() error { return e.Cause }

// App holds every wired component and their shared dependencies, kept
// around so Close can close connections cleanly.
type App struct {
	cfg *config.Config

	pgPool        *pgqueue.Pool
	kafkaPub      *kafka.Publisher
	kafkaSub      *kafka.Subscriber
	kafkaAdmin    *kafka.Admin
	writer        *producer.Writer
	producerDisp  *producer.Dispatcher
	ingester      *consumer.Ingester
	consumerDisp  *consumer.Dispatcher
	dynamicPool   *dynamicpool.Pool
	stats         *adminstats.Sampler
	discoveryConn discovery.Connector

	EventBroker        *broker.EventBroker
	CommandBroker      *broker.CommandBroker
	CommandReplyBroker *broker.CommandReplyBroker
}

// Bootstrap connects to Postgres and the external transport, builds every
// producer/consumer/dynamic-pool component bound to registry, and returns
// an App ready for Run. It does not start any background loop itself —
// that's Run's job — so callers can inspect or further configure the
// wired brokers first.
func Bootstrap(ctx context.Context, cfg *config.Config, registry *enroute.Registry, discoveryConn discovery.Connector) (*App, error) {
	observability.SetLevelFromString(cfg.Observability.LogLevel)

	if err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		Endpoint:    cfg.Observability.TracingEndpoint,
		ServiceName: cfg.Service.Name,
		SampleRate:  cfg.Observability.SampleRate,
	}); err != nil {
		return nil, &StartupError{ExitCode: 1, Cause: fmt.Errorf("init tracing: %w", err)}
	}

	pgPool, err := pgqueue.Open(ctx, cfg.Broker.Queue.DSN())
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}

	kafkaCfg := kafka.Config{
		Brokers: []string{fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port)},
		GroupID: cfg.Service.Name,
	}
	kafkaPub, err := kafka.NewPublisher(kafkaCfg)
	if err != nil {
		pgPool.Close()
		return nil, &StartupError{ExitCode: 3, Cause: err}
	}
	kafkaSub, err := kafka.NewSubscriber(kafkaCfg)
	if err != nil {
		kafkaPub.Close()
		pgPool.Close()
		return nil, &StartupError{ExitCode: 3, Cause: err}
	}
	kafkaAdmin, err := kafka.NewAdmin(kafkaCfg)
	if err != nil {
		kafkaSub.Close()
		kafkaPub.Close()
		pgPool.Close()
		return nil, &StartupError{ExitCode: 3, Cause: err}
	}

	if discoveryConn == nil {
		discoveryConn = discovery.Noop{}
	}

	writer, err := producer.NewWriter(ctx, pgPool)
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}

	producerDisp, err := producer.NewDispatcher(ctx, pgPool, kafkaPub, producer.DispatcherConfig{
		DSN:     cfg.Broker.Queue.DSN(),
		Records: cfg.Broker.Queue.Records,
		Retry:   cfg.Broker.Queue.Retry,
		MaxWait: 60 * time.Second,
	})
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}

	topics := registry.Topics()
	ingester, err := consumer.NewIngester(ctx, pgPool, kafkaSub, topics)
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}

	consumerDisp, err := consumer.NewDispatcher(ctx, pgPool, registry, writer, consumer.DispatcherConfig{
		DSN:         cfg.Broker.Queue.DSN(),
		Records:     cfg.Broker.Queue.Records,
		Retry:       cfg.Broker.Queue.Retry,
		MaxWait:     60 * time.Second,
		Concurrency: cfg.Broker.Queue.Concurrency,
		ServiceName: cfg.Service.Name,
	})
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}

	pool, err := dynamicpool.New(ctx, pgPool, writer, kafkaAdmin, ingester, dynamicpool.Config{
		DSN:     cfg.Broker.Queue.DSN(),
		MaxSize: cfg.Pool.MaxSize,
		Recycle: time.Duration(cfg.Pool.Recycle) * time.Second,
	})
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}

	producerQueue, err := pgqueue.NewProducerQueue(ctx, pgPool, "producer_queue")
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}
	consumerQueue, err := pgqueue.NewConsumerQueue(ctx, pgPool, "consumer_queue")
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}
	dlq, err := pgqueue.NewDeadLetterQueue(ctx, pgPool)
	if err != nil {
		return nil, &StartupError{ExitCode: 2, Cause: err}
	}
	stats := adminstats.New(map[string]adminstats.QueueStats{
		"producer_queue": producerQueue,
		"consumer_queue": consumerQueue,
	}, dlq, 0)

	return &App{
		cfg:           cfg,
		pgPool:        pgPool,
		kafkaPub:      kafkaPub,
		kafkaSub:      kafkaSub,
		kafkaAdmin:    kafkaAdmin,
		writer:        writer,
		producerDisp:  producerDisp,
		ingester:      ingester,
		consumerDisp:  consumerDisp,
		dynamicPool:   pool,
		stats:         stats,
		discoveryConn: discoveryConn,

		EventBroker:        broker.NewEventBroker(writer, cfg.Service.Name),
		CommandBroker:      broker.NewCommandBroker(writer, cfg.Service.Name, cfg.Service.DefaultReplyTopic),
		CommandReplyBroker: broker.NewCommandReplyBroker(writer, cfg.Service.Name),
	}, nil
}

// DynamicPool exposes the dynamic reply-topic pool for request/response
// operations.
func (a *App) DynamicPool() *dynamicpool.Pool { return a.dynamicPool }

// Run starts every background component under service.Runner and blocks
// until all of them stop — cleanly on context cancellation/OS signal, or
// with the first error any of them returns (which also stops the rest).
func (a *App) Run(ctx context.Context) error {
	instance := discovery.Instance{ServiceName: a.cfg.Service.Name}

	producerRunner := service.NewRunner("producer-dispatcher", a.producerDisp)
	producerRunner.Discovery = a.discoveryConn
	producerRunner.Instance = instance

	ingesterRunner := service.NewRunner("consumer-ingester", a.ingester)
	ingesterRunner.Discovery = discovery.Noop{} // one Register per process is enough

	consumerRunner := service.NewRunner("consumer-dispatcher", a.consumerDisp)
	consumerRunner.Discovery = discovery.Noop{}

	janitorRunner := service.NewRunner("dynamic-pool-janitor", service.Func(a.dynamicPool.RunJanitor))
	janitorRunner.Discovery = discovery.Noop{}

	statsRunner := service.NewRunner("queue-stats", a.stats)
	statsRunner.Discovery = discovery.Noop{}

	return service.Group(ctx, producerRunner, ingesterRunner, consumerRunner, janitorRunner, statsRunner)
}

// Close tears down every connection this App holds. Call after Run returns.
func (a *App) Close() {
	a.kafkaAdmin.Close()
	a.kafkaSub.Close()
	a.kafkaPub.Close()
	a.pgPool.Close()
}
