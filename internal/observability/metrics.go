package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects every Prometheus instrument the producer, consumer, and
// dynamic-pool components publish against. A single process-wide instance
// is created at init rather than threading a registry through every
// constructor.
var Metrics = newMetrics()

type metrics struct {
	QueueDepth       *prometheus.GaugeVec
	QueueAge         *prometheus.GaugeVec
	RetryTotal       *prometheus.CounterVec
	DeadLetterTotal  *prometheus.CounterVec
	DeadLetterDepth  prometheus.Gauge
	DispatchLatency  *prometheus.HistogramVec
	DispatchTotal    *prometheus.CounterVec
	PoolInUse        prometheus.Gauge
	PoolFree         prometheus.Gauge
	PoolAcquireWait  prometheus.Histogram
	PoolRecycleTotal prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "queue_depth",
			Help:      "Number of rows currently pending in a producer or consumer queue table.",
		}, []string{"queue"}),

		QueueAge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "queue_oldest_age_seconds",
			Help:      "Age in seconds of the oldest pending row in a queue table.",
		}, []string{"queue"}),

		RetryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "retry_total",
			Help:      "Total number of retry attempts recorded against queued messages.",
		}, []string{"queue"}),

		DeadLetterTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "dead_letter_total",
			Help:      "Total number of messages moved to the dead-letter table.",
		}, []string{"queue", "reason"}),

		DeadLetterDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "dead_letter_depth",
			Help:      "Number of rows currently sitting in the dead-letter table.",
		}),

		DispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "broker",
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent invoking a registered callback for a dispatched envelope.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "kind"}),

		DispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "dispatch_total",
			Help:      "Total number of envelopes dispatched, labeled by outcome.",
		}, []string{"topic", "kind", "outcome"}),

		PoolInUse: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "dynamic_pool_in_use",
			Help:      "Number of dynamic reply-topic brokers currently leased out.",
		}),

		PoolFree: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "dynamic_pool_free",
			Help:      "Number of dynamic reply-topic brokers sitting idle in the free list.",
		}),

		PoolAcquireWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "broker",
			Name:      "dynamic_pool_acquire_wait_seconds",
			Help:      "Time spent waiting to acquire a dynamic broker from the pool.",
			Buckets:   prometheus.DefBuckets,
		}),

		PoolRecycleTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "dynamic_pool_recycle_total",
			Help:      "Total number of dynamic brokers torn down by the recycle janitor.",
		}),
	}
}

// ServeMetrics starts a blocking HTTP server exposing the default
// Prometheus registry at /metrics, meant to be run in its own goroutine by
// cmd/brokerd.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
