package producer

import (
	"context"
	"time"

	"github.com/relaybus/broker/envelope"
	"github.com/relaybus/broker/internal/observability"
	"github.com/relaybus/broker/internal/pgqueue"
	"github.com/relaybus/broker/internal/transport"
)

// state is the dispatcher's run-loop phase. DRAINING means a shutdown
// signal arrived and the current batch is being handed off before the
// listener connection is torn down, instead of dropping in-flight
// publishes.
type state int

const (
	connecting state = iota
	listening
	draining
)

// DispatcherConfig tunes one Dispatcher's batch size, retry ceiling, and
// listen wait bound — sourced from internal/config.QueueConfig.
type DispatcherConfig struct {
	DSN     string
	Records int
	Retry   int
	MaxWait time.Duration
}

// Dispatcher drains producer_queue and publishes each row to the external
// transport, fanning MULTICAST rows across every partition and moving
// exhausted rows to the dead-letter queue. Each batch is drained inside
// one transaction under FOR UPDATE SKIP LOCKED, so several dispatcher
// processes can share the table: a row is locked only for the duration of
// its publish attempt, deleted on success, retry-incremented on failure.
type Dispatcher struct {
	queue      *pgqueue.ProducerQueue
	deadLetter *pgqueue.DeadLetterQueue
	publisher  transport.Publisher
	cfg        DispatcherConfig
	state      state
}

func NewDispatcher(ctx context.Context, pool *pgqueue.Pool, publisher transport.Publisher, cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Records <= 0 {
		cfg.Records = 10
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 5
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}

	queue, err := pgqueue.NewProducerQueue(ctx, pool, queueTable)
	if err != nil {
		return nil, err
	}
	dlq, err := pgqueue.NewDeadLetterQueue(ctx, pool)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		queue:      queue,
		deadLetter: dlq,
		publisher:  publisher,
		cfg:        cfg,
		state:      connecting,
	}, nil
}

// Run blocks, draining producer_queue until ctx is canceled. It never
// returns a non-nil error for a clean shutdown; transport errors on
// individual messages are retried rather than propagated.
func (d *Dispatcher) Run(ctx context.Context) error {
	listener, err := pgqueue.Listen(ctx, d.cfg.DSN, []string{notifyChannel})
	if err != nil {
		return err
	}
	defer listener.Close(context.Background())

	d.state = listening
	observability.Log().Info("producer dispatcher listening", "channel", notifyChannel)

	for {
		drainCtx := ctx
		if ctx.Err() != nil {
			d.state = draining
			drainCtx = context.WithoutCancel(ctx)
		}

		drained, failed, err := d.queue.DrainBatch(drainCtx, d.cfg.Retry, d.cfg.Records, func(entry pgqueue.Entry) error {
			return d.publishOne(drainCtx, entry)
		})
		if err != nil {
			observability.Log().Error("producer drain failed", "error", err)
		}
		d.resolveFailures(drainCtx, failed)

		if d.state == draining {
			return nil
		}

		if drained == d.cfg.Records {
			continue // likely more work queued; skip the wait
		}

		if err := listener.WaitForNotification(ctx, d.cfg.MaxWait); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.Log().Error("producer listen wait failed", "error", err)
		}
	}
}

// publishOne hands one staged row to the external transport. The strategy
// column decides between a keyed single publish and a multicast fan-out;
// the envelope is decoded only to derive the partitioning key and the
// correlation id for the span.
func (d *Dispatcher) publishOne(ctx context.Context, entry pgqueue.Entry) error {
	key := ""
	correlation := ""
	if env, err := envelope.Decode(entry.Data); err == nil {
		key = env.Identifier().String()
		correlation = key
	}

	spanCtx, span := observability.StartSpan(ctx, "producer.publish",
		observability.AttrTopic.String(entry.Topic),
		observability.AttrStrategy.String(entry.Strategy),
		observability.AttrCorrelationID.String(correlation),
	)
	defer span.End()

	var publishErr error
	if entry.Strategy == "multicast" {
		publishErr = d.publisher.PublishMulticast(spanCtx, entry.Topic, entry.Data)
	} else {
		publishErr = d.publisher.Publish(spanCtx, transport.Message{
			Topic: entry.Topic,
			Key:   key,
			Value: entry.Data,
		})
	}

	if publishErr != nil {
		observability.SetSpanError(span, publishErr)
		observability.Metrics.RetryTotal.WithLabelValues(queueTable).Inc()
		return publishErr
	}

	observability.SetSpanOK(span)
	observability.Metrics.DispatchTotal.WithLabelValues(entry.Topic, "producer", "success").Inc()
	return nil
}

// resolveFailures dead-letters the rows whose retry budget is now spent.
// Rows under the ceiling stay in the table with their incremented retry
// count and are reselected on a later cycle.
func (d *Dispatcher) resolveFailures(ctx context.Context, failed []pgqueue.Entry) {
	for _, entry := range failed {
		if entry.Retry < d.cfg.Retry {
			continue
		}
		observability.Log().Warn("producer dead-lettering entry", "id", entry.ID, "topic", entry.Topic, "retry", entry.Retry)
		if err := d.deadLetter.Move(ctx, queueTable, entry, "publish_failed"); err != nil {
			observability.Log().Error("producer dead-letter move failed", "id", entry.ID, "error", err)
		}
		observability.Metrics.DeadLetterTotal.WithLabelValues(queueTable, "publish_failed").Inc()
	}
}
