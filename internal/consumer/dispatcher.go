package consumer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/relaybus/broker/envelope"
	"github.com/relaybus/broker/internal/enroute"
	"github.com/relaybus/broker/internal/observability"
	"github.com/relaybus/broker/internal/pgqueue"
	"github.com/relaybus/broker/reqctx"
)

// ReplyPublisher is the seam the dispatcher uses to publish command
// replies — satisfied by *producer.Writer in production wiring, and by a
// fake in tests, without consumer importing producer (which would create
// an import cycle once producer grows a reply-consuming command path).
type ReplyPublisher interface {
	Send(ctx context.Context, env envelope.Envelope) (int64, error)
}

// DispatcherConfig tunes batch size, retry ceiling, and per-aggregate
// concurrency.
type DispatcherConfig struct {
	DSN         string
	Records     int
	Retry       int
	MaxWait     time.Duration
	Concurrency int
	ServiceName string
}

// Dispatcher drains consumer_queue, routes each envelope through the
// enroute registry, and publishes command replies. Per-aggregate event
// ordering is preserved by grouping one dequeued batch by the event
// payload's aggregate uuid and running each group's entries sequentially
// in its own goroutine — different aggregates process concurrently, up to
// Concurrency groups at a time.
type Dispatcher struct {
	queue       *pgqueue.ConsumerQueue
	deadLetter  *pgqueue.DeadLetterQueue
	registry    *enroute.Registry
	replyWriter ReplyPublisher
	cfg         DispatcherConfig
}

func NewDispatcher(ctx context.Context, pool *pgqueue.Pool, registry *enroute.Registry, replyWriter ReplyPublisher, cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Records <= 0 {
		cfg.Records = 10
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 5
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	queue, err := pgqueue.NewConsumerQueue(ctx, pool, queueTable)
	if err != nil {
		return nil, err
	}
	dlq, err := pgqueue.NewDeadLetterQueue(ctx, pool)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		queue:       queue,
		deadLetter:  dlq,
		registry:    registry,
		replyWriter: replyWriter,
		cfg:         cfg,
	}, nil
}

// Run blocks, dispatching staged envelopes until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	topics := d.registry.Topics()
	listener, err := pgqueue.Listen(ctx, d.cfg.DSN, topics)
	if err != nil {
		return err
	}
	defer listener.Close(context.Background())

	observability.Log().Info("consumer dispatcher listening", "topics", topics)

	for {
		batch, err := d.queue.DequeueBatch(ctx, topics, d.cfg.Retry, d.cfg.Records)
		if err != nil {
			observability.Log().Error("consumer dequeue failed", "error", err)
		} else if len(batch) > 0 {
			d.dispatchBatch(ctx, batch)
		}

		if ctx.Err() != nil {
			return nil
		}

		if len(batch) == d.cfg.Records {
			continue
		}

		if err := listener.WaitForNotification(ctx, d.cfg.MaxWait); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.Log().Error("consumer listen wait failed", "error", err)
		}
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, batch []pgqueue.Entry) {
	var decoded []decodedEntry

	for _, entry := range batch {
		env, err := envelope.Decode(entry.Data)
		if err != nil {
			d.handleUndecodable(ctx, entry, err)
			continue
		}
		_, kind, ok := d.registry.CallbackForTopic(env.Topic)
		if !ok {
			kind = enroute.Command // unknown topic; handled inside dispatchOne
		}
		decoded = append(decoded, decodedEntry{entry: entry, env: env, kind: kind})
	}

	units := planDispatch(decoded)

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, unit := range units {
		wg.Add(1)
		sem <- struct{}{}
		go func(unit []decodedEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, de := range unit {
				d.dispatchOne(ctx, de.entry, de.env)
			}
		}(unit)
	}
	wg.Wait()
}

// handleUndecodable keeps a row whose bytes won't decode: the retry count
// climbs on every attempt so the row stays visible to an operator, and the
// row only leaves the table for the dead-letter queue once the ceiling is
// hit — the bytes won't fix themselves, but deleting them outright would
// destroy the only evidence of what went wrong.
func (d *Dispatcher) handleUndecodable(ctx context.Context, entry pgqueue.Entry, cause error) {
	observability.Log().Error("consumer entry failed to decode", "id", entry.ID, "topic", entry.Topic, "retry", entry.Retry, "error", cause)
	observability.Metrics.RetryTotal.WithLabelValues(queueTable).Inc()

	if entry.Retry+1 >= d.cfg.Retry {
		if err := d.deadLetter.Move(ctx, queueTable, entry, "malformed_envelope"); err != nil {
			observability.Log().Error("dead-letter move failed", "id", entry.ID, "error", err)
		}
		observability.Metrics.DeadLetterTotal.WithLabelValues(queueTable, "malformed_envelope").Inc()
		return
	}
	if err := d.queue.MarkRetry(ctx, entry.ID); err != nil {
		observability.Log().Error("mark-retry failed", "id", entry.ID, "error", err)
	}
}

type decodedEntry struct {
	entry   pgqueue.Entry
	env     envelope.Envelope
	kind    enroute.Kind
	version int64
}

// planDispatch groups decoded entries into dispatch units; the caller runs
// one goroutine per unit. Event-kind entries sharing the same payload uuid
// form one unit, run sequentially in ascending payload version so an
// aggregate's history applies in order; every other entry (including
// event-kind entries whose payload carries no parseable uuid/version,
// which cannot be ordered against anything) is its own independent unit
// and may run fully in parallel with the rest.
func planDispatch(decoded []decodedEntry) [][]decodedEntry {
	eventGroups := make(map[uuid.UUID][]decodedEntry)
	var eventOrder []uuid.UUID
	var units [][]decodedEntry

	for _, de := range decoded {
		if de.kind != enroute.Event {
			units = append(units, []decodedEntry{de})
			continue
		}
		aggUUID, version, ok := eventAggregateKey(de.env.Data)
		if !ok {
			units = append(units, []decodedEntry{de})
			continue
		}
		de.version = version
		if _, seen := eventGroups[aggUUID]; !seen {
			eventOrder = append(eventOrder, aggUUID)
		}
		eventGroups[aggUUID] = append(eventGroups[aggUUID], de)
	}

	for _, aggUUID := range eventOrder {
		group := eventGroups[aggUUID]
		sort.Slice(group, func(i, j int) bool { return group[i].version < group[j].version })
		units = append(units, group)
	}
	return units
}

// eventAggregateKey peeks at an event payload's uuid/version fields
// without the dispatcher needing to know the domain payload's full shape —
// it decodes just those two fields out of the same msgpack blob the
// payload is carried in.
func eventAggregateKey(data []byte) (uuid.UUID, int64, bool) {
	var payload struct {
		UUID    string `msgpack:"uuid"`
		Version int64  `msgpack:"version"`
	}
	if err := msgpack.Unmarshal(data, &payload); err != nil || payload.UUID == "" {
		return uuid.UUID{}, 0, false
	}
	id, err := uuid.Parse(payload.UUID)
	if err != nil {
		return uuid.UUID{}, 0, false
	}
	return id, payload.Version, true
}

func (d *Dispatcher) dispatchOne(ctx context.Context, entry pgqueue.Entry, env envelope.Envelope) {
	spanCtx, span := observability.StartSpan(ctx, "consumer.dispatch",
		observability.AttrTopic.String(env.Topic),
		observability.AttrCorrelationID.String(env.Identifier().String()),
	)
	defer span.End()

	logger := observability.Log().With(observability.CorrelationID(env.Identifier()))

	callback, kind, ok := d.registry.CallbackForTopic(env.Topic)
	if !ok {
		// No callback means a subscription/registration mismatch, not a bad
		// message: keep the row so it dispatches once the registration gap
		// is fixed or the retry ceiling moves it aside for the operator.
		logger.Warn("action not found", "topic", env.Topic)
		observability.SetSpanError(span, &ActionNotFoundError{Topic: env.Topic})
		d.handleActionNotFound(ctx, entry)
		return
	}

	rc := reqctx.New(env.ReplyTopic, env.User, traceFromEnvelope(env))

	start := time.Now()
	reply, err := callback(spanCtx, rc, env.Data)
	observability.Metrics.DispatchLatency.WithLabelValues(env.Topic, kind.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.SetSpanError(span, err)
		d.handleCallbackError(ctx, entry, env, kind, err)
		observability.Metrics.DispatchTotal.WithLabelValues(env.Topic, kind.String(), "error").Inc()
		return
	}

	observability.SetSpanOK(span)
	observability.Metrics.DispatchTotal.WithLabelValues(env.Topic, kind.String(), "success").Inc()

	if err := d.queue.MarkDone(ctx, entry.ID); err != nil {
		logger.Error("mark-done failed", "error", err)
	}

	if kind == enroute.Command && env.ReplyTopic != "" {
		replyEnv := d.buildReply(env, reply, envelope.StatusSuccess)
		if _, err := d.replyWriter.Send(spanCtx, replyEnv); err != nil {
			logger.Error("reply publish failed", "topic", env.ReplyTopic, "error", err)
		}
	}
}

func (d *Dispatcher) handleActionNotFound(ctx context.Context, entry pgqueue.Entry) {
	if entry.Retry+1 >= d.cfg.Retry {
		if err := d.deadLetter.Move(ctx, queueTable, entry, "action_not_found"); err != nil {
			observability.Log().Error("dead-letter move failed", "id", entry.ID, "error", err)
		}
		observability.Metrics.DeadLetterTotal.WithLabelValues(queueTable, "action_not_found").Inc()
		return
	}
	if err := d.queue.MarkRetry(ctx, entry.ID); err != nil {
		observability.Log().Error("mark-retry failed", "id", entry.ID, "error", err)
	}
}

// buildReply carries the incoming envelope's trace chain forward with one
// new hop appended, so the originator sees the full causal path including
// this service. Building from env rather than a fresh envelope preserves
// every prior hop.
func (d *Dispatcher) buildReply(env envelope.Envelope, data []byte, status envelope.Status) envelope.Envelope {
	reply := env.WithHop(d.cfg.ServiceName)
	reply.Topic = env.ReplyTopic
	reply.Data = data
	reply.Status = status
	reply.ReplyTopic = ""
	return reply
}

// handleCallbackError applies the per-kind failure policy. Commands (and
// command-replies) are terminal on any callback error: the outcome is the
// reply itself — a StatusError or StatusSystemError envelope for commands,
// nothing for command-replies — so the row is marked done rather than
// retried. Only events retry, and only on a system error; an event
// application error is dropped outright since events have no reply channel
// to report rejection through.
func (d *Dispatcher) handleCallbackError(ctx context.Context, entry pgqueue.Entry, env envelope.Envelope, kind enroute.Kind, cause error) {
	logger := observability.Log().With(observability.CorrelationID(env.Identifier()))

	var appErr *ApplicationError
	isApplicationError := asApplicationError(cause, &appErr)

	if kind == enroute.Command || kind == enroute.CommandReply {
		status := envelope.StatusSystemError
		reason := cause.Error()
		if isApplicationError {
			status = envelope.StatusError
			reason = appErr.Cause.Error()
			logger.Info("application error, replying and marking done", "topic", env.Topic, "error", appErr.Cause)
		} else {
			logger.Warn("system error, replying and marking done", "topic", env.Topic, "error", cause)
		}

		if kind == enroute.Command && env.ReplyTopic != "" {
			replyEnv := d.buildReply(env, []byte(reason), status)
			if _, err := d.replyWriter.Send(ctx, replyEnv); err != nil {
				logger.Error("error-reply publish failed", "error", err)
			}
		}
		if err := d.queue.MarkDone(ctx, entry.ID); err != nil {
			logger.Error("mark-done after callback error failed", "error", err)
		}
		return
	}

	// Event kind.
	if isApplicationError {
		logger.Info("event application error, deleting row", "topic", env.Topic, "error", appErr.Cause)
		if err := d.queue.MarkDone(ctx, entry.ID); err != nil {
			logger.Error("mark-done after event application error failed", "error", err)
		}
		return
	}

	logger.Warn("event system error dispatching", "topic", env.Topic, "retry", entry.Retry, "error", cause)
	observability.Metrics.RetryTotal.WithLabelValues(queueTable).Inc()

	if entry.Retry+1 >= d.cfg.Retry {
		if err := d.deadLetter.Move(ctx, queueTable, entry, cause.Error()); err != nil {
			logger.Error("dead-letter move failed", "error", err)
		}
		observability.Metrics.DeadLetterTotal.WithLabelValues(queueTable, "system_error").Inc()
		return
	}

	if err := d.queue.MarkRetry(ctx, entry.ID); err != nil {
		logger.Error("mark-retry failed", "error", err)
	}
}

func asApplicationError(err error, target **ApplicationError) bool {
	for err != nil {
		if ae, ok := err.(*ApplicationError); ok {
			*target = ae
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func traceFromEnvelope(env envelope.Envelope) []reqctx.TraceStep {
	steps := make([]reqctx.TraceStep, len(env.Trace))
	for i, t := range env.Trace {
		steps[i] = reqctx.TraceStep{Identifier: t.Identifier, ServiceName: t.ServiceName}
	}
	return steps
}
