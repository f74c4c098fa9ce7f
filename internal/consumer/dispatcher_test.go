package consumer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/relaybus/broker/envelope"
	"github.com/relaybus/broker/internal/enroute"
	"github.com/relaybus/broker/internal/pgqueue"
	"github.com/relaybus/broker/internal/transport"
	"github.com/relaybus/broker/internal/transport/memory"
)

func testPool(t *testing.T) *pgqueue.Pool {
	t.Helper()
	dsn := os.Getenv("BROKER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BROKER_TEST_POSTGRES_DSN not set - skipping Postgres integration test")
	}
	pool, err := pgqueue.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func testQueue(t *testing.T, pool *pgqueue.Pool) *pgqueue.ConsumerQueue {
	t.Helper()
	ctx := context.Background()
	q, err := pgqueue.NewConsumerQueue(ctx, pool, queueTable)
	require.NoError(t, err)
	_, err = pool.Raw().Exec(ctx, "TRUNCATE "+queueTable)
	require.NoError(t, err)
	return q
}

type fakeReplyPublisher struct {
	sent chan envelope.Envelope
}

func newFakeReplyPublisher() *fakeReplyPublisher {
	return &fakeReplyPublisher{sent: make(chan envelope.Envelope, 8)}
}

func (f *fakeReplyPublisher) Send(ctx context.Context, env envelope.Envelope) (int64, error) {
	f.sent <- env
	return 1, nil
}

func TestIngesterStagesMessageIntoConsumerQueue(t *testing.T) {
	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := memory.NewBus()
	sub := memory.NewSubscriber(bus)
	ingester, err := NewIngester(ctx, pool, sub, []string{"AddOrder"})
	require.NoError(t, err)

	go ingester.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the subscriber register before publishing

	pub := memory.NewPublisher(bus)
	env := envelope.New("AddOrder", []byte("payload"), "order-service")
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, transport.Message{Topic: "AddOrder", Value: data}))

	time.Sleep(100 * time.Millisecond)

	q, err := pgqueue.NewConsumerQueue(ctx, pool, queueTable)
	require.NoError(t, err)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.NotZero(t, depth, "expected at least one staged row in consumer_queue")
}

func TestDispatcherRunsCommandAndPublishesReply(t *testing.T) {
	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	q := testQueue(t, pool)

	registry := enroute.New()
	err := registry.RegisterTopic(enroute.Command, "AddOrder", func(ctx context.Context, rc enroute.CallbackContext, data []byte) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)

	replies := newFakeReplyPublisher()
	dispatcher, err := NewDispatcher(ctx, pool, registry, replies, DispatcherConfig{
		DSN: os.Getenv("BROKER_TEST_POSTGRES_DSN"), Records: 10, Retry: 5, MaxWait: 50 * time.Millisecond, ServiceName: "order-service",
	})
	require.NoError(t, err)

	env := envelope.New("AddOrder", []byte("payload"), "gateway")
	env.ReplyTopic = "AddOrderReply"
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "AddOrder", 0, data, []string{"AddOrder"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	select {
	case reply := <-replies.sent:
		assert.Equal(t, "AddOrderReply", reply.Topic)
		assert.Equal(t, "ok", string(reply.Data))
		require.Len(t, reply.Trace, 2, "the reply should carry the incoming trace plus one new hop")
		assert.Equal(t, env.Trace[0], reply.Trace[0], "the reply's first trace step should be the originating envelope's")
		assert.Equal(t, "order-service", reply.Trace[1].ServiceName)
	case <-ctx.Done():
		t.Fatal("timed out waiting for command reply")
	}

	cancel()
	<-done
}

func TestHandleCallbackErrorPolicyByKind(t *testing.T) {
	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := testQueue(t, pool)
	dlq, err := pgqueue.NewDeadLetterQueue(ctx, pool)
	require.NoError(t, err)
	replies := newFakeReplyPublisher()
	d := &Dispatcher{queue: q, deadLetter: dlq, replyWriter: replies, cfg: DispatcherConfig{Retry: 5, ServiceName: "order-service"}}

	t.Run("command system error replies and marks done, not retried", func(t *testing.T) {
		env := envelope.New("AddOrder", []byte("payload"), "gateway")
		env.ReplyTopic = "AddOrderReply"
		data, err := envelope.Encode(env)
		require.NoError(t, err)
		id, err := q.Enqueue(ctx, "AddOrder", 0, data, []string{"AddOrder"})
		require.NoError(t, err)
		entry := pgqueue.Entry{ID: id, Topic: "AddOrder", Data: data, Retry: 0}

		d.handleCallbackError(ctx, entry, env, enroute.Command, &SystemError{Cause: context.DeadlineExceeded})

		select {
		case reply := <-replies.sent:
			assert.Equal(t, envelope.StatusSystemError, reply.Status)
		default:
			t.Fatal("expected a reply to be published for a command system error")
		}
		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth, "the row should be deleted (marked done), not left for retry")
	})

	t.Run("event application error deletes row without a reply", func(t *testing.T) {
		env := envelope.New("OrderUpdated", []byte("payload"), "gateway")
		data, err := envelope.Encode(env)
		require.NoError(t, err)
		id, err := q.Enqueue(ctx, "OrderUpdated", 0, data, []string{"OrderUpdated"})
		require.NoError(t, err)
		entry := pgqueue.Entry{ID: id, Topic: "OrderUpdated", Data: data, Retry: 0}

		d.handleCallbackError(ctx, entry, env, enroute.Event, &ApplicationError{Cause: context.Canceled})

		select {
		case reply := <-replies.sent:
			t.Fatalf("expected no reply for an event application error, got one on %s", reply.Topic)
		default:
		}
		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth, "the event row should be deleted on application error")
	})

	t.Run("event system error increments retry and keeps the row", func(t *testing.T) {
		env := envelope.New("OrderUpdated", []byte("payload"), "gateway")
		data, err := envelope.Encode(env)
		require.NoError(t, err)
		id, err := q.Enqueue(ctx, "OrderUpdated", 0, data, []string{"OrderUpdated"})
		require.NoError(t, err)
		entry := pgqueue.Entry{ID: id, Topic: "OrderUpdated", Data: data, Retry: 0}

		d.handleCallbackError(ctx, entry, env, enroute.Event, &SystemError{Cause: context.DeadlineExceeded})

		rows, err := q.DequeueBatch(ctx, []string{"OrderUpdated"}, 5, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 1, rows[0].Retry, "the event row should survive with retry=1")
	})
}

func TestDispatchBatchRetainsMalformedEntry(t *testing.T) {
	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := testQueue(t, pool)
	dlq, err := pgqueue.NewDeadLetterQueue(ctx, pool)
	require.NoError(t, err)
	d := &Dispatcher{queue: q, deadLetter: dlq, registry: enroute.New(), replyWriter: newFakeReplyPublisher(), cfg: DispatcherConfig{Retry: 5, Records: 10}}

	_, err = q.Enqueue(ctx, "AddOrder", 0, []byte("garbage"), []string{"AddOrder"})
	require.NoError(t, err)
	batch, err := q.DequeueBatch(ctx, []string{"AddOrder"}, 5, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	d.dispatchBatch(ctx, batch)

	// The undecodable row survives with its retry count bumped and its
	// processing flag cleared, ready for the operator to notice.
	retained, err := q.DequeueBatch(ctx, []string{"AddOrder"}, 5, 10)
	require.NoError(t, err)
	require.Len(t, retained, 1, "the malformed row should be retained")
	assert.Equal(t, 1, retained[0].Retry)
}

func mustEventPayload(t *testing.T, uuidStr string, version int64) []byte {
	t.Helper()
	data, err := msgpack.Marshal(map[string]interface{}{"uuid": uuidStr, "version": version})
	require.NoError(t, err)
	return data
}

func TestPlanDispatchOrdersEventsByAggregateVersion(t *testing.T) {
	x := uuid.New().String()
	y := uuid.New().String()

	mk := func(uuidStr string, version int64) decodedEntry {
		return decodedEntry{
			entry: pgqueue.Entry{ID: version},
			env:   envelope.Envelope{Topic: "OrderUpdated", Data: mustEventPayload(t, uuidStr, version)},
			kind:  enroute.Event,
		}
	}

	decoded := []decodedEntry{
		mk(x, 1),
		mk(x, 3),
		mk(x, 2),
		mk(y, 1),
	}

	units := planDispatch(decoded)

	var xOrder []int64
	var yUnits int
	for _, unit := range units {
		aggUUID, _, ok := eventAggregateKey(unit[0].env.Data)
		require.True(t, ok, "every unit should carry a parseable aggregate key")
		if aggUUID.String() == x {
			for _, de := range unit {
				_, version, _ := eventAggregateKey(de.env.Data)
				xOrder = append(xOrder, version)
			}
		}
		if aggUUID.String() == y {
			yUnits++
		}
	}

	assert.Equal(t, []int64{1, 2, 3}, xOrder, "aggregate X's versions should ascend within one unit")
	assert.Equal(t, 1, yUnits, "aggregate Y's single entry should be its own unit")
}

func TestPlanDispatchTreatsNonEventKindsIndependently(t *testing.T) {
	decoded := []decodedEntry{
		{entry: pgqueue.Entry{ID: 1}, env: envelope.Envelope{Topic: "AddOrder"}, kind: enroute.Command},
		{entry: pgqueue.Entry{ID: 2}, env: envelope.Envelope{Topic: "AddOrder"}, kind: enroute.Command},
	}

	units := planDispatch(decoded)
	require.Len(t, units, 2, "commands should dispatch as independent units")
	for _, unit := range units {
		assert.Len(t, unit, 1)
	}
}
