package dynamicpool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/broker/envelope"
	"github.com/relaybus/broker/internal/pgqueue"
)

type fakeAdmin struct {
	created []string
	deleted []string
}

func (f *fakeAdmin) EnsureTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error {
	f.created = append(f.created, topic)
	return nil
}

func (f *fakeAdmin) DeleteTopic(ctx context.Context, topic string) error {
	f.deleted = append(f.deleted, topic)
	return nil
}

func (f *fakeAdmin) ListTopics(ctx context.Context) ([]string, error) { return f.created, nil }
func (f *fakeAdmin) Close() error                                     { return nil }

type fakeSubs struct {
	added   []string
	removed []string
}

func (f *fakeSubs) AddTopic(topic string)    { f.added = append(f.added, topic) }
func (f *fakeSubs) RemoveTopic(topic string) { f.removed = append(f.removed, topic) }

type fakeSender struct {
	sent []envelope.Envelope
}

func (f *fakeSender) Send(ctx context.Context, env envelope.Envelope) (int64, error) {
	f.sent = append(f.sent, env)
	return int64(len(f.sent)), nil
}

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

func TestAcquireCreatesTopicAndSubscribes(t *testing.T) {
	pgPool := testPool(t)
	ctx := context.Background()

	admin := &fakeAdmin{}
	subs := &fakeSubs{}
	p, err := New(ctx, pgPool, &fakeSender{}, admin, subs, Config{MaxSize: 2, Recycle: time.Hour})
	require.NoError(t, err)

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	topic := lease.Broker.Topic()
	require.NotEmpty(t, topic)
	assert.Equal(t, []string{topic}, admin.created, "the topic should be created on the external broker")
	assert.Equal(t, []string{topic}, subs.added, "the ingester should be subscribed to the topic")
	assert.Equal(t, topic, lease.Broker.ReqContext().ReplyTopic())

	// Release keeps the topic warm; a second acquire reuses it.
	lease.Release()
	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, topic, again.Broker.Topic(), "the released broker should be reused")
	assert.Len(t, admin.created, 1, "no second topic should be created")
}

func TestAcquireFailsWhenPoolExhausted(t *testing.T) {
	pgPool := testPool(t)
	ctx := context.Background()

	p, err := New(ctx, pgPool, &fakeSender{}, &fakeAdmin{}, &fakeSubs{}, Config{MaxSize: 1, Recycle: time.Hour})
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	assert.Error(t, err, "acquiring past maxsize should fail")
}

func TestSweepTearsDownIdleBrokers(t *testing.T) {
	pgPool := testPool(t)
	ctx := context.Background()

	admin := &fakeAdmin{}
	subs := &fakeSubs{}
	p, err := New(ctx, pgPool, &fakeSender{}, admin, subs, Config{MaxSize: 2, Recycle: 10 * time.Millisecond})
	require.NoError(t, err)

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	topic := lease.Broker.Topic()
	lease.Release()

	time.Sleep(20 * time.Millisecond)
	p.sweep(ctx)

	assert.Equal(t, []string{topic}, admin.deleted, "the idle topic should be deleted")
	assert.Equal(t, []string{topic}, subs.removed, "the ingester should be unsubscribed")
}

func TestGetManyCollectsRepliesInArrivalOrder(t *testing.T) {
	pgPool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	p, err := New(ctx, pgPool, &fakeSender{}, &fakeAdmin{}, &fakeSubs{}, Config{
		DSN: os.Getenv("BROKER_TEST_POSTGRES_DSN"), MaxSize: 2, Recycle: time.Hour,
	})
	require.NoError(t, err)
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	b := lease.Broker

	for _, payload := range []string{"first", "second"} {
		env := envelope.New(b.Topic(), []byte(payload), "remote-service")
		data, err := envelope.Encode(env)
		require.NoError(t, err)
		_, err = p.queue.Enqueue(ctx, b.Topic(), 0, data, []string{b.Topic()})
		require.NoError(t, err)
	}

	replies, err := b.GetMany(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "first", string(replies[0].Data))
	assert.Equal(t, "second", string(replies[1].Data))

	remaining, err := p.queue.CountByTopic(ctx, b.Topic())
	require.NoError(t, err)
	assert.Zero(t, remaining, "consumed rows should be deleted")
}

func TestGetManyTimesOutWithNotEnoughEntries(t *testing.T) {
	pgPool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	p, err := New(ctx, pgPool, &fakeSender{}, &fakeAdmin{}, &fakeSubs{}, Config{
		DSN: os.Getenv("BROKER_TEST_POSTGRES_DSN"), MaxSize: 2, Recycle: time.Hour, MaxWait: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = lease.Broker.GetMany(ctx, 1, 150*time.Millisecond)
	var notEnough *NotEnoughEntriesError
	require.ErrorAs(t, err, &notEnough)
	assert.Equal(t, 1, notEnough.Requested)
	assert.Zero(t, notEnough.Received)
}
