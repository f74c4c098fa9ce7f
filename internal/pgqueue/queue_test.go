package pgqueue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDSN skips the test unless a real Postgres instance is reachable —
// these exercise actual SELECT FOR UPDATE SKIP LOCKED semantics and
// advisory locks, which an in-memory fake cannot faithfully reproduce.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("BROKER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BROKER_TEST_POSTGRES_DSN not set - skipping Postgres integration test")
	}
	return dsn
}

func testPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := Open(context.Background(), testDSN(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// truncate empties a test table so leftovers from an earlier run can't
// leak into this one's assertions.
func truncate(t *testing.T, pool *Pool, table string) {
	t.Helper()
	_, err := pool.Raw().Exec(context.Background(), "TRUNCATE "+table)
	require.NoError(t, err)
}

func TestConsumerQueueEnqueueDequeueRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	q, err := NewConsumerQueue(ctx, pool, "test_consumer_queue")
	require.NoError(t, err)
	truncate(t, pool, "test_consumer_queue")

	id, err := q.Enqueue(ctx, "AddOrder", 0, []byte("payload"), []string{"test_consumer_queue", "AddOrder"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	entries, err := q.DequeueBatch(ctx, []string{"AddOrder"}, 5, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AddOrder", entries[0].Topic)

	// A second batch shouldn't see the same row again; it's marked processing.
	again, err := q.DequeueBatch(ctx, []string{"AddOrder"}, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.MarkDone(ctx, entries[0].ID))
}

func TestConsumerQueueMarkRetryReopensRow(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	q, err := NewConsumerQueue(ctx, pool, "test_retry_queue")
	require.NoError(t, err)
	truncate(t, pool, "test_retry_queue")

	id, err := q.Enqueue(ctx, "Ping", 0, []byte("p"), []string{"Ping"})
	require.NoError(t, err)

	entries, err := q.DequeueBatch(ctx, []string{"Ping"}, 5, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, q.MarkRetry(ctx, id))

	retried, err := q.DequeueBatch(ctx, []string{"Ping"}, 5, 1)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].Retry)
}

func TestProducerQueueDrainBatchDeletesOnSuccess(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	q, err := NewProducerQueue(ctx, pool, "test_producer_drain")
	require.NoError(t, err)
	truncate(t, pool, "test_producer_drain")

	_, err = q.Enqueue(ctx, "AddOrder", []byte("payload"), "unicast", "test_producer_drain")
	require.NoError(t, err)

	var published []Entry
	drained, failed, err := q.DrainBatch(ctx, 5, 10, func(e Entry) error {
		published = append(published, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	assert.Empty(t, failed)
	require.Len(t, published, 1)
	assert.Equal(t, "unicast", published[0].Strategy)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "the published row should be deleted")
}

func TestProducerQueueDrainBatchKeepsFailedRowWithRetry(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	q, err := NewProducerQueue(ctx, pool, "test_producer_fail")
	require.NoError(t, err)
	truncate(t, pool, "test_producer_fail")

	_, err = q.Enqueue(ctx, "AddOrder", []byte("payload"), "unicast", "test_producer_fail")
	require.NoError(t, err)

	_, failed, err := q.DrainBatch(ctx, 5, 10, func(Entry) error {
		return errors.New("broker down")
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Retry)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "the failed row should remain staged")

	// Once retry reaches the ceiling the row drops out of the drain set.
	for i := 0; i < 4; i++ {
		_, _, err := q.DrainBatch(ctx, 5, 10, func(Entry) error { return errors.New("still down") })
		require.NoError(t, err)
	}
	drained, _, err := q.DrainBatch(ctx, 5, 10, func(Entry) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, drained, "no rows should be selectable once retry hit the ceiling")
}

func TestListenerWaitForNotificationTimesOut(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	l, err := Listen(ctx, dsn, []string{"test_listen_topic"})
	require.NoError(t, err)
	defer l.Close(ctx)

	start := time.Now()
	require.NoError(t, l.WaitForNotification(ctx, 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "should wait close to the full bound")
}
