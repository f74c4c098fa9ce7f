package producer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/broker/envelope"
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

func TestWriterSendStagesEnvelope(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	w, err := NewWriter(ctx, pool)
	require.NoError(t, err)

	env := envelope.New("AddOrder", []byte("payload"), "order-service")
	id, err := w.Send(ctx, env)
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestWriterSendRejectsInvalidEnvelope(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	w, err := NewWriter(ctx, pool)
	require.NoError(t, err)

	_, err = w.Send(ctx, envelope.Envelope{})
	assert.Error(t, err, "an empty envelope should fail validation")
}

func TestDispatcherPublishesAndMarksDone(t *testing.T) {
	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	w, err := NewWriter(ctx, pool)
	require.NoError(t, err)
	env := envelope.New("AddOrder", []byte("payload"), "order-service")
	_, err = w.Send(ctx, env)
	require.NoError(t, err)

	bus := memory.NewBus()
	received := make(chan []byte, 1)
	sub := memory.NewSubscriber(bus)
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go sub.Run(subCtx, []string{"AddOrder"}, func(_ context.Context, msg transport.Message) error {
		received <- msg.Value
		return nil
	})

	pub := memory.NewPublisher(bus)
	dispatcher, err := NewDispatcher(ctx, pool, pub, DispatcherConfig{
		DSN: os.Getenv("BROKER_TEST_POSTGRES_DSN"), Records: 10, Retry: 5, MaxWait: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	select {
	case payload := <-received:
		decoded, err := envelope.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, "AddOrder", decoded.Topic)
	case <-ctx.Done():
		t.Fatal("timed out waiting for dispatcher to publish the staged envelope")
	}

	cancel()
	<-done
}
