// Package producer implements the outgoing half of the broker: a Writer
// that stages envelopes in the producer_queue table, and a Dispatcher that
// drains that table onto the external transport with per-row retry
// accounting.
package producer

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaybus/broker/envelope"
	"github.com/relaybus/broker/internal/pgqueue"
)

const queueTable = "producer_queue"
const notifyChannel = "producer_queue"

// Writer stages outgoing envelopes for the Dispatcher to pick up.
type Writer struct {
	queue *pgqueue.ProducerQueue
}

// NewWriter ensures the producer_queue table exists and returns a Writer
// bound to it.
func NewWriter(ctx context.Context, pool *pgqueue.Pool) (*Writer, error) {
	q, err := pgqueue.NewProducerQueue(ctx, pool, queueTable)
	if err != nil {
		return nil, fmt.Errorf("producer: new writer: %w", err)
	}
	return &Writer{queue: q}, nil
}

// Send encodes env and stages it for dispatch, returning the new queue
// row id.
func (w *Writer) Send(ctx context.Context, env envelope.Envelope) (int64, error) {
	if err := env.Validate(); err != nil {
		return 0, fmt.Errorf("producer: refusing to send invalid envelope: %w", err)
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return 0, fmt.Errorf("producer: encode envelope: %w", err)
	}

	id, err := w.queue.Enqueue(ctx, env.Topic, data, strategyValue(env.Strategy), notifyChannel)
	if err != nil {
		return 0, fmt.Errorf("producer: enqueue: %w", err)
	}
	return id, nil
}

// strategyValue renders the strategy enum into the lowercase form the
// producer_queue.strategy column stores.
func strategyValue(s envelope.Strategy) string {
	return strings.ToLower(s.String())
}
