// Package consumer implements the incoming half of the broker: an
// Ingester that pulls encoded envelopes off the external transport and
// stages them in consumer_queue, and a Dispatcher that drains that table
// and invokes registered callbacks with bounded concurrency.
package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaybus/broker/internal/observability"
	"github.com/relaybus/broker/internal/pgqueue"
	"github.com/relaybus/broker/internal/transport"
)

const queueTable = "consumer_queue"
const globalNotifyChannel = "consumer_queue"

// Ingester subscribes to every topic the registry cares about, plus any
// ephemeral reply topics added at runtime, and stages each received
// message in consumer_queue for the Dispatcher to pick up. Ingester never
// invokes user code.
type Ingester struct {
	queue      *pgqueue.ConsumerQueue
	subscriber transport.Subscriber

	mu     sync.Mutex
	topics map[string]bool
	cancel context.CancelFunc
}

func NewIngester(ctx context.Context, pool *pgqueue.Pool, subscriber transport.Subscriber, topics []string) (*Ingester, error) {
	q, err := pgqueue.NewConsumerQueue(ctx, pool, queueTable)
	if err != nil {
		return nil, fmt.Errorf("consumer: new ingester: %w", err)
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &Ingester{queue: q, subscriber: subscriber, topics: set}, nil
}

// Run blocks, forwarding every message received on the subscribed topics
// into consumer_queue, until ctx is canceled. It re-subscribes whenever
// AddTopic/RemoveTopic changes the topic set, and backs off between
// attempts when the transport side keeps failing — the external broker
// retains uncommitted messages, so nothing is lost across a reconnect.
func (in *Ingester) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		runCtx, cancel := context.WithCancel(ctx)
		in.mu.Lock()
		in.cancel = cancel
		topics := in.topicListLocked()
		in.mu.Unlock()

		err := in.subscriber.Run(runCtx, topics, in.handle)
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			observability.Log().Error("consumer subscriber run failed, resubscribing", "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (in *Ingester) handle(ctx context.Context, msg transport.Message) error {
	_, err := in.queue.Enqueue(ctx, msg.Topic, msg.Partition, msg.Value, []string{globalNotifyChannel, msg.Topic})
	if err != nil {
		observability.Log().Error("consumer ingest failed", "topic", msg.Topic, "error", err)
		return err
	}
	return nil
}

func (in *Ingester) topicListLocked() []string {
	topics := make([]string, 0, len(in.topics))
	for t := range in.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// AddTopic adds t to the subscription set and forces a resubscribe if it
// wasn't already present — the dynamic reply-topic pool calls this when it
// creates a fresh ephemeral reply topic.
func (in *Ingester) AddTopic(t string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.topics[t] {
		return
	}
	in.topics[t] = true
	if in.cancel != nil {
		in.cancel()
	}
}

// RemoveTopic drops t from the subscription set and forces a resubscribe.
// Messages already staged in consumer_queue for t are unaffected and are
// still drained normally — only future ingestion of new messages on t
// stops.
func (in *Ingester) RemoveTopic(t string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.topics[t] {
		return
	}
	delete(in.topics, t)
	if in.cancel != nil {
		in.cancel()
	}
}

var _ interface {
	AddTopic(string)
	RemoveTopic(string)
} = (*Ingester)(nil)
