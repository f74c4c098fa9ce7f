// Package dynamicpool turns the one-way bus into a request/response call:
// each request leases an ephemeral reply topic from a bounded pool, sends
// with that topic as the reply address, and collects replies off it. Leases
// are recycled after an idle timeout rather than torn down per call.
package dynamicpool

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybus/broker/envelope"
	"github.com/relaybus/broker/internal/pgqueue"
	"github.com/relaybus/broker/reqctx"
)

// NotEnoughEntriesError reports that GetMany's deadline elapsed before
// count entries arrived.
type NotEnoughEntriesError struct {
	Topic     string
	Requested int
	Received  int
}

func (e *NotEnoughEntriesError) Error() string {
	return fmt.Sprintf("dynamicpool: timed out waiting for %d entries on %q, received %d", e.Requested, e.Topic, e.Received)
}

// Sender is the seam a Broker uses to stage outgoing envelopes —
// satisfied by *producer.Writer.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope) (int64, error)
}

// Broker is one ephemeral reply topic leased out of a Pool. Every send()
// made through it is stamped with this broker's topic as the reply
// address, and GetOne/GetMany read back whatever arrives there.
type Broker struct {
	topic   string
	writer  Sender
	queue   *pgqueue.ConsumerQueue
	dsn     string
	maxWait time.Duration
}

func newBroker(topic string, writer Sender, queue *pgqueue.ConsumerQueue, dsn string, maxWait time.Duration) *Broker {
	return &Broker{topic: topic, writer: writer, queue: queue, dsn: dsn, maxWait: maxWait}
}

// Topic returns the ephemeral reply topic this broker leases, for binding
// into a reqctx.Context or an outgoing envelope's ReplyTopic field.
func (b *Broker) Topic() string {
	return b.topic
}

// ReqContext returns a request context with this broker's topic bound as
// the reply topic, for handing to downstream send() calls so their replies
// land back on this lease.
func (b *Broker) ReqContext() *reqctx.Context {
	return reqctx.New(b.topic, nil, nil)
}

// Send stages env after forcing its reply topic to this broker's
// ephemeral topic, overriding whatever the caller set.
func (b *Broker) Send(ctx context.Context, env envelope.Envelope) (int64, error) {
	env.ReplyTopic = b.topic
	return b.writer.Send(ctx, env)
}

// GetOne waits for exactly one reply.
func (b *Broker) GetOne(ctx context.Context, timeout time.Duration) (envelope.Envelope, error) {
	entries, err := b.GetMany(ctx, 1, timeout)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return entries[0], nil
}

// GetMany waits up to timeout for count replies to accumulate on this
// broker's topic, returning NotEnoughEntriesError if the deadline passes
// first. Replies come back in arrival order. Each inner wait tick is
// bounded by the pool's MaxWait so a coalesced notification costs at most
// one tick, not the whole deadline.
func (b *Broker) GetMany(ctx context.Context, count int, timeout time.Duration) ([]envelope.Envelope, error) {
	deadline := time.Now().Add(timeout)
	var results []envelope.Envelope

	listener, err := pgqueue.Listen(ctx, b.dsn, []string{b.topic})
	if err != nil {
		return nil, fmt.Errorf("dynamicpool: listen on %s: %w", b.topic, err)
	}
	defer listener.Close(context.Background())

	for len(results) < count {
		entries, err := b.queue.Take(ctx, b.topic, count-len(results))
		if err != nil {
			return nil, fmt.Errorf("dynamicpool: take from %s: %w", b.topic, err)
		}
		for _, entry := range entries {
			env, err := envelope.Decode(entry.Data)
			if err != nil {
				continue // malformed reply; skip rather than fail the whole wait
			}
			results = append(results, env)
		}
		if len(results) >= count {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &NotEnoughEntriesError{Topic: b.topic, Requested: count, Received: len(results)}
		}
		tick := remaining
		if b.maxWait > 0 && tick > b.maxWait {
			tick = b.maxWait
		}
		if err := listener.WaitForNotification(ctx, tick); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dynamicpool: wait for notification on %s: %w", b.topic, err)
		}
	}
	return results, nil
}
