// Package adminstats samples queue depth, oldest-row age, and dead-letter
// volume into Prometheus gauges on a fixed interval. It is the numbers an
// operator's alerting consumes — a stuck producer shows up as a rising
// oldest-age, an exhausted retry budget as a growing dead-letter depth —
// not a UI of its own.
package adminstats

import (
	"context"
	"time"

	"github.com/relaybus/broker/internal/observability"
	"github.com/relaybus/broker/internal/pgqueue"
)

// QueueStats is the read-side surface a sampled queue exposes; both
// pgqueue.ProducerQueue and pgqueue.ConsumerQueue satisfy it.
type QueueStats interface {
	Depth(ctx context.Context) (int, error)
	OldestAge(ctx context.Context) (time.Duration, error)
}

// Sampler periodically publishes gauge readings for a set of named queues
// and the dead-letter table.
type Sampler struct {
	queues     map[string]QueueStats
	deadLetter *pgqueue.DeadLetterQueue
	interval   time.Duration
}

// New returns a Sampler over the given queues, keyed by the label their
// gauges carry (normally the table name).
func New(queues map[string]QueueStats, deadLetter *pgqueue.DeadLetterQueue, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{queues: queues, deadLetter: deadLetter, interval: interval}
}

// Run blocks, refreshing the gauges every interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	for name, q := range s.queues {
		depth, err := q.Depth(ctx)
		if err != nil {
			observability.Log().Warn("stats depth sample failed", "queue", name, "error", err)
			continue
		}
		observability.Metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))

		age, err := q.OldestAge(ctx)
		if err != nil {
			observability.Log().Warn("stats age sample failed", "queue", name, "error", err)
			continue
		}
		observability.Metrics.QueueAge.WithLabelValues(name).Set(age.Seconds())
	}

	if s.deadLetter != nil {
		count, err := s.deadLetter.Count(ctx)
		if err != nil {
			observability.Log().Warn("stats dead-letter sample failed", "error", err)
			return
		}
		observability.Metrics.DeadLetterDepth.Set(float64(count))
	}
}
