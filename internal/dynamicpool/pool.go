package dynamicpool

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaybus/broker/internal/observability"
	"github.com/relaybus/broker/internal/pgqueue"
	"github.com/relaybus/broker/internal/transport"
)

// SubscriptionManager lets the pool add/remove an ephemeral reply topic
// from whatever consumer ingester(s) are running, satisfied directly by
// *internal/consumer.Ingester in production wiring.
type SubscriptionManager interface {
	AddTopic(topic string)
	RemoveTopic(topic string)
}

// Config tunes a Pool's size, idle-lifetime, and the bound on a single
// inner wait tick inside GetMany.
type Config struct {
	DSN     string
	MaxSize int
	Recycle time.Duration
	MaxWait time.Duration
}

type pooledBroker struct {
	broker   *Broker
	leasedAt time.Time
	idleAt   time.Time
}

// Pool hands out ephemeral Broker leases from a bounded, recycled free
// list. A released lease keeps its topic warm for the next caller; the
// janitor tears a topic down only after it has sat idle past Recycle.
type Pool struct {
	cfg    Config
	writer Sender
	queue  *pgqueue.ConsumerQueue
	admin  transport.AdminClient
	subs   SubscriptionManager

	mu    sync.Mutex
	free  *list.List // of *pooledBroker, front = most recently released
	inUse map[string]*pooledBroker
	size  int
}

func New(ctx context.Context, pool *pgqueue.Pool, writer Sender, admin transport.AdminClient, subs SubscriptionManager, cfg Config) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	if cfg.Recycle <= 0 {
		cfg.Recycle = time.Hour
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}

	queue, err := pgqueue.NewConsumerQueue(ctx, pool, "consumer_queue")
	if err != nil {
		return nil, fmt.Errorf("dynamicpool: new queue: %w", err)
	}

	return &Pool{
		cfg:    cfg,
		writer: writer,
		queue:  queue,
		admin:  admin,
		subs:   subs,
		free:   list.New(),
		inUse:  make(map[string]*pooledBroker),
	}, nil
}

// Lease wraps a borrowed Broker; call Release when done with it.
type Lease struct {
	Broker *Broker
	pool   *Pool
}

// Release returns the lease's broker to the free list instead of tearing
// it down immediately — brokers are only torn down by the recycle janitor
// once they've sat idle past Config.Recycle, so a bursty caller reuses
// warm ephemeral topics instead of paying topic-creation cost every call.
func (l *Lease) Release() {
	l.pool.release(l.Broker)
}

// Acquire borrows a Broker, creating a fresh ephemeral topic if the free
// list is empty and the pool has headroom, or blocking-free reusing the
// most-recently-released one (LRU — actually MRU reuse, cold-start
// avoidance) otherwise.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	defer func() {
		observability.Metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())
	}()

	p.mu.Lock()
	if front := p.free.Front(); front != nil {
		pb := p.free.Remove(front).(*pooledBroker)
		p.inUse[pb.broker.Topic()] = pb
		p.mu.Unlock()
		observability.Metrics.PoolInUse.Inc()
		observability.Metrics.PoolFree.Dec()
		return &Lease{Broker: pb.broker, pool: p}, nil
	}

	if p.size >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, fmt.Errorf("dynamicpool: pool exhausted (maxsize %d)", p.cfg.MaxSize)
	}
	p.size++
	p.mu.Unlock()

	broker, err := p.createBroker(ctx)
	if err != nil {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	p.inUse[broker.Topic()] = &pooledBroker{broker: broker, leasedAt: time.Now()}
	p.mu.Unlock()
	observability.Metrics.PoolInUse.Inc()

	return &Lease{Broker: broker, pool: p}, nil
}

func (p *Pool) createBroker(ctx context.Context) (*Broker, error) {
	topic := strings.ReplaceAll(uuid.NewString(), "-", "")

	if err := p.admin.EnsureTopic(ctx, topic, 1, 1); err != nil {
		return nil, fmt.Errorf("dynamicpool: create reply topic %s: %w", topic, err)
	}
	p.subs.AddTopic(topic)

	return newBroker(topic, p.writer, p.queue, p.cfg.DSN, p.cfg.MaxWait), nil
}

func (p *Pool) release(broker *Broker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pb, ok := p.inUse[broker.Topic()]
	if !ok {
		return
	}
	delete(p.inUse, broker.Topic())
	pb.idleAt = time.Now()
	p.free.PushFront(pb)

	observability.Metrics.PoolInUse.Dec()
	observability.Metrics.PoolFree.Inc()
}

// RunJanitor blocks, periodically tearing down free-list brokers that have
// sat idle past Config.Recycle, until ctx is canceled.
func (p *Pool) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Recycle / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	var expired []*pooledBroker

	p.mu.Lock()
	for e := p.free.Back(); e != nil; {
		pb := e.Value.(*pooledBroker)
		prev := e.Prev()
		if time.Since(pb.idleAt) >= p.cfg.Recycle {
			p.free.Remove(e)
			p.size--
			expired = append(expired, pb)
		}
		e = prev
	}
	p.mu.Unlock()

	for _, pb := range expired {
		p.destroyBroker(ctx, pb.broker)
	}
}

func (p *Pool) destroyBroker(ctx context.Context, broker *Broker) {
	topic := broker.Topic()
	p.subs.RemoveTopic(topic)
	if err := p.admin.DeleteTopic(ctx, topic); err != nil {
		observability.Log().Error("dynamicpool: delete reply topic failed", "topic", topic, "error", err)
	}
	observability.Metrics.PoolRecycleTotal.Inc()
	observability.Metrics.PoolFree.Dec()
}
