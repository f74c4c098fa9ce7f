// Package memory implements internal/transport entirely in-process, used
// by producer/consumer tests so they exercise real dispatch
// logic without a live Kafka cluster.
package memory

import (
	"context"
	"reflect"
	"sync"

	"github.com/relaybus/broker/internal/transport"
)

// Bus is a shared in-memory broker: every Subscriber.Run call registers a
// handler for a topic set, and every Publisher.Publish call fans out to
// all handlers currently registered for that topic.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	topics   map[string]bool
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]transport.Handler),
		topics:   make(map[string]bool),
	}
}

func (b *Bus) register(topic string, h transport.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	b.topics[topic] = true
}

// unregister removes one previously registered handler instance, restoring
// the topic's handler slice to what it was before register(topic, h) — used
// when a Subscriber.Run call ends, so a later re-subscribe with a changed
// topic set doesn't accumulate duplicate deliveries for topics that stay
// subscribed across the resubscribe.
func (b *Bus) unregister(topic string, h transport.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[topic]
	target := reflect.ValueOf(h).Pointer()
	for i := range handlers {
		if reflect.ValueOf(handlers[i]).Pointer() == target {
			b.handlers[topic] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg transport.Message) error {
	b.mu.Lock()
	handlers := append([]transport.Handler(nil), b.handlers[msg.Topic]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) partitionCount(topic string) int {
	return 3 // fixed fan-out width for MULTICAST tests
}

// Publisher publishes onto a shared Bus.
type Publisher struct {
	bus *Bus
}

func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) Publish(ctx context.Context, msg transport.Message) error {
	return p.bus.dispatch(ctx, msg)
}

func (p *Publisher) PublishMulticast(ctx context.Context, topic string, value []byte) error {
	for i := 0; i < p.bus.partitionCount(topic); i++ {
		if err := p.bus.dispatch(ctx, transport.Message{Topic: topic, Partition: i, Value: value}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() error { return nil }

// Subscriber registers a handler on a shared Bus for Run's lifetime.
type Subscriber struct {
	bus *Bus
}

func NewSubscriber(bus *Bus) *Subscriber {
	return &Subscriber{bus: bus}
}

func (s *Subscriber) Run(ctx context.Context, topics []string, handler transport.Handler) error {
	for _, topic := range topics {
		s.bus.register(topic, handler)
	}
	defer func() {
		for _, topic := range topics {
			s.bus.unregister(topic, handler)
		}
	}()
	<-ctx.Done()
	return nil
}

func (s *Subscriber) Close() error { return nil }

var (
	_ transport.Publisher  = (*Publisher)(nil)
	_ transport.Subscriber = (*Subscriber)(nil)
)
