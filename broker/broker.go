// Package broker is the user-facing front door to the messaging core:
// EventBroker, CommandBroker, and CommandReplyBroker, the three high-level
// send APIs user handlers call instead of touching internal/producer
// directly. Each stamps its own envelope shape on top of the one shared
// staging path.
package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaybus/broker/envelope"
	"github.com/relaybus/broker/internal/producer"
	"github.com/relaybus/broker/reqctx"
)

// Sender is the seam every broker front-end publishes through — satisfied
// by *internal/producer.Writer in production wiring and by a fake in tests.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope) (int64, error)
}

var _ Sender = (*producer.Writer)(nil)

// EventBroker publishes facts: one-way, no reply expected.
type EventBroker struct {
	sender      Sender
	serviceName string
}

// NewEventBroker returns an EventBroker that stages outgoing events through
// sender (normally a producer.Writer bound to this service's producer_queue).
func NewEventBroker(sender Sender, serviceName string) *EventBroker {
	return &EventBroker{sender: sender, serviceName: serviceName}
}

// Send materializes an envelope for data on topic, appends this service's
// trace step, and stages it for the producer dispatcher.
func (b *EventBroker) Send(ctx context.Context, data []byte, topic string) (int64, error) {
	env := envelope.New(topic, data, b.serviceName)
	return b.sender.Send(ctx, env)
}

// CommandBroker publishes imperative requests expecting a reply.
type CommandBroker struct {
	sender            Sender
	serviceName       string
	defaultReplyTopic string
}

// NewCommandBroker returns a CommandBroker whose replies default to
// defaultReplyTopic when neither an explicit reply topic nor a bound
// reqctx.Context reply topic is available.
func NewCommandBroker(sender Sender, serviceName, defaultReplyTopic string) *CommandBroker {
	return &CommandBroker{sender: sender, serviceName: serviceName, defaultReplyTopic: defaultReplyTopic}
}

// Send materializes a command envelope. replyTopic may be empty, in which
// case the bound reqctx.Context's reply topic is used if set, falling back
// to this broker's configured default.
func (b *CommandBroker) Send(ctx context.Context, rc *reqctx.Context, data []byte, topic, replyTopic string, user *uuid.UUID) (int64, error) {
	env := envelope.New(topic, data, b.serviceName)
	env.ReplyTopic = b.resolveReplyTopic(rc, replyTopic)
	env.User = user
	return b.sender.Send(ctx, env)
}

func (b *CommandBroker) resolveReplyTopic(rc *reqctx.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if rc != nil && rc.ReplyTopic() != "" {
		return rc.ReplyTopic()
	}
	return b.defaultReplyTopic
}

// CommandReplyBroker publishes the outcome of a saga step back to the
// originator's dynamic reply topic.
type CommandReplyBroker struct {
	sender      Sender
	serviceName string
}

// NewCommandReplyBroker returns a CommandReplyBroker.
func NewCommandReplyBroker(sender Sender, serviceName string) *CommandReplyBroker {
	return &CommandReplyBroker{sender: sender, serviceName: serviceName}
}

// Send materializes a reply envelope on topic, carrying identifier as the
// sole (reused) trace-tail so the originator correlates it back to its
// own request.
func (b *CommandReplyBroker) Send(ctx context.Context, data []byte, topic string, identifier uuid.UUID, status envelope.Status) (int64, error) {
	if identifier == uuid.Nil {
		return 0, fmt.Errorf("broker: command reply requires a non-nil identifier")
	}
	env := envelope.Envelope{
		Topic:  topic,
		Data:   data,
		Status: status,
		Trace:  []envelope.TraceStep{{Identifier: identifier, ServiceName: b.serviceName}},
	}
	return b.sender.Send(ctx, env)
}
