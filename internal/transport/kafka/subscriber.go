package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/relaybus/broker/internal/transport"
)

// Subscriber consumes topics as a member of a consumer group, so several
// consumer-ingester processes can share the work for the same topic set.
type Subscriber struct {
	group  sarama.ConsumerGroup
	client sarama.Client
}

func NewSubscriber(cfg Config) (*Subscriber, error) {
	client, err := sarama.NewClient(cfg.Brokers, saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}

	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka: new consumer group: %w", err)
	}

	return &Subscriber{group: group, client: client}, nil
}

func (s *Subscriber) Run(ctx context.Context, topics []string, handler transport.Handler) error {
	h := &groupHandler{handler: handler}
	for {
		if err := s.group.Consume(ctx, topics, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Subscriber) Close() error {
	if err := s.group.Close(); err != nil {
		return err
	}
	return s.client.Close()
}

var _ transport.Subscriber = (*Subscriber)(nil)

type groupHandler struct {
	handler transport.Handler
}

func (groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			tm := transport.Message{Topic: msg.Topic, Key: string(msg.Key), Partition: int(msg.Partition), Value: msg.Value}
			if err := h.handler(sess.Context(), tm); err != nil {
				// Leave it uncommitted: ending the claim here keeps later
				// messages from being marked past it, and Run's next
				// Consume resumes from the last committed offset.
				return err
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
