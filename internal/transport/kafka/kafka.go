// Package kafka implements internal/transport on top of
// github.com/IBM/sarama.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/relaybus/broker/internal/transport"
)

// Config configures a Kafka-backed transport.Publisher/Subscriber pair.
type Config struct {
	Brokers []string
	GroupID string
}

func saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

// Publisher publishes envelopes to Kafka, hash-partitioned by the
// message key on the normal path, with a separate PublishMulticast path
// for MULTICAST sends.
type Publisher struct {
	producer sarama.SyncProducer
	client   sarama.Client
}

func NewPublisher(cfg Config) (*Publisher, error) {
	client, err := sarama.NewClient(cfg.Brokers, saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka: new sync producer: %w", err)
	}

	return &Publisher{producer: producer, client: client}, nil
}

func (p *Publisher) Publish(ctx context.Context, msg transport.Message) error {
	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
	}
	_, _, err := p.producer.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// PublishMulticast sends value to every partition of topic individually,
// keyed by partition number so the hash partitioner can't collapse them
// back onto a single partition.
func (p *Publisher) PublishMulticast(ctx context.Context, topic string, value []byte) error {
	partitions, err := p.client.Partitions(topic)
	if err != nil {
		return fmt.Errorf("kafka: partitions for %s: %w", topic, err)
	}

	for _, partition := range partitions {
		pm := &sarama.ProducerMessage{
			Topic:     topic,
			Partition: partition,
			Value:     sarama.ByteEncoder(value),
		}
		if _, _, err := p.producer.SendMessage(pm); err != nil {
			return fmt.Errorf("kafka: multicast publish to %s partition %d: %w", topic, partition, err)
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return err
	}
	return p.client.Close()
}

var _ transport.Publisher = (*Publisher)(nil)
