package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/relaybus/broker/internal/transport"
)

// Admin wraps sarama.ClusterAdmin, used by the dynamic reply-topic pool to
// create and delete its ephemeral topics.
type Admin struct {
	admin sarama.ClusterAdmin
}

func NewAdmin(cfg Config) (*Admin, error) {
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka: new cluster admin: %w", err)
	}
	return &Admin{admin: admin}, nil
}

func (a *Admin) EnsureTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error {
	err := a.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: replicationFactor,
	}, false)
	if err != nil {
		if topicErr, ok := err.(*sarama.TopicError); ok && topicErr.Err == sarama.ErrTopicAlreadyExists {
			return nil
		}
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	return nil
}

func (a *Admin) DeleteTopic(ctx context.Context, topic string) error {
	if err := a.admin.DeleteTopic(topic); err != nil {
		if topicErr, ok := err.(*sarama.TopicError); ok && topicErr.Err == sarama.ErrUnknownTopicOrPartition {
			return nil
		}
		return fmt.Errorf("kafka: delete topic %s: %w", topic, err)
	}
	return nil
}

func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.admin.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("kafka: list topics: %w", err)
	}
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	return names, nil
}

func (a *Admin) Close() error {
	return a.admin.Close()
}

var _ transport.AdminClient = (*Admin)(nil)
