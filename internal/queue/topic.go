package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// PrepareWakeupTopic creates the partition wake-up-hint topic used by
// KafkaNotifier when running against a local broker that does not already
// have it. Production clusters are expected to provision the topic ahead
// of deployment, so this is a no-op outside env == "development".
func PrepareWakeupTopic(ctx context.Context, env, bootstrapServers, topic string, partitions int) error {
	if env != "development" {
		return nil
	}

	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": bootstrapServers})
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer admin.Close()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}

	var errs error
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			errs = errors.Join(errs, fmt.Errorf("topic %s: %w", r.Topic, r.Error))
		}
	}
	return errs
}
