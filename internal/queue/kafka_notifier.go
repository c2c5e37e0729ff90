package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"
)

// KafkaNotifier publishes a partition-keyed wake-up hint for every
// enqueued job, the way the teacher's kafkaProducer keys each message by
// TaskId in pubsub/kafka.go — here the key is the partition instead, so
// every hint for one queue partition lands on the same Kafka partition.
// The consumer group's assignment does not take a worker's PARTITIONS set
// into account, so a hint can reach a worker that does not own that
// partition; Runner ignores such a hint and the job is picked up by its
// owner's poll tick instead.
type KafkaNotifier struct {
	producer *kafka.Producer
	topic    string
	log      zerolog.Logger
}

type wakeupHint struct {
	Partition int    `json:"partition"`
	JobID     string `json:"jobId"`
}

func NewKafkaNotifier(bootstrapServers, topic string, log zerolog.Logger) (*KafkaNotifier, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":        bootstrapServers,
		"enable.idempotence":       true,
		"acks":                     "all",
		"reconnect.backoff.max.ms": 30000,
		"linger.ms":                5,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	n := &KafkaNotifier{producer: p, topic: topic, log: log}
	n.drainEvents()
	return n, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, partition int, jobID string) {
	payload, err := json.Marshal(wakeupHint{Partition: partition, JobID: jobID})
	if err != nil {
		n.log.Warn().Err(err).Msg("failed to marshal wakeup hint")
		return
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &n.topic, Partition: kafka.PartitionAny},
		Key:            []byte(fmt.Sprintf("partition-%d", partition)),
		Value:          payload,
	}

	if err := n.producer.Produce(msg, nil); err != nil {
		n.log.Warn().Err(err).Msg("failed to publish wakeup hint")
	}
}

func (n *KafkaNotifier) Shutdown() {
	n.producer.Close()
}

func (n *KafkaNotifier) drainEvents() {
	go func() {
		for e := range n.producer.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					n.log.Warn().Err(ev.TopicPartition.Error).Msg("wakeup hint delivery failed")
				}
			case kafka.Error:
				n.log.Warn().Err(ev).Msg("kafka producer error")
			}
		}
	}()
}

// KafkaConsumer reads the wake-up hints KafkaNotifier publishes and turns
// them into a channel of partition numbers a Runner can select on to skip
// its poll interval instead of waiting out the next tick. Every worker
// process joins the same consumer group so a hint is delivered to exactly
// one of them, the same way the teacher's pubsub/kafka.go consumer joins a
// shared group per topic.
type KafkaConsumer struct {
	consumer *kafka.Consumer
	log      zerolog.Logger
	closed   chan struct{}
}

func NewKafkaConsumer(bootstrapServers, topic, groupID string, log zerolog.Logger) (*KafkaConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	return &KafkaConsumer{consumer: c, log: log, closed: make(chan struct{})}, nil
}

// Partitions returns a channel that receives a partition number every time
// a wake-up hint for it arrives. The channel closes once ctx is done or
// Close is called.
func (c *KafkaConsumer) Partitions(ctx context.Context) <-chan int {
	out := make(chan int)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			default:
			}

			msg, err := c.consumer.ReadMessage(200 * time.Millisecond)
			if err != nil {
				if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				c.log.Warn().Err(err).Msg("kafka wakeup read failed")
				continue
			}

			var hint wakeupHint
			if err := json.Unmarshal(msg.Value, &hint); err != nil {
				c.log.Warn().Err(err).Msg("failed to unmarshal wakeup hint")
				continue
			}

			select {
			case out <- hint.Partition:
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}
	}()

	return out
}

func (c *KafkaConsumer) Close() error {
	close(c.closed)
	return c.consumer.Close()
}
