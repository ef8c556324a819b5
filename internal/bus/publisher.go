package bus

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Publisher is a synchronous Kafka producer: Publish returns only after the
// broker acknowledged the message, giving the at-least-once guarantee the
// admission path relies on.
type Publisher struct {
	producer *kafka.Producer
	logger   *zap.Logger
}

// NewPublisher creates a producer against the given brokers.
func NewPublisher(brokers string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Publisher{producer: p, logger: logger}, nil
}

// Publish sends one message and waits for broker acknowledgment.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	deliveries := make(chan kafka.Event, 1)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
	}

	if err := p.producer.Produce(msg, deliveries); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-deliveries:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver to %s: %w", topic, m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages and shuts the producer down.
func (p *Publisher) Close() {
	remaining := p.producer.Flush(5000)
	if remaining > 0 {
		p.logger.Warn("kafka producer closed with undelivered messages",
			zap.Int("remaining", remaining))
	}
	p.producer.Close()
}
