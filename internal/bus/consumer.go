// Package bus wraps the Kafka client behind the small publish/subscribe
// surface the engine needs: at-least-once delivery with manual
// acknowledgment, one message in flight per consumer, and pausable intake.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// ConsumerConfig configures a single-topic consumer.
// All durations are in milliseconds to match broker-side settings.
type ConsumerConfig struct {
	Brokers             string
	Topic               string
	GroupID             string
	SessionTimeoutMs    int
	HeartbeatIntervalMs int
	ReadTimeoutMs       int
	RetryBackoffMs      int
}

func (c *ConsumerConfig) applyDefaults() {
	if c.SessionTimeoutMs == 0 {
		c.SessionTimeoutMs = 30000
	}
	if c.HeartbeatIntervalMs == 0 {
		c.HeartbeatIntervalMs = 3000
	}
	if c.ReadTimeoutMs == 0 {
		c.ReadTimeoutMs = 1000
	}
	if c.RetryBackoffMs == 0 {
		c.RetryBackoffMs = 1000
	}
}

// Handler processes one delivered message. A nil return acknowledges the
// message (offset committed); an error rewinds the partition to the failed
// message, which is redelivered after a short backoff.
type Handler func(ctx context.Context, key, value []byte) error

// messageSource is the slice of the Kafka client the consume loop needs.
type messageSource interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(msg *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
}

// Consumer is a manually-committed, pausable single-topic Kafka consumer.
// Processing is strictly one message at a time; the queue's own prefetch
// bound is the per-partition assignment.
type Consumer struct {
	consumer *kafka.Consumer
	config   ConsumerConfig
	logger   *zap.Logger

	mu     sync.Mutex
	paused bool
}

// NewConsumer creates and subscribes a consumer. Offsets are only ever
// committed explicitly after a handler acknowledges a message.
func NewConsumer(config ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	kconf := &kafka.ConfigMap{
		"bootstrap.servers":     config.Brokers,
		"group.id":              config.GroupID,
		"session.timeout.ms":    config.SessionTimeoutMs,
		"heartbeat.interval.ms": config.HeartbeatIntervalMs,
		"auto.offset.reset":     "earliest",
		"enable.auto.commit":    false,
	}

	c, err := kafka.NewConsumer(kconf)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	if err := c.SubscribeTopics([]string{config.Topic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", config.Topic, err)
	}

	logger.Info("kafka consumer subscribed",
		zap.String("topic", config.Topic), zap.String("group", config.GroupID))

	return &Consumer{consumer: c, config: config, logger: logger}, nil
}

// Run consumes until ctx is cancelled. A handler error rewinds the partition
// to the failed message: ReadMessage already advanced the in-process consume
// position, so without the seek a later commit on the same partition would
// implicitly commit past the failed offset and the message would be lost.
// Commit failures after a successful handle are logged and surface as an
// eventual duplicate delivery, which downstream guards (advisory locks,
// idempotent compensation) absorb.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	return c.run(ctx, c.consumer, handler)
}

func (c *Consumer) run(ctx context.Context, src messageSource, handler Handler) error {
	readTimeout := time.Duration(c.config.ReadTimeoutMs) * time.Millisecond
	retryBackoff := time.Duration(c.config.RetryBackoffMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := src.ReadMessage(readTimeout)
		if err != nil {
			if kafkaErr, ok := err.(kafka.Error); ok && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("kafka read failed", zap.Error(err))
			continue
		}

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			c.logger.Warn("message failed, rewinding partition for redelivery",
				zap.String("topic", c.config.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.Int64("offset", int64(msg.TopicPartition.Offset)),
				zap.Error(err))
			if seekErr := src.Seek(msg.TopicPartition, 0); seekErr != nil {
				// The fetch position stays past the failed message; crash out
				// rather than silently skipping it, the restart resumes from
				// the last committed offset.
				return fmt.Errorf("seek to failed offset: %w", seekErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff):
			}
			continue
		}

		if _, err := src.CommitMessage(msg); err != nil {
			c.logger.Error("kafka commit failed",
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.Error(err))
		}
	}
}

// Pause stops intake on every assigned partition. In-flight processing of
// the current message drains to completion.
func (c *Consumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}

	assigned, err := c.consumer.Assignment()
	if err != nil {
		c.logger.Error("read partition assignment", zap.Error(err))
		return
	}
	if err := c.consumer.Pause(assigned); err != nil {
		c.logger.Error("pause partitions", zap.Error(err))
		return
	}

	c.paused = true
	c.logger.Info("intake paused", zap.String("topic", c.config.Topic))
}

// Resume restarts intake on every assigned partition.
func (c *Consumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}

	assigned, err := c.consumer.Assignment()
	if err != nil {
		c.logger.Error("read partition assignment", zap.Error(err))
		return
	}
	if err := c.consumer.Resume(assigned); err != nil {
		c.logger.Error("resume partitions", zap.Error(err))
		return
	}

	c.paused = false
	c.logger.Info("intake resumed", zap.String("topic", c.config.Topic))
}

// Close shuts the consumer down.
func (c *Consumer) Close() {
	if err := c.consumer.Close(); err != nil {
		c.logger.Error("close kafka consumer", zap.Error(err))
	}
}
