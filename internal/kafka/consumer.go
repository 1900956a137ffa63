package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// MessageHandler processes one Kafka record. A returned error dead-letters the record.
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// Consumer reads registered topics and dispatches records to handlers
type Consumer struct {
	consumer    *kafka.Consumer
	logger      *utils.Logger
	handlers    map[string][]MessageHandler
	dlqProducer *Producer

	mu      sync.Mutex
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, logger *utils.Logger, dlqProducer *Producer) (*Consumer, error) {
	kafkaConfig, err := clientConfig(cfg, kafka.ConfigMap{
		"group.id":                cfg.ConsumerGroup,
		"auto.offset.reset":       "earliest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, err
	}

	consumer, err := kafka.NewConsumer(kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    consumer,
		logger:      logger.Named("kafka_consumer"),
		handlers:    make(map[string][]MessageHandler),
		dlqProducer: dlqProducer,
	}, nil
}

// RegisterHandler adds a handler for topic. Must be called before Start.
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	c.handlers[topic] = append(c.handlers[topic], handler)
	c.logger.Info("Registered handler for topic", zap.String("topic", topic))
}

// Start subscribes to the registered topics and begins polling
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("consumer is already running")
	}

	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return fmt.Errorf("no topics registered")
	}

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	c.logger.Info("Subscribed to topics", zap.Strings("topics", topics))

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.consumeLoop(ctx)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.logger.Warn("Error closing consumer", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context canceled, stopping consumer")
			return
		default:
		}

		msg, err := c.consumer.ReadMessage(100 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		c.processMessage(ctx, msg)
	}
}

// processMessage runs every handler of the record's topic and dead-letters failures
func (c *Consumer) processMessage(ctx context.Context, msg *kafka.Message) {
	if msg == nil || msg.TopicPartition.Topic == nil {
		return
	}

	topic := *msg.TopicPartition.Topic
	handlers := c.handlers[topic]
	if len(handlers) == 0 {
		c.logger.Warn("No handlers registered for topic", zap.String("topic", topic))
		return
	}

	for i, handler := range handlers {
		err := handler(ctx, msg)
		if err == nil {
			continue
		}

		c.logger.Error("Handler failed to process message",
			zap.String("topic", topic),
			zap.Int("handler_index", i),
			zap.Int64("offset", int64(msg.TopicPartition.Offset)),
			zap.Error(err),
		)

		if c.dlqProducer == nil {
			continue
		}
		dlqTopic := DeadLetterTopic(topic)
		headers := map[string]string{
			"error":          err.Error(),
			"original_topic": topic,
		}
		if err := c.dlqProducer.ProduceRaw(dlqTopic, msg.Key, msg.Value, headers); err != nil {
			c.logger.Error("Failed to send message to DLQ",
				zap.String("dlq_topic", dlqTopic),
				zap.Error(err),
			)
		}
	}
}

// Stop cancels polling and waits for the loop to close the consumer
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info("Kafka consumer stopped")
}

// DeadLetterTopic names the dead-letter topic of topic
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}
