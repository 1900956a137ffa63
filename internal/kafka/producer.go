package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// clientConfig builds the librdkafka configuration shared by producers and consumers
func clientConfig(cfg *config.KafkaConfig, extra kafka.ConfigMap) (*kafka.ConfigMap, error) {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	}
	for k, v := range extra {
		if err := kafkaConfig.SetKey(k, v); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", k, err)
		}
	}

	if cfg.SecurityEnable {
		security := kafka.ConfigMap{
			"security.protocol": "SASL_SSL",
			"sasl.mechanisms":   "PLAIN",
			"sasl.username":     cfg.SecurityUser,
			"sasl.password":     cfg.SecurityPass,
		}
		for k, v := range security {
			if err := kafkaConfig.SetKey(k, v); err != nil {
				return nil, fmt.Errorf("failed to set %s: %w", k, err)
			}
		}
	}

	return kafkaConfig, nil
}

// Producer publishes messages to Kafka topics
type Producer struct {
	producer *kafka.Producer
	logger   *utils.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg *config.KafkaConfig, clientID string, logger *utils.Logger) (*Producer, error) {
	kafkaLogger := logger.Named("kafka_producer")

	kafkaConfig, err := clientConfig(cfg, kafka.ConfigMap{
		"client.id": clientID,
		"acks":      "all",
	})
	if err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	// delivery reports
	go func() {
		for e := range producer.Events() {
			ev, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if ev.TopicPartition.Error != nil {
				kafkaLogger.Error("Failed to deliver message",
					zap.String("topic", topicName(ev)),
					zap.Error(ev.TopicPartition.Error),
				)
				continue
			}
			kafkaLogger.Debug("Message delivered",
				zap.String("topic", topicName(ev)),
				zap.Int32("partition", ev.TopicPartition.Partition),
				zap.Int64("offset", int64(ev.TopicPartition.Offset)),
			)
		}
	}()

	return &Producer{
		producer: producer,
		logger:   kafkaLogger,
	}, nil
}

// Message is a JSON message to be sent to Kafka
type Message struct {
	Key       string
	Value     interface{}
	Timestamp time.Time
	Headers   map[string]string
}

// buildMessage converts a JSON message into a Kafka record for topic
func buildMessage(topic string, message *Message) (*kafka.Message, error) {
	valueBytes, err := json.Marshal(message.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message value: %w", err)
	}
	return rawMessage(topic, []byte(message.Key), valueBytes, message.Timestamp, message.Headers), nil
}

func rawMessage(topic string, key, value []byte, ts time.Time, headers map[string]string) *kafka.Message {
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          value,
		Timestamp:      ts,
	}
	if len(key) > 0 {
		msg.Key = key
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return msg
}

// Produce sends a JSON message to topic without waiting for delivery
func (p *Producer) Produce(topic string, message *Message) error {
	kafkaMessage, err := buildMessage(topic, message)
	if err != nil {
		return err
	}

	p.logger.Debug("Producing message",
		zap.String("topic", topic),
		zap.String("key", message.Key),
	)

	if err := p.producer.Produce(kafkaMessage, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// ProduceRaw forwards bytes unchanged, used for dead-lettering
func (p *Producer) ProduceRaw(topic string, key, value []byte, headers map[string]string) error {
	if err := p.producer.Produce(rawMessage(topic, key, value, time.Now(), headers), nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// ProduceSync sends a JSON message and waits for its delivery report
func (p *Producer) ProduceSync(topic string, message *Message) error {
	kafkaMessage, err := buildMessage(topic, message)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(kafkaMessage, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	e := <-deliveryChan
	m, ok := e.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %v", e)
	}
	if m.TopicPartition.Error != nil {
		return fmt.Errorf("failed to deliver message: %w", m.TopicPartition.Error)
	}
	return nil
}

// Flush waits up to timeoutMs for queued messages and returns how many remain
func (p *Producer) Flush(timeoutMs int) int {
	return p.producer.Flush(timeoutMs)
}

// Close flushes and closes the producer
func (p *Producer) Close() {
	remaining := p.producer.Flush(5000)
	if remaining > 0 {
		p.logger.Warn("Failed to deliver all messages during flush", zap.Int("remaining", remaining))
	}
	p.producer.Close()
	p.logger.Info("Kafka producer closed")
}

func topicName(m *kafka.Message) string {
	if m.TopicPartition.Topic == nil {
		return ""
	}
	return *m.TopicPartition.Topic
}
