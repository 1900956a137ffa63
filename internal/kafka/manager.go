package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// Default topic names
const (
	TopicTelemetryIngest = "telemetry-ingest"
	TopicAlarmEvents     = "alarm-events"
)

// Manager owns the service's producers and consumers
type Manager struct {
	config       *config.KafkaConfig
	logger       *utils.Logger
	mainProducer *Producer
	dlqProducer  *Producer
	consumers    map[string]*Consumer
	processed    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
}

// NewManager creates a new Kafka manager
func NewManager(cfg *config.KafkaConfig, logger *utils.Logger) (*Manager, error) {
	kafkaLogger := logger.Named("kafka_manager")

	mainProducer, err := NewProducer(cfg, "telemetry-core", kafkaLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create main producer: %w", err)
	}

	dlqProducer, err := NewProducer(cfg, "telemetry-core-dlq", kafkaLogger)
	if err != nil {
		mainProducer.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:       cfg,
		logger:       kafkaLogger,
		mainProducer: mainProducer,
		dlqProducer:  dlqProducer,
		consumers:    make(map[string]*Consumer),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// IngestTopic returns the configured telemetry topic
func (m *Manager) IngestTopic() string {
	if m.config.IngestTopic != "" {
		return m.config.IngestTopic
	}
	return TopicTelemetryIngest
}

// AlarmTopic returns the configured alarm event topic
func (m *Manager) AlarmTopic() string {
	if m.config.AlarmTopic != "" {
		return m.config.AlarmTopic
	}
	return TopicAlarmEvents
}

// Start starts every registered consumer
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("kafka manager is already running")
	}

	for name, consumer := range m.consumers {
		m.logger.Info("Starting consumer", zap.String("name", name))
		if err := consumer.Start(m.ctx); err != nil {
			m.stopAllConsumers()
			return fmt.Errorf("failed to start consumer %s: %w", name, err)
		}
	}

	m.wg.Add(1)
	go m.monitorProcessing()

	m.isRunning = true
	m.logger.Info("Kafka manager started")
	return nil
}

// AddConsumer creates a consumer with handlers per topic
func (m *Manager) AddConsumer(name string, handlers map[string][]MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("cannot add consumer while manager is running")
	}
	if _, exists := m.consumers[name]; exists {
		return fmt.Errorf("consumer with name %s already exists", name)
	}

	consumer, err := NewConsumer(m.config, m.logger, m.dlqProducer)
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", name, err)
	}

	topics := make([]string, 0, len(handlers))
	for topic, topicHandlers := range handlers {
		topics = append(topics, topic)
		for _, handler := range topicHandlers {
			consumer.RegisterHandler(topic, m.countProcessed(handler))
		}
	}

	m.consumers[name] = consumer
	m.logger.Info("Added consumer", zap.String("name", name), zap.Strings("topics", topics))
	return nil
}

func (m *Manager) countProcessed(handler MessageHandler) MessageHandler {
	return func(ctx context.Context, msg *kafka.Message) error {
		defer m.processed.Add(1)
		return handler(ctx, msg)
	}
}

// RegisterTelemetryHandler consumes the telemetry topic with handler
func (m *Manager) RegisterTelemetryHandler(name string, handler func(ctx context.Context, key, payload []byte) error) error {
	msgHandler := func(ctx context.Context, msg *kafka.Message) error {
		return handler(ctx, msg.Key, msg.Value)
	}

	return m.AddConsumer(
		fmt.Sprintf("%s-telemetry", name),
		map[string][]MessageHandler{
			m.IngestTopic(): {msgHandler},
		},
	)
}

// ProduceMessage sends a JSON value to topic
func (m *Manager) ProduceMessage(topic, key string, value interface{}, headers map[string]string) error {
	return m.mainProducer.Produce(topic, &Message{
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		Headers:   headers,
	})
}

// ProduceAlarmEvent publishes an alarm event keyed by device so one device's events stay ordered
func (m *Manager) ProduceAlarmEvent(deviceKey, eventType string, event interface{}) error {
	return m.ProduceMessage(m.AlarmTopic(), deviceKey, event, map[string]string{"event_type": eventType})
}

func (m *Manager) monitorProcessing() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.processed.Swap(0); n > 0 {
				m.logger.Info("Message processing statistics",
					zap.Int64("processed_messages", n),
					zap.String("interval", "1m"))
			}
		}
	}
}

func (m *Manager) stopAllConsumers() {
	for name, consumer := range m.consumers {
		m.logger.Info("Stopping consumer", zap.String("name", name))
		consumer.Stop()
	}
}

// Stop stops the consumers and flushes the producers
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return fmt.Errorf("kafka manager is not running")
	}

	m.cancel()
	m.stopAllConsumers()
	m.wg.Wait()

	m.mainProducer.Close()
	m.dlqProducer.Close()

	m.isRunning = false
	m.logger.Info("Kafka manager stopped")
	return nil
}

// IsRunning returns whether the Kafka manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}
