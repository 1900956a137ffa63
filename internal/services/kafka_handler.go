package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/alarms"
	"github.com/digital-egiz/telemetry-core/internal/kafka"
	"github.com/digital-egiz/telemetry-core/internal/registry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// KafkaHandler feeds the telemetry topic into the ingestion pipeline
type KafkaHandler struct {
	logger       *utils.Logger
	kafkaManager *kafka.Manager
	ingestion    *IngestionService
	timeout      time.Duration
}

// NewKafkaHandler creates a new Kafka message handler service
func NewKafkaHandler(
	logger *utils.Logger,
	kafkaManager *kafka.Manager,
	ingestion *IngestionService,
	timeout time.Duration,
) *KafkaHandler {
	return &KafkaHandler{
		logger:       logger.Named("kafka_handler"),
		kafkaManager: kafkaManager,
		ingestion:    ingestion,
		timeout:      timeout,
	}
}

// Initialize registers the telemetry consumer. The manager must not be running yet.
func (h *KafkaHandler) Initialize() error {
	if err := h.kafkaManager.RegisterTelemetryHandler("ingestion", h.handleTelemetry); err != nil {
		return fmt.Errorf("failed to register telemetry handler: %w", err)
	}
	return nil
}

// handleTelemetry ingests one single-device message. A returned error dead-letters the record.
func (h *KafkaHandler) handleTelemetry(ctx context.Context, key, payload []byte) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.ingestion.IngestPayload(ctx, payload, identityFromKey(key), SourceKafka)
	if err != nil {
		return err
	}

	h.logger.Debug("Ingested telemetry record",
		zap.ByteString("key", key),
		zap.String("status", result.Status),
		zap.Int("stored", result.Stored),
		zap.Int("total", result.Total))
	return nil
}

// identityFromKey reads a decimal device id from a record key
func identityFromKey(key []byte) registry.Identity {
	id, err := strconv.ParseUint(strings.TrimSpace(string(key)), 10, 64)
	if err != nil || id == 0 {
		return registry.Identity{}
	}
	return registry.Identity{DeviceID: uint(id)}
}

// AlarmEventProducer publishes alarm events keyed by device
type AlarmEventProducer interface {
	ProduceAlarmEvent(deviceKey, eventType string, event interface{}) error
}

// AlarmEventSink forwards alarm transitions to the alarm events topic
type AlarmEventSink struct {
	producer AlarmEventProducer
}

// NewAlarmEventSink creates a sink over producer
func NewAlarmEventSink(producer AlarmEventProducer) *AlarmEventSink {
	return &AlarmEventSink{producer: producer}
}

// Name identifies the sink in logs and metrics
func (s *AlarmEventSink) Name() string { return "kafka" }

// Deliver publishes the event
func (s *AlarmEventSink) Deliver(_ context.Context, event alarms.Event) error {
	key := strconv.FormatUint(uint64(event.Alarm.DeviceID), 10)
	return s.producer.ProduceAlarmEvent(key, string(event.Type), event)
}
