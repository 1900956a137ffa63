package services

import (
	"context"
	"fmt"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/alarms"
	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/db"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/kafka"
	"github.com/digital-egiz/telemetry-core/internal/metrics"
	"github.com/digital-egiz/telemetry-core/internal/mqtt"
	"github.com/digital-egiz/telemetry-core/internal/registry"
	"github.com/digital-egiz/telemetry-core/internal/telemetry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// ServiceProvider manages all services for the application
type ServiceProvider struct {
	logger   *utils.Logger
	config   *config.Config
	database *db.Database
	metrics  *metrics.Metrics
	clock    utils.Clock

	resolver     *registry.Resolver
	dispatcher   *alarms.AsyncDispatcher
	evaluator    *alarms.Evaluator
	monitor      *alarms.NoDataMonitor
	kafkaManager *kafka.Manager
	kafkaHandler *KafkaHandler
	mqttClient   *mqtt.Client

	ingestionService    *IngestionService
	historyService      *HistoryService
	alarmService        *AlarmService
	modelService        *ModelService
	notificationService *NotificationService
}

// NewServiceProvider creates a new service provider
func NewServiceProvider(
	logger *utils.Logger,
	config *config.Config,
	database *db.Database,
	m *metrics.Metrics,
) *ServiceProvider {
	return &ServiceProvider{
		logger:   logger.Named("services"),
		config:   config,
		database: database,
		metrics:  m,
		clock:    utils.SystemClock(),
	}
}

// WithClock replaces the wall clock used by the resolver, the evaluator and the monitor
func (sp *ServiceProvider) WithClock(clock utils.Clock) *ServiceProvider {
	sp.clock = clock
	return sp
}

// Initialize builds the pipeline, restores active alarms and then starts the background
// workers and transports, in that order
func (sp *ServiceProvider) Initialize(ctx context.Context) error {
	cfg := sp.config
	repoFactory := repository.NewRepositoryFactory(sp.database.DB)

	sp.resolver = registry.NewResolver(
		repoFactory.Device(),
		cfg.Ingestion.ResolverCacheTTL,
		[]byte(cfg.Credentials.JWTSecret),
		sp.clock,
		sp.logger,
	).WithMetrics(sp.metrics)
	propagator := registry.NewPropagator(repoFactory.Device(), repoFactory.Model(), repoFactory.CurrentValue(), sp.logger)

	sp.notificationService = NewNotificationService(sp.logger)
	sp.dispatcher = alarms.NewAsyncDispatcher(cfg.Alarms.DispatchBuffer, sp.metrics, sp.logger,
		alarms.NewLogSink(sp.logger),
		sp.notificationService,
	)

	sp.evaluator = alarms.NewEvaluator(repoFactory.Alarm(), sp.dispatcher, sp.clock, cfg.Alarms.DurationClock, sp.metrics, sp.logger)
	restored, err := sp.evaluator.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore active alarms: %w", err)
	}
	sp.logger.Info("Active alarms restored", zap.Int("count", restored))

	sp.monitor = alarms.NewNoDataMonitor(sp.evaluator, repoFactory.Model(), repoFactory.Device(), sp.clock, sp.metrics, sp.logger)

	decoder, err := NewPayloadDecoder()
	if err != nil {
		return fmt.Errorf("failed to load telemetry schemas: %w", err)
	}

	cache := telemetry.NewCurrentValueCache(repoFactory.CurrentValue())
	sp.ingestionService = NewIngestionService(IngestionDeps{
		Resolver:  sp.resolver,
		Catalog:   repoFactory.Model(),
		Liveness:  repoFactory.Device(),
		Writer:    telemetry.NewWriter(repoFactory.Telemetry(), cfg.Ingestion.AtomicBatches, sp.logger),
		Cache:     cache,
		Evaluator: sp.evaluator,
		Monitor:   sp.monitor,
		Decoder:   decoder,
		Clock:     sp.clock,
		Metrics:   sp.metrics,
	}, sp.logger)
	sp.historyService = NewHistoryService(repoFactory, cache, sp.logger)
	sp.alarmService = NewAlarmService(repoFactory, sp.evaluator, sp.monitor, sp.logger)
	sp.modelService = NewModelService(repoFactory, propagator, sp.resolver, sp.logger)
	sp.logger.Info("Core services initialized")

	if cfg.Kafka.Enabled {
		if err := sp.initKafka(); err != nil {
			return err
		}
	}

	sp.dispatcher.Start()
	if err := sp.monitor.Start(ctx, cfg.Alarms.NoDataSchedule); err != nil {
		return err
	}

	if sp.kafkaManager != nil {
		if err := sp.kafkaManager.Start(); err != nil {
			return fmt.Errorf("failed to start Kafka manager: %w", err)
		}
		sp.logger.Info("Kafka manager started")
	}

	if cfg.MQTT.Enabled {
		sp.mqttClient = mqtt.NewClient(&cfg.MQTT, cfg.Ingestion.RequestTimeout, sp.handleMQTT, sp.logger)
		if err := sp.mqttClient.Connect(); err != nil {
			return err
		}
	}

	sp.logger.Info("All services initialized successfully")
	return nil
}

func (sp *ServiceProvider) initKafka() error {
	var err error
	sp.kafkaManager, err = kafka.NewManager(&sp.config.Kafka, sp.logger)
	if err != nil {
		return fmt.Errorf("failed to create Kafka manager: %w", err)
	}

	sp.kafkaHandler = NewKafkaHandler(sp.logger, sp.kafkaManager, sp.ingestionService, sp.config.Ingestion.RequestTimeout)
	if err := sp.kafkaHandler.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize Kafka handler: %w", err)
	}

	sp.dispatcher.AddSink(NewAlarmEventSink(sp.kafkaManager))
	return nil
}

func (sp *ServiceProvider) handleMQTT(ctx context.Context, msg mqtt.Message) error {
	_, err := sp.ingestionService.IngestPayload(ctx, msg.Payload, msg.Identity, SourceMQTT)
	return err
}

// Shutdown stops transports first, then the monitor and finally drains pending alarm events
func (sp *ServiceProvider) Shutdown() error {
	sp.logger.Info("Shutting down services")

	if sp.mqttClient != nil {
		sp.mqttClient.Close()
	}

	if sp.kafkaManager != nil && sp.kafkaManager.IsRunning() {
		sp.logger.Info("Stopping Kafka manager")
		if err := sp.kafkaManager.Stop(); err != nil {
			sp.logger.Error("Failed to stop Kafka manager", zap.Error(err))
		}
	}

	if sp.monitor != nil {
		sp.monitor.Stop()
	}

	if sp.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sp.dispatcher.Stop(ctx); err != nil {
			sp.logger.Warn("Alarm events left undelivered", zap.Error(err))
		}
	}

	if sp.notificationService != nil {
		sp.notificationService.Close()
	}

	sp.logger.Info("Services shut down successfully")
	return nil
}

// GetMetrics returns the metrics registry wrapper
func (sp *ServiceProvider) GetMetrics() *metrics.Metrics {
	return sp.metrics
}

// GetKafkaManager returns the Kafka manager, nil when Kafka is disabled
func (sp *ServiceProvider) GetKafkaManager() *kafka.Manager {
	return sp.kafkaManager
}

// GetIngestionService returns the ingestion service
func (sp *ServiceProvider) GetIngestionService() *IngestionService {
	return sp.ingestionService
}

// GetHistoryService returns the history service
func (sp *ServiceProvider) GetHistoryService() *HistoryService {
	return sp.historyService
}

// GetAlarmService returns the alarm service
func (sp *ServiceProvider) GetAlarmService() *AlarmService {
	return sp.alarmService
}

// GetModelService returns the model service
func (sp *ServiceProvider) GetModelService() *ModelService {
	return sp.modelService
}

// GetNotificationService returns the notification service
func (sp *ServiceProvider) GetNotificationService() *NotificationService {
	return sp.notificationService
}
