package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/kafka"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "./config", "Path to the configuration directory")
	mode := flag.String("mode", "both", "Mode to run: producer, consumer, or both")
	deviceList := flag.String("devices", "1", "Comma separated device ids to simulate")
	gatewayID := flag.Uint("gateway", 0, "Send devices as edge keys behind this gateway id")
	datapoints := flag.String("datapoints", "temp,humidity", "Comma separated datapoint names")
	messageCount := flag.Int("messages", 10, "Number of messages per device")
	interval := flag.Duration("interval", time.Second, "Interval between rounds")
	peak := flag.Float64("peak", 120, "Amplitude of the generated values")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Set up logging
	logger, err := utils.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	devices, err := parseDevices(*deviceList)
	if err != nil {
		logger.Fatal("Invalid device list", zap.Error(err))
	}

	kafkaManager, err := kafka.NewManager(&cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to create Kafka manager", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Alarm events are printed as they arrive
	if *mode == "consumer" || *mode == "both" {
		alarmTopic := kafkaManager.AlarmTopic()
		err = kafkaManager.AddConsumer("telemetry-sim-alarms", map[string][]kafka.MessageHandler{
			alarmTopic: {func(_ context.Context, msg *ckafka.Message) error {
				eventType := ""
				for _, h := range msg.Headers {
					if h.Key == "event_type" {
						eventType = string(h.Value)
					}
				}
				logger.Info("Alarm event",
					zap.String("topic", alarmTopic),
					zap.String("device", string(msg.Key)),
					zap.String("event_type", eventType),
					zap.ByteString("event", msg.Value))
				return nil
			}},
		})
		if err != nil {
			logger.Fatal("Failed to register alarm consumer", zap.Error(err))
		}
	}

	if err := kafkaManager.Start(); err != nil {
		logger.Fatal("Failed to start Kafka manager", zap.Error(err))
	}

	var wg sync.WaitGroup
	if *mode == "producer" || *mode == "both" {
		sim := &simulator{
			manager:    kafkaManager,
			logger:     logger.Named("sim"),
			devices:    devices,
			gatewayID:  *gatewayID,
			datapoints: strings.Split(*datapoints, ","),
			peak:       *peak,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.run(ctx, *messageCount, *interval)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Context canceled, shutting down")
	case <-waitForCompletion(&wg):
		logger.Info("Production completed")
		if *mode == "both" {
			// leave time for the alarm events of the last round
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}

	if err := kafkaManager.Stop(); err != nil {
		logger.Error("Failed to stop Kafka manager", zap.Error(err))
	}
	logger.Info("Kafka manager stopped")
}

type simulator struct {
	manager    *kafka.Manager
	logger     *utils.Logger
	devices    []uint
	gatewayID  uint
	datapoints []string
	peak       float64
}

// run sends count rounds of readings, one message per device per round
func (s *simulator) run(ctx context.Context, count int, interval time.Duration) {
	topic := s.manager.IngestTopic()
	s.logger.Info("Starting telemetry production",
		zap.String("topic", topic),
		zap.Int("devices", len(s.devices)),
		zap.Int("count", count),
		zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		for _, device := range s.devices {
			key, msg := s.message(device, i)
			if err := s.manager.ProduceMessage(topic, key, msg, nil); err != nil {
				s.logger.Error("Failed to produce telemetry", zap.String("key", key), zap.Error(err))
				continue
			}
			s.logger.Debug("Produced telemetry", zap.String("key", key), zap.Int("round", i))
		}

		if i == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Context canceled, stopping telemetry production")
			return
		case <-ticker.C:
		}
	}

	s.logger.Info("Telemetry production completed", zap.Int("rounds", count))
}

// message builds one ingest document. Values follow a sine wave per device so
// threshold rules trip and clear over a run.
func (s *simulator) message(device uint, round int) (string, map[string]interface{}) {
	values := make(map[string]interface{}, len(s.datapoints))
	for i, name := range s.datapoints {
		phase := float64(round)/5 + float64(device) + float64(i)
		values[strings.TrimSpace(name)] = math.Round((s.peak*math.Sin(phase)+rand.Float64())*100) / 100
	}

	msg := map[string]interface{}{
		"values":    values,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"source":    "kafka",
	}
	if s.gatewayID != 0 {
		edgeKey := "S" + strconv.FormatUint(uint64(device), 10)
		msg["gateway_id"] = s.gatewayID
		msg["edge_key"] = edgeKey
		return strconv.FormatUint(uint64(s.gatewayID), 10) + ":" + edgeKey, msg
	}
	msg["device_id"] = device
	return strconv.FormatUint(uint64(device), 10), msg
}

func parseDevices(list string) ([]uint, error) {
	var devices []uint
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid device id %q", part)
		}
		devices = append(devices, uint(id))
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices given")
	}
	return devices, nil
}

// waitForCompletion returns a channel that is closed when the wait group is done
func waitForCompletion(wg *sync.WaitGroup) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}
