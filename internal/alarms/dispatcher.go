package alarms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/metrics"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names an alarm transition
type EventType string

const (
	EventTriggered    EventType = "triggered"
	EventAcknowledged EventType = "acknowledged"
	EventCleared      EventType = "cleared"
)

// Event is published for every alarm transition
type Event struct {
	ID         uuid.UUID    `json:"id"`
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Alarm      models.Alarm `json:"alarm"`
}

// NewEvent stamps a transition of alarm with a fresh id
func NewEvent(t EventType, alarm models.Alarm, at time.Time) Event {
	return Event{ID: uuid.New(), Type: t, OccurredAt: at, Alarm: alarm}
}

// Dispatcher receives alarm events. Notify must not block.
type Dispatcher interface {
	Notify(event Event)
}

// Sink delivers events to one destination
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// DefaultDispatchBuffer is the queue length used when none is configured
const DefaultDispatchBuffer = 256

// AsyncDispatcher queues events and fans them out to sinks from a single worker.
// A full queue drops the event; sink errors are logged and counted.
type AsyncDispatcher struct {
	queue   chan Event
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *utils.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	started bool
}

// NewAsyncDispatcher creates a dispatcher with a queue of the given size
func NewAsyncDispatcher(buffer int, m *metrics.Metrics, logger *utils.Logger, sinks ...Sink) *AsyncDispatcher {
	if buffer <= 0 {
		buffer = DefaultDispatchBuffer
	}
	return &AsyncDispatcher{
		queue:   make(chan Event, buffer),
		sinks:   sinks,
		timeout: 5 * time.Second,
		metrics: m,
		logger:  logger.Named("alarm_dispatcher"),
		done:    make(chan struct{}),
	}
}

// AddSink registers another destination. Must be called before Start.
func (d *AsyncDispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Start launches the delivery worker
func (d *AsyncDispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.run()
}

// Stop closes the queue and waits for queued events to be delivered or ctx to end
func (d *AsyncDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify enqueues event without blocking
func (d *AsyncDispatcher) Notify(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("Dispatcher stopped, dropping alarm event",
			zap.String("event_id", event.ID.String()),
			zap.String("type", string(event.Type)))
		return
	}

	select {
	case d.queue <- event:
	default:
		if d.metrics != nil {
			d.metrics.DispatchDropped.Inc()
		}
		d.logger.Warn("Dispatch queue full, dropping alarm event",
			zap.String("event_id", event.ID.String()),
			zap.String("type", string(event.Type)),
			zap.Uint("alarm_id", event.Alarm.ID))
	}
}

func (d *AsyncDispatcher) run() {
	defer close(d.done)

	for event := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(sink, event)
		}
	}
}

func (d *AsyncDispatcher) deliver(sink Sink, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := sink.Deliver(ctx, event); err != nil {
		if d.metrics != nil {
			d.metrics.DispatchFailures.WithLabelValues(sink.Name()).Inc()
		}
		d.logger.Error("Failed to deliver alarm event",
			zap.String("sink", sink.Name()),
			zap.String("event_id", event.ID.String()),
			zap.Error(fmt.Errorf("%w: %v", utils.ErrDispatchFailure, err)))
	}
}

// LogSink writes events to the service log
type LogSink struct {
	logger *utils.Logger
}

// NewLogSink creates a sink that logs every event
func NewLogSink(logger *utils.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alarm_events")}
}

// Name identifies the sink in metrics
func (s *LogSink) Name() string { return "log" }

// Deliver logs the event
func (s *LogSink) Deliver(_ context.Context, event Event) error {
	s.logger.Info("Alarm event",
		zap.String("event_id", event.ID.String()),
		zap.String("type", string(event.Type)),
		zap.Uint("alarm_id", event.Alarm.ID),
		zap.Uint("device_id", event.Alarm.DeviceID),
		zap.Uint("rule_id", event.Alarm.RuleID),
		zap.String("severity", string(event.Alarm.Severity)),
		zap.String("message", event.Alarm.Message))
	return nil
}

// NopDispatcher discards events
type NopDispatcher struct{}

// Notify does nothing
func (NopDispatcher) Notify(Event) {}
