// Package alarms evaluates alarm rules against incoming values and owns the
// in-memory view of active alarms shared with the no-data monitor.
package alarms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/metrics"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// SystemActor is recorded when the service clears an alarm on its own
const SystemActor = "system"

// Key identifies the alarm state of one rule on one device
type Key struct {
	DeviceID uint
	RuleID   uint
}

// Store is the durable side of alarm state
type Store interface {
	Create(ctx context.Context, alarm *models.Alarm) error
	GetByID(ctx context.Context, id uint) (*models.Alarm, error)
	ListActive(ctx context.Context, filter repository.AlarmFilter) ([]models.Alarm, error)
	Acknowledge(ctx context.Context, id uint, actor string, at time.Time) error
	Clear(ctx context.Context, id uint, actor string, at time.Time) error
}

// Outcome is what an evaluation did to the (device, rule) state
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePending
	OutcomeTriggered
	OutcomeActive
	OutcomeCleared
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeTriggered:
		return "triggered"
	case OutcomeActive:
		return "active"
	case OutcomeCleared:
		return "cleared"
	default:
		return "none"
	}
}

// Input is one value to check against one rule
type Input struct {
	Device    *models.Device
	Rule      *models.AlarmRule
	Datapoint *models.DatapointDefinition
	Value     models.Value
	Previous  *models.Value
	// Timestamp is the point's own time, used when the duration clock is "device"
	Timestamp time.Time
}

type activeAlarm struct {
	alarm models.Alarm
}

// Evaluator runs the per (device, rule) state machine: inactive, duration-pending, active.
type Evaluator struct {
	store         Store
	dispatcher    Dispatcher
	clock         utils.Clock
	durationClock string
	metrics       *metrics.Metrics
	logger        *utils.Logger

	locks utils.KeyedMutex[Key]

	mu      sync.Mutex
	active  map[Key]*activeAlarm
	pending map[Key]time.Time
}

// NewEvaluator creates an evaluator. durationClock is config.DurationClockArrival or config.DurationClockDevice.
func NewEvaluator(store Store, dispatcher Dispatcher, clock utils.Clock, durationClock string, m *metrics.Metrics, logger *utils.Logger) *Evaluator {
	if dispatcher == nil {
		dispatcher = NopDispatcher{}
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if durationClock == "" {
		durationClock = config.DurationClockArrival
	}
	return &Evaluator{
		store:         store,
		dispatcher:    dispatcher,
		clock:         clock,
		durationClock: durationClock,
		metrics:       m,
		logger:        logger.Named("alarm_evaluator"),
		active:        make(map[Key]*activeAlarm),
		pending:       make(map[Key]time.Time),
	}
}

// Load replaces the in-memory active set with the triggered and acknowledged alarms in the store.
// It must run before any evaluation.
func (e *Evaluator) Load(ctx context.Context) (int, error) {
	alarms, err := e.store.ListActive(ctx, repository.AlarmFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to load active alarms: %w", err)
	}

	active := make(map[Key]*activeAlarm, len(alarms))
	for i := range alarms {
		key := Key{DeviceID: alarms[i].DeviceID, RuleID: alarms[i].RuleID}
		if _, dup := active[key]; dup {
			// newest first; older duplicates stay in the store untouched
			e.logger.Warn("Multiple active alarms for one rule",
				zap.Uint("device_id", key.DeviceID),
				zap.Uint("rule_id", key.RuleID),
				zap.Uint("alarm_id", alarms[i].ID))
			continue
		}
		active[key] = &activeAlarm{alarm: alarms[i]}
	}

	e.mu.Lock()
	e.active = active
	e.pending = make(map[Key]time.Time)
	e.mu.Unlock()

	e.updateGauge()
	e.logger.Info("Loaded active alarms", zap.Int("count", len(active)))
	return len(active), nil
}

// Evaluate checks one value against one rule and applies the resulting transition.
// A store failure while triggering leaves the state untouched and is returned.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	if in.Rule.Condition == models.ConditionNoData {
		return OutcomeNone, nil
	}
	if in.Datapoint == nil {
		e.logger.Debug("Skipping rule",
			zap.Uint("rule_id", in.Rule.ID),
			zap.Error(utils.ErrUnknownRuleReference))
		return OutcomeNone, nil
	}

	key := Key{DeviceID: in.Device.ID, RuleID: in.Rule.ID}
	unlock := e.locks.Lock(key)
	defer unlock()

	matched := evaluateCondition(in.Rule, in.Value, in.Previous)
	now := e.clock.Now()

	if current := e.get(key); current != nil {
		if matched || !in.Rule.AutoClear {
			return OutcomeActive, nil
		}
		if err := e.clearLocked(ctx, key, current, SystemActor, now); err != nil {
			return OutcomeActive, err
		}
		return OutcomeCleared, nil
	}

	if !matched {
		e.dropPending(key)
		return OutcomeNone, nil
	}

	var startedAt *time.Time
	if in.Rule.DurationSeconds > 0 {
		at := now
		if e.durationClock == config.DurationClockDevice && !in.Timestamp.IsZero() {
			at = in.Timestamp
		}

		first, ok := e.startPending(key, at)
		if !ok || at.Sub(first) < time.Duration(in.Rule.DurationSeconds)*time.Second {
			return OutcomePending, nil
		}
		startedAt = &first
	}

	dpID := in.Datapoint.ID
	alarm := &models.Alarm{
		DeviceID:          in.Device.ID,
		RuleID:            in.Rule.ID,
		DatapointID:       &dpID,
		SiteID:            in.Device.SiteID,
		Severity:          in.Rule.Severity,
		Status:            models.AlarmTriggered,
		Message:           buildMessage(in.Rule, in.Datapoint, in.Value),
		TriggerValue:      in.Value.String(),
		TriggeredAt:       now,
		DurationStartedAt: startedAt,
	}
	if err := e.raiseLocked(ctx, key, alarm); err != nil {
		return OutcomeNone, err
	}
	return OutcomeTriggered, nil
}

// raiseLocked persists alarm and marks key active. The caller holds the key lock.
func (e *Evaluator) raiseLocked(ctx context.Context, key Key, alarm *models.Alarm) error {
	if err := e.store.Create(ctx, alarm); err != nil {
		return fmt.Errorf("%w: failed to persist alarm for device %d rule %d: %v",
			utils.ErrStoreUnavailable, key.DeviceID, key.RuleID, err)
	}

	e.mu.Lock()
	e.active[key] = &activeAlarm{alarm: *alarm}
	delete(e.pending, key)
	e.mu.Unlock()

	e.record(EventTriggered, *alarm)
	e.logger.Info("Alarm triggered",
		zap.Uint("alarm_id", alarm.ID),
		zap.Uint("device_id", key.DeviceID),
		zap.Uint("rule_id", key.RuleID),
		zap.String("severity", string(alarm.Severity)),
		zap.String("value", alarm.TriggerValue))
	return nil
}

// clearLocked closes the active alarm for key. The caller holds the key lock.
func (e *Evaluator) clearLocked(ctx context.Context, key Key, current *activeAlarm, actor string, now time.Time) error {
	err := e.store.Clear(ctx, current.alarm.ID, actor, now)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrStateConflict), errors.Is(err, repository.ErrNotFound):
		// already closed outside this process
		e.logger.Warn("Active alarm was already closed in the store", zap.Uint("alarm_id", current.alarm.ID))
	default:
		return fmt.Errorf("%w: failed to clear alarm %d: %v", utils.ErrStoreUnavailable, current.alarm.ID, err)
	}

	cleared := current.alarm
	cleared.Status = models.AlarmCleared
	cleared.ClearedBy = actor
	cleared.ClearedAt = &now

	e.mu.Lock()
	delete(e.active, key)
	delete(e.pending, key)
	e.mu.Unlock()

	e.record(EventCleared, cleared)
	e.logger.Info("Alarm cleared",
		zap.Uint("alarm_id", cleared.ID),
		zap.Uint("device_id", key.DeviceID),
		zap.Uint("rule_id", key.RuleID),
		zap.String("by", actor))
	return nil
}

// Acknowledge moves a triggered alarm to acknowledged
func (e *Evaluator) Acknowledge(ctx context.Context, id uint, actor string) (*models.Alarm, error) {
	alarm, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, id)
	}

	key := Key{DeviceID: alarm.DeviceID, RuleID: alarm.RuleID}
	unlock := e.locks.Lock(key)
	defer unlock()

	now := e.clock.Now()
	if err := e.store.Acknowledge(ctx, id, actor, now); err != nil {
		return nil, mapStoreError(err, id)
	}

	alarm.Status = models.AlarmAcknowledged
	alarm.AcknowledgedBy = actor
	alarm.AcknowledgedAt = &now

	e.mu.Lock()
	if current, ok := e.active[key]; ok && current.alarm.ID == id {
		current.alarm = *alarm
	}
	e.mu.Unlock()

	e.record(EventAcknowledged, *alarm)
	return alarm, nil
}

// Clear closes a triggered or acknowledged alarm so the rule can fire again
func (e *Evaluator) Clear(ctx context.Context, id uint, actor string) (*models.Alarm, error) {
	alarm, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, id)
	}

	key := Key{DeviceID: alarm.DeviceID, RuleID: alarm.RuleID}
	unlock := e.locks.Lock(key)
	defer unlock()

	now := e.clock.Now()
	if err := e.store.Clear(ctx, id, actor, now); err != nil {
		return nil, mapStoreError(err, id)
	}

	alarm.Status = models.AlarmCleared
	alarm.ClearedBy = actor
	alarm.ClearedAt = &now

	e.mu.Lock()
	if current, ok := e.active[key]; ok && current.alarm.ID == id {
		delete(e.active, key)
	}
	delete(e.pending, key)
	e.mu.Unlock()

	e.record(EventCleared, *alarm)
	return alarm, nil
}

// BulkResult reports the outcome of one id in a bulk acknowledge
type BulkResult struct {
	ID    uint          `json:"id"`
	Alarm *models.Alarm `json:"alarm,omitempty"`
	Error string        `json:"error,omitempty"`
}

// BulkAcknowledge acknowledges each id independently; one failure does not stop the rest
func (e *Evaluator) BulkAcknowledge(ctx context.Context, ids []uint, actor string) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		alarm, err := e.Acknowledge(ctx, id, actor)
		res := BulkResult{ID: id, Alarm: alarm}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// IsActive reports whether key has a triggered or acknowledged alarm
func (e *Evaluator) IsActive(key Key) bool {
	return e.get(key) != nil
}

// ActiveCount returns the number of active alarms held in memory
func (e *Evaluator) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Pending reports whether key has a duration tracker running
func (e *Evaluator) Pending(key Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[key]
	return ok
}

func (e *Evaluator) get(key Key) *activeAlarm {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[key]
}

// startPending records at as the first-true time unless a tracker already runs. ok is false for a new tracker.
func (e *Evaluator) startPending(key Key, at time.Time) (first time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if first, ok := e.pending[key]; ok {
		return first, true
	}
	e.pending[key] = at
	return at, false
}

func (e *Evaluator) dropPending(key Key) {
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

func (e *Evaluator) record(t EventType, alarm models.Alarm) {
	if e.metrics != nil {
		e.metrics.AlarmTransitions.WithLabelValues(string(t), string(alarm.Severity)).Inc()
	}
	e.updateGauge()
	e.dispatcher.Notify(NewEvent(t, alarm, e.clock.Now()))
}

func (e *Evaluator) updateGauge() {
	if e.metrics == nil {
		return
	}
	e.metrics.ActiveAlarms.Set(float64(e.ActiveCount()))
}

func mapStoreError(err error, id uint) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: alarm %d", utils.ErrNotFound, id)
	case errors.Is(err, repository.ErrStateConflict):
		return fmt.Errorf("%w: alarm %d", utils.ErrInvalidTransition, id)
	default:
		return fmt.Errorf("%w: %v", utils.ErrStoreUnavailable, err)
	}
}
