package alarms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/metrics"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultNoDataSchedule is the sweep schedule used when none is configured
const DefaultNoDataSchedule = "@every 30s"

// ErrSweepInProgress is returned when a sweep is requested while another one runs
var ErrSweepInProgress = errors.New("no-data sweep already in progress")

// RuleSource lists enabled rules of a condition kind
type RuleSource interface {
	ListEnabledRulesByCondition(ctx context.Context, condition models.Condition) ([]models.AlarmRule, error)
}

// DeviceSource lists the devices of a model
type DeviceSource interface {
	ListByModel(ctx context.Context, modelID uint, activeOnly bool) ([]models.Device, error)
}

// SweepResult summarizes one no-data sweep
type SweepResult struct {
	Rules     int `json:"rules"`
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
	Cleared   int `json:"cleared"`
	Failed    int `json:"failed"`
}

// trackerKey is (device, datapoint); DatapointID 0 means any datapoint
type trackerKey struct {
	DeviceID    uint
	DatapointID uint
}

type noDataTracker struct {
	lastData time.Time
}

// NoDataMonitor raises alarms for devices that stop reporting. It shares key locks and
// the active alarm map with the Evaluator.
type NoDataMonitor struct {
	evaluator *Evaluator
	rules     RuleSource
	devices   DeviceSource
	clock     utils.Clock
	metrics   *metrics.Metrics
	logger    *utils.Logger

	sweeping sync.Mutex

	mu       sync.Mutex
	trackers map[trackerKey]*noDataTracker
	// open maps raised no-data alarms to their tracker
	open map[Key]trackerKey

	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewNoDataMonitor creates a monitor bound to evaluator
func NewNoDataMonitor(evaluator *Evaluator, rules RuleSource, devices DeviceSource, clock utils.Clock, m *metrics.Metrics, logger *utils.Logger) *NoDataMonitor {
	if clock == nil {
		clock = utils.SystemClock()
	}
	return &NoDataMonitor{
		evaluator: evaluator,
		rules:     rules,
		devices:   devices,
		clock:     clock,
		metrics:   m,
		logger:    logger.Named("no_data_monitor"),
		trackers:  make(map[trackerKey]*noDataTracker),
		open:      make(map[Key]trackerKey),
	}
}

// RecordData notes that deviceID reported the given datapoints at at
func (m *NoDataMonitor) RecordData(deviceID uint, datapointIDs []uint, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.touch(trackerKey{DeviceID: deviceID}, at)
	for _, id := range datapointIDs {
		m.touch(trackerKey{DeviceID: deviceID, DatapointID: id}, at)
	}
}

func (m *NoDataMonitor) touch(key trackerKey, at time.Time) {
	t, ok := m.trackers[key]
	if !ok {
		m.trackers[key] = &noDataTracker{lastData: at}
		return
	}
	if at.After(t.lastData) {
		t.lastData = at
	}
}

func (m *NoDataMonitor) lastSeen(key trackerKey, device *models.Device) time.Time {
	m.mu.Lock()
	var last time.Time
	if t, ok := m.trackers[key]; ok {
		last = t.lastData
	}
	m.mu.Unlock()

	if device.LastTelemetryAt != nil && device.LastTelemetryAt.After(last) {
		last = *device.LastTelemetryAt
	}
	return last
}

func (m *NoDataMonitor) markOpen(key Key, tk trackerKey) {
	m.mu.Lock()
	m.open[key] = tk
	m.mu.Unlock()
}

func (m *NoDataMonitor) forget(key Key) {
	m.mu.Lock()
	delete(m.open, key)
	m.mu.Unlock()
}

// Triggered reports whether the tracker for (device, datapoint) has an open no-data alarm.
// Alarms closed elsewhere, such as by a manual clear, are dropped here.
func (m *NoDataMonitor) Triggered(deviceID, datapointID uint) bool {
	tk := trackerKey{DeviceID: deviceID, DatapointID: datapointID}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, owner := range m.open {
		if owner != tk {
			continue
		}
		if m.evaluator.IsActive(key) {
			return true
		}
		delete(m.open, key)
	}
	return false
}

// RunOnce performs a single sweep. Concurrent calls return ErrSweepInProgress.
func (m *NoDataMonitor) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !m.sweeping.TryLock() {
		m.countSweep("skipped")
		return nil, ErrSweepInProgress
	}
	defer m.sweeping.Unlock()

	started := time.Now()
	result, err := m.sweep(ctx)
	if err != nil {
		m.countSweep("failed")
		return result, err
	}

	m.countSweep("completed")
	m.logger.Debug("No-data sweep finished",
		zap.Int("rules", result.Rules),
		zap.Int("checked", result.Checked),
		zap.Int("triggered", result.Triggered),
		zap.Int("cleared", result.Cleared),
		zap.Duration("took", time.Since(started)))
	return result, nil
}

func (m *NoDataMonitor) sweep(ctx context.Context) (*SweepResult, error) {
	rules, err := m.rules.ListEnabledRulesByCondition(ctx, models.ConditionNoData)
	if err != nil {
		return &SweepResult{}, fmt.Errorf("failed to list no-data rules: %w", err)
	}

	result := &SweepResult{Rules: len(rules)}
	now := m.clock.Now()

	for i := range rules {
		rule := &rules[i]
		if rule.Threshold == nil || *rule.Threshold <= 0 {
			m.logger.Debug("No-data rule has no expected interval", zap.Uint("rule_id", rule.ID))
			continue
		}

		devices, err := m.devices.ListByModel(ctx, rule.ModelID, true)
		if err != nil {
			return result, fmt.Errorf("failed to list devices for model %d: %w", rule.ModelID, err)
		}

		for j := range devices {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := m.check(ctx, rule, &devices[j], now, result); err != nil {
				result.Failed++
				m.logger.Error("No-data check failed",
					zap.Uint("device_id", devices[j].ID),
					zap.Uint("rule_id", rule.ID),
					zap.Error(err))
			}
		}
	}
	return result, nil
}

func (m *NoDataMonitor) check(ctx context.Context, rule *models.AlarmRule, device *models.Device, now time.Time, result *SweepResult) error {
	tk := trackerKey{DeviceID: device.ID}
	if rule.DatapointID != nil {
		tk.DatapointID = *rule.DatapointID
	}

	last := m.lastSeen(tk, device)
	if last.IsZero() {
		// never reported; nothing to miss yet
		return nil
	}
	result.Checked++

	elapsed := now.Sub(last).Seconds()
	expected := *rule.Threshold

	key := Key{DeviceID: device.ID, RuleID: rule.ID}
	unlock := m.evaluator.locks.Lock(key)
	defer unlock()

	current := m.evaluator.get(key)

	if elapsed > expected {
		if current != nil {
			m.markOpen(key, tk)
			return nil
		}
		alarm := &models.Alarm{
			DeviceID:     device.ID,
			RuleID:       rule.ID,
			DatapointID:  rule.DatapointID,
			SiteID:       device.SiteID,
			Severity:     rule.Severity,
			Status:       models.AlarmTriggered,
			Message:      buildNoDataMessage(rule, float64(int64(elapsed)), expected),
			TriggerValue: strconv.FormatInt(int64(elapsed), 10),
			TriggeredAt:  now,
		}
		if err := m.evaluator.raiseLocked(ctx, key, alarm); err != nil {
			return err
		}
		m.markOpen(key, tk)
		result.Triggered++
		return nil
	}

	if current != nil && rule.AutoClear {
		if err := m.evaluator.clearLocked(ctx, key, current, SystemActor, now); err != nil {
			return err
		}
		m.forget(key)
		result.Cleared++
	}
	return nil
}

func (m *NoDataMonitor) countSweep(outcome string) {
	if m.metrics != nil {
		m.metrics.NoDataSweeps.WithLabelValues(outcome).Inc()
	}
}

// Start schedules the sweep. Overlapping runs are skipped.
func (m *NoDataMonitor) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultNoDataSchedule
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{m.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := c.AddFunc(schedule, func() {
		if _, err := m.RunOnce(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
			m.logger.Error("No-data sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("invalid no-data schedule %q: %w", schedule, err)
	}

	m.cron = c
	m.cancel = cancel
	c.Start()

	m.logger.Info("No-data monitor started", zap.String("schedule", schedule))
	return nil
}

// Stop cancels a running sweep and waits for it to return
func (m *NoDataMonitor) Stop() {
	if m.cron == nil {
		return
	}
	m.cancel()
	<-m.cron.Stop().Done()
	m.cron = nil
	m.logger.Info("No-data monitor stopped")
}

// cronLogger routes cron's internal logging through zap
type cronLogger struct {
	logger *utils.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
