package alarms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/metrics"
	"github.com/digital-egiz/telemetry-core/internal/testutil"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func (d *recordingDispatcher) Notify(e Event) {
	d.mu.Lock()
	d.events = append(d.events, e)
	d.mu.Unlock()
}

func (d *recordingDispatcher) types() []EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]EventType, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyStore fails Create until fail is cleared
type flakyStore struct {
	Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) Create(ctx context.Context, alarm *models.Alarm) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return s.Store.Create(ctx, alarm)
}

type evalEnv struct {
	alarms     repository.AlarmRepository
	fx         *testutil.Fixture
	clock      *testutil.FakeClock
	dispatcher *recordingDispatcher
	metrics    *metrics.Metrics
	evaluator  *Evaluator

	device *models.Device
	dp     *models.DatapointDefinition
}

func newEvalEnv(t *testing.T) *evalEnv {
	database := testutil.NewTestDatabase(t)
	fx := testutil.NewFixture(t, database.DB)
	model := fx.Model("boiler")

	env := &evalEnv{
		alarms:     repository.NewAlarmRepository(database.DB),
		fx:         fx,
		clock:      testutil.NewFakeClock(base),
		dispatcher: &recordingDispatcher{},
		metrics:    metrics.New(),
		dp:         fx.Datapoint(model.ID, "temp", "°C"),
		device:     fx.Device("boiler-1", model.ID),
	}
	env.evaluator = env.newEvaluator(env.alarms, config.DurationClockArrival)
	return env
}

func (e *evalEnv) newEvaluator(store Store, durationClock string) *Evaluator {
	return NewEvaluator(store, e.dispatcher, e.clock, durationClock, e.metrics, utils.NewNopLogger())
}

func (e *evalEnv) rule(r models.AlarmRule) *models.AlarmRule {
	r.ModelID = *e.device.ModelID
	r.DatapointID = &e.dp.ID
	return e.fx.Rule(r)
}

func (e *evalEnv) eval(t *testing.T, rule *models.AlarmRule, v float64) Outcome {
	t.Helper()
	out, err := e.evaluator.Evaluate(context.Background(), Input{
		Device:    e.device,
		Rule:      rule,
		Datapoint: e.dp,
		Value:     models.FloatValue(v),
		Timestamp: e.clock.Now(),
	})
	require.NoError(t, err)
	return out
}

func (e *evalEnv) active(t *testing.T) []models.Alarm {
	t.Helper()
	list, err := e.alarms.ListActive(context.Background(), repository.AlarmFilter{})
	require.NoError(t, err)
	return list
}

func TestEvaluator_ImmediateThreshold(t *testing.T) {
	env := newEvalEnv(t)
	rule := env.rule(models.AlarmRule{Name: "Overheat", Condition: models.ConditionGT, Threshold: testutil.Float(100), Severity: models.SeverityCritical})

	assert.Equal(t, OutcomeTriggered, env.eval(t, rule, 150))
	assert.Equal(t, OutcomeActive, env.eval(t, rule, 150), "repeat evaluation is idempotent")

	alarms := env.active(t)
	require.Len(t, alarms, 1)
	assert.Equal(t, models.AlarmTriggered, alarms[0].Status)
	assert.Equal(t, "150", alarms[0].TriggerValue)
	assert.Equal(t, "Overheat: temp is 150 °C (> 100 °C)", alarms[0].Message)
	assert.Equal(t, models.SeverityCritical, alarms[0].Severity)
	assert.Equal(t, env.dp.ID, *alarms[0].DatapointID)

	assert.Equal(t, []EventType{EventTriggered}, env.dispatcher.types())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.ActiveAlarms))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.AlarmTransitions.WithLabelValues("triggered", "critical")))
}

func TestEvaluator_BetweenAndOutside(t *testing.T) {
	env := newEvalEnv(t)
	outside := env.rule(models.AlarmRule{Name: "Out of band", Condition: models.ConditionOutside, Threshold: testutil.Float(20), Threshold2: testutil.Float(30)})
	between := env.rule(models.AlarmRule{Name: "In band", Condition: models.ConditionBetween, Threshold: testutil.Float(20), Threshold2: testutil.Float(30), AutoClear: true})

	assert.Equal(t, OutcomeNone, env.eval(t, outside, 25))
	assert.Equal(t, OutcomeTriggered, env.eval(t, between, 25))

	assert.Equal(t, OutcomeTriggered, env.eval(t, outside, 35))
	assert.Equal(t, OutcomeCleared, env.eval(t, between, 35))

	alarms := env.active(t)
	require.Len(t, alarms, 1)
	assert.Equal(t, outside.ID, alarms[0].RuleID)
	assert.Contains(t, alarms[0].Message, "[20, 30]")
}

func TestEvaluator_DurationGating(t *testing.T) {
	t.Run("Should not fire when the condition breaks early", func(t *testing.T) {
		env := newEvalEnv(t)
		rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100), DurationSeconds: 60})
		key := Key{DeviceID: env.device.ID, RuleID: rule.ID}

		assert.Equal(t, OutcomePending, env.eval(t, rule, 120))
		env.clock.Advance(59 * time.Second)
		assert.Equal(t, OutcomePending, env.eval(t, rule, 120))
		assert.True(t, env.evaluator.Pending(key))

		env.clock.Advance(time.Second)
		assert.Equal(t, OutcomeNone, env.eval(t, rule, 90))
		assert.False(t, env.evaluator.Pending(key))

		// the clock restarts; no credit for the earlier minute
		env.clock.Advance(10 * time.Second)
		assert.Equal(t, OutcomePending, env.eval(t, rule, 120))
		env.clock.Advance(30 * time.Second)
		assert.Equal(t, OutcomePending, env.eval(t, rule, 120))

		assert.Empty(t, env.active(t))
	})

	t.Run("Should fire exactly once after the duration", func(t *testing.T) {
		env := newEvalEnv(t)
		rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100), DurationSeconds: 60})

		assert.Equal(t, OutcomePending, env.eval(t, rule, 120))
		start := env.clock.Now()
		env.clock.Advance(60 * time.Second)
		assert.Equal(t, OutcomeTriggered, env.eval(t, rule, 130))
		env.clock.Advance(60 * time.Second)
		assert.Equal(t, OutcomeActive, env.eval(t, rule, 140))

		alarms := env.active(t)
		require.Len(t, alarms, 1)
		require.NotNil(t, alarms[0].DurationStartedAt)
		assert.True(t, start.Equal(*alarms[0].DurationStartedAt))
	})

	t.Run("Should measure device time when configured", func(t *testing.T) {
		env := newEvalEnv(t)
		env.evaluator = env.newEvaluator(env.alarms, config.DurationClockDevice)
		rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100), DurationSeconds: 60})

		in := Input{Device: env.device, Rule: rule, Datapoint: env.dp, Value: models.FloatValue(120), Timestamp: base.Add(-10 * time.Minute)}
		out, err := env.evaluator.Evaluate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, out)

		// a delayed backlog arrives at once; device timestamps span the duration
		in.Timestamp = base.Add(-8 * time.Minute)
		out, err = env.evaluator.Evaluate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, OutcomeTriggered, out)
	})
}

func TestEvaluator_AutoClear(t *testing.T) {
	t.Run("Should clear on the next false evaluation", func(t *testing.T) {
		env := newEvalEnv(t)
		rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100), AutoClear: true})

		require.Equal(t, OutcomeTriggered, env.eval(t, rule, 150))
		assert.Equal(t, OutcomeCleared, env.eval(t, rule, 50))
		assert.Empty(t, env.active(t))
		assert.False(t, env.evaluator.IsActive(Key{DeviceID: env.device.ID, RuleID: rule.ID}))

		assert.Equal(t, OutcomeTriggered, env.eval(t, rule, 150), "a fresh trigger is possible after clear")
		assert.Equal(t, []EventType{EventTriggered, EventCleared, EventTriggered}, env.dispatcher.types())
	})

	t.Run("Should stay active without auto clear", func(t *testing.T) {
		env := newEvalEnv(t)
		rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100)})

		require.Equal(t, OutcomeTriggered, env.eval(t, rule, 150))
		for _, v := range []float64{50, 0, -20, 150, 10} {
			assert.Equal(t, OutcomeActive, env.eval(t, rule, v))
		}
		assert.Len(t, env.active(t), 1)
	})

	t.Run("Should record the system as clearing actor", func(t *testing.T) {
		env := newEvalEnv(t)
		rule := env.rule(models.AlarmRule{Condition: models.ConditionLT, Threshold: testutil.Float(0), AutoClear: true})

		require.Equal(t, OutcomeTriggered, env.eval(t, rule, -5))
		alarmID := env.active(t)[0].ID
		require.Equal(t, OutcomeCleared, env.eval(t, rule, 5))

		stored, err := env.alarms.GetByID(context.Background(), alarmID)
		require.NoError(t, err)
		assert.Equal(t, models.AlarmCleared, stored.Status)
		assert.Equal(t, SystemActor, stored.ClearedBy)
	})
}

func TestEvaluator_ConcurrentEvaluationsCreateOneAlarm(t *testing.T) {
	env := newEvalEnv(t)
	rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100)})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		triggered int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			out, err := env.evaluator.Evaluate(context.Background(), Input{
				Device: env.device, Rule: rule, Datapoint: env.dp, Value: models.FloatValue(v),
			})
			assert.NoError(t, err)
			if out == OutcomeTriggered {
				mu.Lock()
				triggered++
				mu.Unlock()
			}
		}(150 + float64(i))
	}
	wg.Wait()

	assert.Equal(t, 1, triggered)
	assert.Len(t, env.active(t), 1)
	assert.Equal(t, []EventType{EventTriggered}, env.dispatcher.types())
}

func TestEvaluator_StoreFailureLeavesStateUnchanged(t *testing.T) {
	env := newEvalEnv(t)
	store := &flakyStore{Store: env.alarms, fail: true}
	env.evaluator = env.newEvaluator(store, config.DurationClockArrival)
	rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100)})
	key := Key{DeviceID: env.device.ID, RuleID: rule.ID}

	_, err := env.evaluator.Evaluate(context.Background(), Input{Device: env.device, Rule: rule, Datapoint: env.dp, Value: models.FloatValue(150)})
	assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
	assert.False(t, env.evaluator.IsActive(key))
	assert.Empty(t, env.dispatcher.types())

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	assert.Equal(t, OutcomeTriggered, env.eval(t, rule, 150))
}

func TestEvaluator_UnknownDatapointIsInert(t *testing.T) {
	env := newEvalEnv(t)
	rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(0)})

	out, err := env.evaluator.Evaluate(context.Background(), Input{Device: env.device, Rule: rule, Value: models.FloatValue(5)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, out)
	assert.Empty(t, env.active(t))
}

func TestEvaluator_Workflow(t *testing.T) {
	ctx := context.Background()

	t.Run("Should acknowledge then clear", func(t *testing.T) {
		env := newEvalEnv(t)
		rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100), AutoClear: true})
		key := Key{DeviceID: env.device.ID, RuleID: rule.ID}
		require.Equal(t, OutcomeTriggered, env.eval(t, rule, 150))
		id := env.active(t)[0].ID

		acked, err := env.evaluator.Acknowledge(ctx, id, "operator")
		require.NoError(t, err)
		assert.Equal(t, models.AlarmAcknowledged, acked.Status)
		assert.Equal(t, "operator", acked.AcknowledgedBy)
		assert.True(t, env.evaluator.IsActive(key), "acknowledged alarms still count as active")
		assert.Equal(t, OutcomeActive, env.eval(t, rule, 160))

		_, err = env.evaluator.Acknowledge(ctx, id, "operator")
		assert.ErrorIs(t, err, utils.ErrInvalidTransition)

		cleared, err := env.evaluator.Clear(ctx, id, "operator")
		require.NoError(t, err)
		assert.Equal(t, models.AlarmCleared, cleared.Status)
		assert.False(t, env.evaluator.IsActive(key))

		_, err = env.evaluator.Clear(ctx, id, "operator")
		assert.ErrorIs(t, err, utils.ErrInvalidTransition)

		assert.Equal(t, OutcomeTriggered, env.eval(t, rule, 150))
		assert.Equal(t,
			[]EventType{EventTriggered, EventAcknowledged, EventCleared, EventTriggered},
			env.dispatcher.types())
	})

	t.Run("Should auto clear an acknowledged alarm", func(t *testing.T) {
		env := newEvalEnv(t)
		rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100), AutoClear: true})
		require.Equal(t, OutcomeTriggered, env.eval(t, rule, 150))

		_, err := env.evaluator.Acknowledge(ctx, env.active(t)[0].ID, "operator")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCleared, env.eval(t, rule, 10))
	})

	t.Run("Should report unknown alarms", func(t *testing.T) {
		env := newEvalEnv(t)

		_, err := env.evaluator.Acknowledge(ctx, 4242, "operator")
		assert.ErrorIs(t, err, utils.ErrNotFound)
		_, err = env.evaluator.Clear(ctx, 4242, "operator")
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})

	t.Run("Should acknowledge in bulk independently", func(t *testing.T) {
		env := newEvalEnv(t)
		r1 := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100)})
		r2 := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(50)})
		require.Equal(t, OutcomeTriggered, env.eval(t, r1, 150))
		require.Equal(t, OutcomeTriggered, env.eval(t, r2, 150))

		active := env.active(t)
		require.Len(t, active, 2)

		results := env.evaluator.BulkAcknowledge(ctx, []uint{active[0].ID, 999, active[1].ID}, "operator")
		require.Len(t, results, 3)
		assert.Empty(t, results[0].Error)
		assert.NotEmpty(t, results[1].Error)
		assert.Empty(t, results[2].Error)

		for _, a := range env.active(t) {
			assert.Equal(t, models.AlarmAcknowledged, a.Status)
		}
	})
}

func TestEvaluator_LoadRestoresActiveAlarms(t *testing.T) {
	ctx := context.Background()
	env := newEvalEnv(t)
	rule := env.rule(models.AlarmRule{Condition: models.ConditionGT, Threshold: testutil.Float(100)})

	require.NoError(t, env.alarms.Create(ctx, &models.Alarm{
		DeviceID:    env.device.ID,
		RuleID:      rule.ID,
		Severity:    models.SeverityWarning,
		Status:      models.AlarmAcknowledged,
		TriggeredAt: base.Add(-time.Hour),
	}))

	restarted := env.newEvaluator(env.alarms, config.DurationClockArrival)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, restarted.IsActive(Key{DeviceID: env.device.ID, RuleID: rule.ID}))

	env.evaluator = restarted
	assert.Equal(t, OutcomeActive, env.eval(t, rule, 150))
	assert.Len(t, env.active(t), 1)
}
