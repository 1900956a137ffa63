package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/testutil"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePointStore struct {
	mu       sync.Mutex
	points   []models.TelemetryPoint
	failName string
	failAll  bool
}

func (s *fakePointStore) InsertPoint(_ context.Context, p *models.TelemetryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || p.DatapointName == s.failName {
		return errors.New("disk full")
	}
	s.points = append(s.points, *p)
	return nil
}

func (s *fakePointStore) InsertPoints(_ context.Context, ps []models.TelemetryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range ps {
		if s.failAll || p.DatapointName == s.failName {
			return errors.New("constraint violated")
		}
	}
	s.points = append(s.points, ps...)
	return nil
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func makePoints(deviceID uint, names ...string) []models.TelemetryPoint {
	out := make([]models.TelemetryPoint, 0, len(names))
	for i, n := range names {
		out = append(out, models.TelemetryPoint{
			DeviceID:      deviceID,
			DatapointName: n,
			Time:          t0.Add(time.Duration(i) * time.Second),
			ValueColumns:  models.FloatValue(float64(i)).Columns(),
			Quality:       models.QualityGood,
		})
	}
	return out
}

func TestWriter_PerRow(t *testing.T) {
	t.Run("Should keep writing after a failed row", func(t *testing.T) {
		store := &fakePointStore{failName: "b"}
		w := NewWriter(store, false, utils.NewNopLogger())

		res, err := w.WriteBatch(context.Background(), makePoints(1, "a", "b", "c"))
		require.NoError(t, err)

		assert.Equal(t, 2, res.Stored)
		assert.Equal(t, []bool{true, false, true}, res.Written)
		assert.Equal(t, []uint{1}, res.FailedDevices)
		assert.Equal(t, t0.Add(2*time.Second), res.Liveness[1])
	})

	t.Run("Should report store unavailable when nothing was stored", func(t *testing.T) {
		w := NewWriter(&fakePointStore{failAll: true}, false, utils.NewNopLogger())

		res, err := w.WriteBatch(context.Background(), makePoints(1, "a", "b"))
		assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
		assert.Zero(t, res.Stored)
		assert.Equal(t, 2, res.Failed)

		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, []uint{1}, storeErr.Devices)
	})

	t.Run("Should stop at a passed deadline", func(t *testing.T) {
		store := &fakePointStore{}
		w := NewWriter(store, false, utils.NewNopLogger())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, err := w.WriteBatch(ctx, makePoints(1, "a", "b"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, res.Stored)
		assert.Empty(t, store.points)
	})
}

func TestWriter_Atomic(t *testing.T) {
	t.Run("Should fail the whole batch and name the devices", func(t *testing.T) {
		store := &fakePointStore{failName: "bad"}
		w := NewWriter(store, true, utils.NewNopLogger())

		batch := append(makePoints(1, "ok"), makePoints(2, "bad")...)
		res, err := w.WriteBatch(context.Background(), batch)

		assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
		assert.Zero(t, res.Stored)
		assert.Equal(t, []uint{1, 2}, res.FailedDevices)
		assert.Empty(t, store.points)

		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, []uint{1, 2}, storeErr.Devices)
		assert.Contains(t, err.Error(), "devices [1 2]")
	})

	t.Run("Should report liveness per device", func(t *testing.T) {
		w := NewWriter(&fakePointStore{}, true, utils.NewNopLogger())

		batch := append(makePoints(1, "a", "b"), makePoints(2, "c")...)
		res, err := w.WriteBatch(context.Background(), batch)
		require.NoError(t, err)

		assert.Equal(t, 3, res.Stored)
		assert.Equal(t, t0.Add(time.Second), res.Liveness[1])
		assert.Equal(t, t0, res.Liveness[2])
	})
}

func TestCurrentValueCache(t *testing.T) {
	database := testutil.NewTestDatabase(t)
	fx := testutil.NewFixture(t, database.DB)
	model := fx.Model("meter")
	dp := fx.Datapoint(model.ID, "power_kw", "kW")
	device := fx.Device("d1", model.ID)

	cache := NewCurrentValueCache(repository.NewCurrentValueRepository(database.DB))
	ctx := context.Background()

	prev, err := cache.Update(ctx, device.ID, dp, dp.Name, models.FloatValue(10), t0)
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = cache.Update(ctx, device.ID, dp, dp.Name, models.FloatValue(12), t0.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, 10.0, prev.Num)

	_, err = cache.Update(ctx, device.ID, nil, "label", models.StringValue("west"), t0)
	require.NoError(t, err)

	latest, err := cache.Latest(ctx, device.ID)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	assert.Equal(t, "label", latest[0].Datapoint)
	assert.Equal(t, "west", latest[0].Value)
	assert.Equal(t, "power_kw", latest[1].Datapoint)
	assert.Equal(t, 12.0, latest[1].Value)
	assert.Equal(t, 10.0, latest[1].Previous)
	assert.Equal(t, models.QualityGood, latest[1].Quality)
}
