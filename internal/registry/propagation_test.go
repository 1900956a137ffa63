package registry

import (
	"context"
	"testing"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/testutil"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type propagationEnv struct {
	propagator *Propagator
	devices    repository.DeviceRepository
	models     repository.ModelRepository
	values     repository.CurrentValueRepository
	fx         *testutil.Fixture
}

func newPropagationEnv(t *testing.T) *propagationEnv {
	database := testutil.NewTestDatabase(t)
	factory := repository.NewRepositoryFactory(database.DB)
	return &propagationEnv{
		propagator: NewPropagator(factory.Device(), factory.Model(), factory.CurrentValue(), utils.NewNopLogger()),
		devices:    factory.Device(),
		models:     factory.Model(),
		values:     factory.CurrentValue(),
		fx:         testutil.NewFixture(t, database.DB),
	}
}

func names(values []models.CurrentValue) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.DatapointName)
	}
	return out
}

func TestPropagator_DatapointAdded(t *testing.T) {
	ctx := context.Background()
	env := newPropagationEnv(t)

	model := env.fx.Model("inverter")
	d1 := env.fx.Device("inv-1", model.ID)
	d2 := env.fx.Device("inv-2", model.ID)
	inactive := &models.Device{Name: "inv-old", ModelID: &model.ID}
	require.NoError(t, env.devices.Create(ctx, inactive))

	_, err := env.values.Upsert(ctx, d1.ID, nil, "power_kw", models.FloatValue(3), time.Now().UTC())
	require.NoError(t, err)

	dp := env.fx.Datapoint(model.ID, "power_kw", "kW")
	created, err := env.propagator.DatapointAdded(ctx, dp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created, "only the device without a row gets a placeholder")

	row, err := env.values.Get(ctx, d2.ID, "power_kw")
	require.NoError(t, err)
	assert.Equal(t, models.QualityUnknown, row.Quality)
	assert.Nil(t, row.Current.Value())

	kept, err := env.values.Get(ctx, d1.ID, "power_kw")
	require.NoError(t, err)
	assert.Equal(t, models.QualityGood, kept.Quality)

	_, err = env.values.Get(ctx, inactive.ID, "power_kw")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPropagator_DatapointRemoved(t *testing.T) {
	ctx := context.Background()
	env := newPropagationEnv(t)

	model := env.fx.Model("meter")
	dp := env.fx.Datapoint(model.ID, "energy_kwh", "kWh")
	other := env.fx.Datapoint(model.ID, "voltage", "V")
	d1 := env.fx.Device("m-1", model.ID)
	d2 := env.fx.Device("m-2", model.ID)

	for _, d := range []*models.Device{d1, d2} {
		_, err := env.propagator.DeviceModelChanged(ctx, d.ID, model.ID)
		require.NoError(t, err)
	}

	deleted, err := env.propagator.DatapointRemoved(ctx, dp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	rows, err := env.values.ListByDevice(ctx, d1.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, other.ID, *rows[0].DatapointID)
}

func TestPropagator_DeviceModelChangedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newPropagationEnv(t)

	model := env.fx.Model("sensor")
	env.fx.Datapoint(model.ID, "temp", "C")
	env.fx.Datapoint(model.ID, "humidity", "%")
	device := env.fx.Device("s-1", model.ID)

	created, err := env.propagator.DeviceModelChanged(ctx, device.ID, model.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), created)

	created, err = env.propagator.DeviceModelChanged(ctx, device.ID, model.ID)
	require.NoError(t, err)
	assert.Zero(t, created)

	rows, err := env.values.ListByDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"humidity", "temp"}, names(rows))
}

func TestPropagator_SyncModel(t *testing.T) {
	ctx := context.Background()
	env := newPropagationEnv(t)

	model := env.fx.Model("pump")
	speed := env.fx.Datapoint(model.ID, "speed", "rpm")
	legacy := env.fx.Datapoint(model.ID, "legacy", "")
	device := env.fx.Device("p-1", model.ID)

	_, err := env.propagator.DeviceModelChanged(ctx, device.ID, model.ID)
	require.NoError(t, err)
	_, err = env.values.Upsert(ctx, device.ID, nil, "free_form", models.StringValue("x"), time.Now().UTC())
	require.NoError(t, err)

	// bulk edit behind the propagator's back
	require.NoError(t, env.models.DeleteDatapoint(ctx, legacy.ID))
	env.fx.Datapoint(model.ID, "pressure", "bar")

	result, err := env.propagator.SyncModel(ctx, model.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Devices)
	assert.Equal(t, int64(1), result.Created)
	assert.Equal(t, int64(1), result.Deleted)

	rows, err := env.values.ListByDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"free_form", "pressure", "speed"}, names(rows))

	speedRow, err := env.values.Get(ctx, device.ID, "speed")
	require.NoError(t, err)
	assert.Equal(t, speed.ID, *speedRow.DatapointID)
}
