package services

import (
	"context"
	"testing"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/registry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	edges   []registry.Identity
	devices []uint
}

func (r *recordingInvalidator) Invalidate(gatewayID uint, edgeKey string) {
	r.edges = append(r.edges, registry.Identity{GatewayID: gatewayID, EdgeKey: edgeKey})
}

func (r *recordingInvalidator) InvalidateDevice(deviceID uint) {
	r.devices = append(r.devices, deviceID)
}

func newModelServiceEnv(t *testing.T) (*pipelineEnv, *ModelService, *recordingInvalidator) {
	env := newPipelineEnv(t, pipelineOptions{})
	logger := utils.NewNopLogger()
	propagator := registry.NewPropagator(env.repos.Device(), env.repos.Model(), env.repos.CurrentValue(), logger)
	inv := &recordingInvalidator{}
	return env, NewModelService(env.repos, propagator, inv, logger), inv
}

func TestModelService_AddDatapoint(t *testing.T) {
	env, service, _ := newModelServiceEnv(t)
	ctx := context.Background()

	t.Run("Should create placeholders on active devices", func(t *testing.T) {
		change, err := service.AddDatapoint(ctx, env.model.ID, CreateDatapointRequest{
			Name:     " pressure ",
			Unit:     "bar",
			DataType: models.DataTypeNumber,
		})
		require.NoError(t, err)
		assert.Equal(t, "pressure", change.Datapoint.Name)
		assert.True(t, change.Datapoint.Readable)
		assert.Equal(t, int64(1), change.Created)

		cv, err := env.repos.CurrentValue().Get(ctx, env.device.ID, "pressure")
		require.NoError(t, err)
		assert.Equal(t, models.QualityUnknown, cv.Quality)
		assert.Nil(t, cv.Current.Value())
	})

	t.Run("Should reject a duplicate name", func(t *testing.T) {
		_, err := service.AddDatapoint(ctx, env.model.ID, CreateDatapointRequest{Name: "temp", DataType: models.DataTypeNumber})
		assert.ErrorIs(t, err, utils.ErrAlreadyExists)
	})

	t.Run("Should reject an unknown model", func(t *testing.T) {
		_, err := service.AddDatapoint(ctx, 9999, CreateDatapointRequest{Name: "x", DataType: models.DataTypeNumber})
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})
}

func TestModelService_RemoveDatapoint(t *testing.T) {
	env, service, _ := newModelServiceEnv(t)
	ctx := context.Background()

	env.ingest(t, map[string]interface{}{"temp": 21})

	_, err := service.RemoveDatapoint(ctx, env.model.ID+1, env.temp.ID)
	assert.ErrorIs(t, err, utils.ErrNotFound)

	change, err := service.RemoveDatapoint(ctx, env.model.ID, env.temp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), change.Deleted)

	_, err = env.repos.CurrentValue().Get(ctx, env.device.ID, "temp")
	assert.Error(t, err)
}

func TestModelService_AssignModel(t *testing.T) {
	env, service, inv := newModelServiceEnv(t)
	ctx := context.Background()

	other := env.fx.Model("chiller")
	env.fx.Datapoint(other.ID, "flow", "l/min")
	env.fx.Datapoint(other.ID, "temp", "°C")
	env.ingest(t, map[string]interface{}{"temp": 21})

	change, err := service.AssignModel(ctx, env.device.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), change.Created, "existing rows are kept")
	assert.Equal(t, []uint{env.device.ID}, inv.devices)

	device, err := env.repos.Device().GetByID(ctx, env.device.ID)
	require.NoError(t, err)
	require.NotNil(t, device.ModelID)
	assert.Equal(t, other.ID, *device.ModelID)

	_, err = service.AssignModel(ctx, env.device.ID, 9999)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestModelService_ChangeEdgeKey(t *testing.T) {
	env, service, inv := newModelServiceEnv(t)
	ctx := context.Background()

	sensor := env.gatewayDevice(t, "sensor-s1", 7, "S1")
	env.gatewayDevice(t, "sensor-s2", 7, "S2")

	t.Run("Should rename and invalidate the old key", func(t *testing.T) {
		device, err := service.ChangeEdgeKey(ctx, sensor.ID, "S9")
		require.NoError(t, err)
		require.NotNil(t, device.EdgeKey)
		assert.Equal(t, "S9", *device.EdgeKey)
		assert.Equal(t, []registry.Identity{{GatewayID: 7, EdgeKey: "S1"}}, inv.edges)
		assert.Contains(t, inv.devices, sensor.ID)
	})

	t.Run("Should reject a key taken on the same gateway", func(t *testing.T) {
		_, err := service.ChangeEdgeKey(ctx, sensor.ID, "S2")
		assert.ErrorIs(t, err, utils.ErrAlreadyExists)
	})

	t.Run("Should reject an empty key", func(t *testing.T) {
		_, err := service.ChangeEdgeKey(ctx, sensor.ID, " ")
		assert.ErrorIs(t, err, utils.ErrValidation)
	})

	t.Run("Should reject a device without gateway", func(t *testing.T) {
		_, err := service.ChangeEdgeKey(ctx, env.device.ID, "S3")
		assert.ErrorIs(t, err, utils.ErrBadRequest)
	})
}

func TestModelService_SyncModel(t *testing.T) {
	env, service, _ := newModelServiceEnv(t)
	ctx := context.Background()

	old := env.fx.Datapoint(env.model.ID, "old", "")
	env.fx.Datapoint(env.model.ID, "pressure", "bar")
	env.ingest(t, map[string]interface{}{"old": 1, "stray": 2})
	require.NoError(t, env.database.Delete(old).Error)

	result, err := service.SyncModel(ctx, env.model.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Devices)
	assert.Equal(t, int64(2), result.Created)
	assert.Equal(t, int64(1), result.Deleted)

	_, err = service.SyncModel(ctx, 9999)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}
