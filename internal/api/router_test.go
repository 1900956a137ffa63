package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/metrics"
	"github.com/digital-egiz/telemetry-core/internal/services"
	"github.com/digital-egiz/telemetry-core/internal/testutil"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnv struct {
	router *Router
	fx     *testutil.Fixture
	model  *models.DeviceModel
	temp   *models.DatapointDefinition
	device *models.Device
}

func newAPIEnv(t *testing.T) *apiEnv {
	database := testutil.NewTestDatabase(t)
	fx := testutil.NewFixture(t, database.DB)
	logger := utils.NewNopLogger()

	cfg := &config.Config{
		Server:      config.ServerConfig{Environment: "test"},
		Database:    config.DatabaseConfig{Driver: "sqlite"},
		Credentials: config.CredentialsConfig{JWTSecret: "test-secret"},
		Ingestion: config.IngestionConfig{
			ResolverCacheTTL: 300 * time.Second,
			RequestTimeout:   5 * time.Second,
		},
		Alarms: config.AlarmsConfig{
			NoDataSchedule: "@every 1h",
			DurationClock:  config.DurationClockArrival,
			DispatchBuffer: 16,
		},
	}

	env := &apiEnv{fx: fx}
	env.model = fx.Model("boiler")
	env.temp = fx.Datapoint(env.model.ID, "temp", "°C")
	env.device = fx.Device("boiler-1", env.model.ID)
	fx.Rule(models.AlarmRule{
		ModelID:     env.model.ID,
		DatapointID: testutil.Uint(env.temp.ID),
		Name:        "Overheat",
		Condition:   models.ConditionGT,
		Threshold:   testutil.Float(100),
	})

	sp := services.NewServiceProvider(logger, cfg, database, metrics.New())
	require.NoError(t, sp.Initialize(context.Background()))
	t.Cleanup(func() { _ = sp.Shutdown() })

	env.router = NewRouter(logger, cfg, database, sp)
	return env
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	resp := testutil.ExecuteRequest(t, e.router, method, path, body)
	var out map[string]interface{}
	if resp.Body.Len() > 0 && resp.Body.Bytes()[0] == '{' {
		testutil.ParseResponse(t, resp, &out)
	}
	return resp.Code, out
}

func TestRouter_Health(t *testing.T) {
	env := newAPIEnv(t)

	code, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	resp := testutil.ExecuteRequest(t, env.router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "telemetry_core_active_alarms")
	assert.NotEmpty(t, resp.Header().Get("X-Request-ID"))
}

func TestRouter_Ingest(t *testing.T) {
	env := newAPIEnv(t)
	devicePath := fmt.Sprintf("/api/v1/devices/%d", env.device.ID)

	t.Run("Should store and report a partial result", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/v1/telemetry",
			fmt.Sprintf(`{"device_id":%d,"values":{"temp":21.5,"broken":null}}`, env.device.ID))
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, services.IngestStatusPartial, body["status"])
		assert.Equal(t, 1.0, body["stored"])
		assert.Equal(t, 2.0, body["total"])
	})

	t.Run("Should return 404 for an unknown device", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/v1/telemetry", `{"device_id":9999,"values":{"temp":1}}`)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "device_not_found", body["error"])
	})

	t.Run("Should return 400 for an invalid document", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/v1/telemetry", `{"device_id":1,"values":{}}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "validation_error", body["error"])

		code, _ = env.do(t, http.MethodPost, "/api/v1/telemetry", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Should store a batch", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/v1/telemetry/batch", fmt.Sprintf(`{"records":[
			{"device_id":%d,"datapoint":"temp","value":22},
			{"device_id":%d,"datapoint_id":%d,"value":23,"timestamp":"2024-03-01T10:00:00Z"}
		]}`, env.device.ID, env.device.ID, env.temp.ID))
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, 2.0, body["stored"])
	})

	t.Run("Should serve the latest values", func(t *testing.T) {
		code, body := env.do(t, http.MethodGet, devicePath+"/telemetry/latest", nil)
		require.Equal(t, http.StatusOK, code)
		values, ok := body["values"].([]interface{})
		require.True(t, ok)
		assert.Len(t, values, 1)
	})

	t.Run("Should page the history", func(t *testing.T) {
		code, body := env.do(t, http.MethodGet,
			fmt.Sprintf("%s/telemetry/history?datapoint_id=%d&start=2024-01-01T00:00:00Z&limit=2", devicePath, env.temp.ID), nil)
		require.Equal(t, http.StatusOK, code, body)
		pagination := body["pagination"].(map[string]interface{})
		assert.Equal(t, 3.0, pagination["total_items"])
		assert.Len(t, body["data"], 2)
	})

	t.Run("Should require a datapoint for history", func(t *testing.T) {
		code, _ := env.do(t, http.MethodGet, devicePath+"/telemetry/history", nil)
		assert.Equal(t, http.StatusBadRequest, code)

		code, _ = env.do(t, http.MethodGet, "/api/v1/devices/abc/telemetry/latest", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestRouter_Alarms(t *testing.T) {
	env := newAPIEnv(t)

	code, _ := env.do(t, http.MethodPost, "/api/v1/telemetry",
		fmt.Sprintf(`{"device_id":%d,"values":{"temp":150}}`, env.device.ID))
	require.Equal(t, http.StatusOK, code)

	code, body := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/alarms/active?device_id=%d", env.device.ID), nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1.0, body["count"])
	alarm := body["alarms"].([]interface{})[0].(map[string]interface{})
	id := uint(alarm["id"].(float64))

	t.Run("Should acknowledge once", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alarms/%d/acknowledge", id), map[string]string{"actor": "alice"})
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, string(models.AlarmAcknowledged), body["status"])

		code, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alarms/%d/acknowledge", id), nil)
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "invalid_transition", body["error"])
	})

	t.Run("Should validate bulk requests", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, "/api/v1/alarms/acknowledge", map[string]interface{}{"ids": []uint{}})
		assert.Equal(t, http.StatusBadRequest, code)

		code, body := env.do(t, http.MethodPost, "/api/v1/alarms/acknowledge", map[string]interface{}{"ids": []uint{id, 9999}})
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, body["results"], 2)
	})

	t.Run("Should reject an unknown severity", func(t *testing.T) {
		code, _ := env.do(t, http.MethodGet, "/api/v1/alarms/active?severity=fatal", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Should clear", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alarms/%d/clear", id), nil)
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, services.DefaultActor, body["cleared_by"])

		code, _ = env.do(t, http.MethodPost, "/api/v1/alarms/9999/clear", nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("Should list the device history", func(t *testing.T) {
		code, body := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/devices/%d/alarms", env.device.ID), nil)
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, body["data"], 1)
	})

	t.Run("Should run a no-data sweep", func(t *testing.T) {
		code, body := env.do(t, http.MethodPost, "/api/v1/alarms/no-data/sweep", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, 0.0, body["rules"])
	})
}

func TestRouter_Models(t *testing.T) {
	env := newAPIEnv(t)
	modelPath := fmt.Sprintf("/api/v1/models/%d", env.model.ID)

	code, body := env.do(t, http.MethodPost, modelPath+"/datapoints", map[string]interface{}{
		"name": "pressure", "unit": "bar", "data_type": "number",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, 1.0, body["created"])
	dp := body["datapoint"].(map[string]interface{})

	code, _ = env.do(t, http.MethodPost, modelPath+"/datapoints", map[string]interface{}{"name": "pressure", "data_type": "number"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = env.do(t, http.MethodPost, modelPath+"/datapoints", map[string]interface{}{"name": "x", "data_type": "blob"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPost, modelPath+"/sync", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["devices"])

	code, body = env.do(t, http.MethodDelete, fmt.Sprintf("%s/datapoints/%d", modelPath, uint(dp["id"].(float64))), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["deleted"])

	code, _ = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/devices/%d/model", env.device.ID), map[string]interface{}{"model_id": 9999})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/devices/%d/edge-key", env.device.ID), map[string]interface{}{"edge_key": "S1"})
	assert.Equal(t, http.StatusBadRequest, code)
}
