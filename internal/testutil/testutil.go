// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/db"
	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDatabase opens a migrated in-memory sqlite database private to t
func NewTestDatabase(t testing.TB) *db.Database {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := "file:" + name + "?mode=memory&cache=shared"

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "Failed to create in-memory database")

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(models.AllModels()...), "Failed to migrate database")

	t.Cleanup(func() {
		sqlDB.Close()
	})

	return db.Wrap(gdb, &config.DatabaseConfig{Driver: "sqlite", Path: dsn}, utils.NewNopLogger())
}

// Fixture seeds registry rows for tests
type Fixture struct {
	t  testing.TB
	db *gorm.DB
}

// NewFixture creates a fixture over gdb
func NewFixture(t testing.TB, gdb *gorm.DB) *Fixture {
	return &Fixture{t: t, db: gdb}
}

// Model creates a device model
func (f *Fixture) Model(name string) *models.DeviceModel {
	f.t.Helper()
	m := &models.DeviceModel{Name: name}
	require.NoError(f.t, f.db.Create(m).Error)
	return m
}

// Datapoint creates a numeric datapoint with default scaling
func (f *Fixture) Datapoint(modelID uint, name, unit string) *models.DatapointDefinition {
	f.t.Helper()
	dp := &models.DatapointDefinition{
		ModelID:     modelID,
		Name:        name,
		DisplayName: name,
		Unit:        unit,
		DataType:    models.DataTypeNumber,
		Readable:    true,
	}
	require.NoError(f.t, f.db.Create(dp).Error)
	return dp
}

// Device creates an active device on the given model
func (f *Fixture) Device(name string, modelID uint) *models.Device {
	f.t.Helper()
	d := &models.Device{Name: name, ModelID: &modelID, Active: true}
	require.NoError(f.t, f.db.Create(d).Error)
	return d
}

// Rule creates an enabled rule
func (f *Fixture) Rule(rule models.AlarmRule) *models.AlarmRule {
	f.t.Helper()
	rule.Enabled = true
	if rule.Severity == "" {
		rule.Severity = models.SeverityWarning
	}
	if rule.Name == "" {
		rule.Name = string(rule.Condition) + " rule"
	}
	require.NoError(f.t, f.db.Create(&rule).Error)
	return &rule
}

// Float returns a pointer to f
func Float(f float64) *float64 { return &f }

// Uint returns a pointer to u
func Uint(u uint) *uint { return &u }

// Str returns a pointer to s
func Str(s string) *string { return &s }

// FakeClock is a manually advanced clock
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts a clock at now
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

// Now returns the current fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// ExecuteRequest runs a JSON request against router and returns the recorder
func ExecuteRequest(t testing.TB, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody []byte
	if body != nil {
		switch b := body.(type) {
		case string:
			reqBody = []byte(b)
		default:
			var err error
			reqBody, err = json.Marshal(body)
			require.NoError(t, err, "Failed to marshal request body")
		}
	}

	req, err := http.NewRequest(method, path, bytes.NewBuffer(reqBody))
	require.NoError(t, err, "Failed to create request")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

// ParseResponse decodes a JSON response body into target
func ParseResponse(t testing.TB, resp *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), target), "Failed to parse response body: %s", resp.Body.String())
}

func init() {
	gin.SetMode(gin.TestMode)
}
