package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Should apply defaults when no file exists", func(t *testing.T) {
		cfg, err := LoadConfig(t.TempDir())
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 300*time.Second, cfg.Ingestion.ResolverCacheTTL)
		assert.Equal(t, "@every 30s", cfg.Alarms.NoDataSchedule)
		assert.Equal(t, DurationClockArrival, cfg.Alarms.DurationClock)
		assert.Equal(t, "telemetry-ingest", cfg.Kafka.IngestTopic)
		assert.NotEmpty(t, cfg.Credentials.JWTSecret)
	})

	t.Run("Should read values from config file", func(t *testing.T) {
		dir := t.TempDir()
		content := []byte(`
server:
  port: 9090
database:
  driver: sqlite
  path: /tmp/test.db
ingestion:
  resolver_cache_ttl: 60s
  atomic_batches: true
alarms:
  duration_clock: device
`)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

		cfg, err := LoadConfig(dir)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, "/tmp/test.db", cfg.Database.GetDSN())
		assert.Equal(t, time.Minute, cfg.Ingestion.ResolverCacheTTL)
		assert.True(t, cfg.Ingestion.AtomicBatches)
		assert.Equal(t, DurationClockDevice, cfg.Alarms.DurationClock)
	})

	t.Run("Should reject unknown duration clock", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("alarms:\n  duration_clock: sundial\n"), 0o600))

		_, err := LoadConfig(dir)
		assert.Error(t, err)
	})

	t.Run("Should require credential secret outside development", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  environment: production\ndatabase:\n  driver: sqlite\n"), 0o600))

		_, err := LoadConfig(dir)
		assert.Error(t, err)
	})
}
