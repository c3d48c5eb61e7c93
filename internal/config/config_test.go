package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := load("", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := load("testdata/statesaga.yaml", map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Engine.SnapshotInterval)
	assert.Equal(t, 2*time.Second, cfg.Engine.LockTimeout)
	assert.Equal(t, 1000, cfg.Engine.DedupeCapacity, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Saga.MaxConcurrency)
	assert.Equal(t, 50*time.Millisecond, cfg.Saga.Backoff.Fixed)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, LockRedis, cfg.Lock.Driver)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	cfg, err := load("testdata/statesaga.yaml", map[string]string{
		"STATESAGA_ENGINE_SNAPSHOT_INTERVAL": "7",
		"STATESAGA_SAGA_BACKOFF_FIXED":       "0s",
		"STATESAGA_STORE_DRIVER":             "memory",
		"STATESAGA_LOCK_DRIVER":              "local",
		"STATESAGA_LOG_LEVEL":                "warn",
		"STATESAGA_TELEMETRY_ENABLED":        "true",
		"STATESAGA_TELEMETRY_ENDPOINT":       "http://collector:4318",
	})
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.SnapshotInterval)
	assert.Equal(t, time.Duration(0), cfg.Saga.Backoff.Fixed)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, LockLocal, cfg.Lock.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.TelemetryConfig().Enabled)
	assert.Equal(t, "http://collector:4318", cfg.TelemetryConfig().Endpoint)
}

func TestLoad_BadEnv(t *testing.T) {
	_, err := load("", map[string]string{"STATESAGA_ENGINE_SNAPSHOT_INTERVAL": "lots"})
	assert.ErrorContains(t, err, "parse env")
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  snapshot_every: 3\n"), 0o644))
	_, err := load(path, map[string]string{})
	assert.ErrorContains(t, err, "snapshot_every")
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cfg, err := load(path, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), map[string]string{})
	assert.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"snapshot interval", func(c *Config) { c.Engine.SnapshotInterval = 0 }, "snapshot_interval"},
		{"dedupe capacity", func(c *Config) { c.Engine.DedupeCapacity = -1 }, "dedupe_capacity"},
		{"concurrency", func(c *Config) { c.Saga.MaxConcurrency = 0 }, "max_concurrency"},
		{"backoff range", func(c *Config) { c.Saga.Backoff.Max = time.Millisecond }, "backoff.max"},
		{"breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "failure_threshold"},
		{"store driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres dsn", func(c *Config) { c.Store.Driver = StorePostgres }, "store.dsn"},
		{"redis url", func(c *Config) { c.Lock.Driver = LockRedis }, "lock.redis_url"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_FixedBackoffSkipsExponentialChecks(t *testing.T) {
	cfg := Default()
	cfg.Saga.Backoff = Backoff{Fixed: time.Second}
	assert.NoError(t, cfg.Validate())
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Breaker.FailureThreshold = 9
	assert.Equal(t, 9, cfg.BreakerConfig().FailureThreshold)
	assert.NotNil(t, cfg.BackoffFactory())
	cfg.Saga.Backoff.Fixed = time.Millisecond
	assert.NotNil(t, cfg.BackoffFactory())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := Log{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
