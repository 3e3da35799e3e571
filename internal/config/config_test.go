package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultBatchIntervalMs, cfg.Telemetry.BatchIntervalMs)
	assert.Equal(t, DefaultMaxBatchSize, cfg.Telemetry.MaxBatchSize)
	assert.Equal(t, DefaultMaxDepth, cfg.Instrument.MaxDepth)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
target:
  allow_origins:
    - https://api.example.com
telemetry:
  enabled: true
  endpoint: https://collector.example.com/v1/batches
  paths_mode: ordinals
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://api.example.com"}, cfg.Target.AllowOrigins)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "ordinals", cfg.Telemetry.PathsMode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset fields keep their defaults.
	assert.Equal(t, DefaultMaxBatchSize, cfg.Telemetry.MaxBatchSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SYNPATICO_TELEMETRY_ENDPOINT", "https://env.example.com/batches")
	t.Setenv("SYNPATICO_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "https://env.example.com/batches", cfg.Telemetry.Endpoint)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  paths_mode: nope\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestShouldOptimize(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.ShouldOptimize())

	cfg.Target.AllowOrigins = []string{"https://api.example.com/"}
	pred := cfg.ShouldOptimize()
	require.NotNil(t, pred)

	allowed, _ := url.Parse("https://api.example.com/users")
	denied, _ := url.Parse("https://other.example.com/users")
	assert.True(t, pred(allowed))
	assert.False(t, pred(denied))
}
