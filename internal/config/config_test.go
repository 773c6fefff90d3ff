package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/quanta/internal/config"
)

// clearEnv blanks every variable these tests assert on. Empty values are
// treated as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"QUANTA_CONFIG_FILE",
		"QUANTA_STORAGE_ENGINE",
		"QUANTA_DATA_PATH",
		"QUANTA_POSTGRES_DSN",
		"QUANTA_OPERATION_TIMEOUT",
		"QUANTA_MAX_CACHE_SIZE",
		"QUANTA_RELEVANCE_THRESHOLD",
		"QUANTA_CONSOLIDATION_INTERVAL",
		"QUANTA_DECAY_RATE",
		"QUANTA_CONSOLIDATION_PERIOD",
		"QUANTA_FADING_AFTER",
	} {
		t.Setenv(key, "")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quanta.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, config.EngineSQLite, cfg.Storage.StorageEngine)
	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.Equal(t, 5*time.Second, cfg.Storage.OperationTimeout)
	assert.Equal(t, 1000, cfg.Store.MaxCacheSize)
	assert.Equal(t, 0.3, cfg.Store.RelevanceThreshold)
	assert.Equal(t, 100, cfg.Store.ConsolidationInterval)
	assert.Equal(t, 0.2, cfg.Store.DecayRate)
	assert.Equal(t, time.Duration(0), cfg.Store.ConsolidationPeriod)
	assert.Equal(t, 7*24*time.Hour, cfg.Lifecycle.FadingAfter)
	assert.Equal(t, filepath.Join("data", "quanta.db"), cfg.DatabasePath())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUANTA_DATA_PATH", "/var/lib/quanta")
	t.Setenv("QUANTA_OPERATION_TIMEOUT", "2s")
	t.Setenv("QUANTA_MAX_CACHE_SIZE", "50")
	t.Setenv("QUANTA_RELEVANCE_THRESHOLD", "0.45")
	t.Setenv("QUANTA_CONSOLIDATION_INTERVAL", "0")
	t.Setenv("QUANTA_DECAY_RATE", "0.5")
	t.Setenv("QUANTA_CONSOLIDATION_PERIOD", "10m")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/quanta", cfg.Storage.DataPath)
	assert.Equal(t, 2*time.Second, cfg.Storage.OperationTimeout)
	assert.Equal(t, 50, cfg.Store.MaxCacheSize)
	assert.Equal(t, 0.45, cfg.Store.RelevanceThreshold)
	assert.Equal(t, 0, cfg.Store.ConsolidationInterval)
	assert.Equal(t, 0.5, cfg.Store.DecayRate)
	assert.Equal(t, 10*time.Minute, cfg.Store.ConsolidationPeriod)
}

func TestLoadConfig_IgnoresUnparseableEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUANTA_MAX_CACHE_SIZE", "lots")
	t.Setenv("QUANTA_OPERATION_TIMEOUT", "soon")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Store.MaxCacheSize)
	assert.Equal(t, 5*time.Second, cfg.Storage.OperationTimeout)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
storage:
  data_path: /srv/quanta
  operation_timeout: 3s
store:
  max_cache_size: 200
  decay_rate: 0.1
lifecycle:
  fading_after: 48h
`)
	t.Setenv("QUANTA_CONFIG_FILE", path)
	t.Setenv("QUANTA_MAX_CACHE_SIZE", "300")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/quanta", cfg.Storage.DataPath)
	assert.Equal(t, 3*time.Second, cfg.Storage.OperationTimeout)
	assert.Equal(t, 300, cfg.Store.MaxCacheSize, "env must override the file")
	assert.Equal(t, 0.1, cfg.Store.DecayRate)
	assert.Equal(t, 48*time.Hour, cfg.Lifecycle.FadingAfter)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 0.3, cfg.Store.RelevanceThreshold)
	assert.Equal(t, 30*24*time.Hour, cfg.Lifecycle.DormantAfter)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUANTA_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := config.LoadConfig()
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "store: [unclosed")
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoad_ExplicitPath(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "storage:\n  engine: postgres\n  postgres_dsn: postgres://db/quanta\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.EnginePostgres, cfg.Storage.StorageEngine)
	assert.Equal(t, "postgres://db/quanta", cfg.Storage.PostgresDSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown engine", func(c *config.Config) { c.Storage.StorageEngine = "mysql" }},
		{"postgres without dsn", func(c *config.Config) { c.Storage.StorageEngine = config.EnginePostgres }},
		{"sqlite without path", func(c *config.Config) { c.Storage.DataPath = "" }},
		{"zero timeout", func(c *config.Config) { c.Storage.OperationTimeout = 0 }},
		{"zero breaker failures", func(c *config.Config) { c.Storage.BreakerMaxFailures = 0 }},
		{"cache size", func(c *config.Config) { c.Store.MaxCacheSize = 0 }},
		{"threshold", func(c *config.Config) { c.Store.RelevanceThreshold = 1.2 }},
		{"decay rate", func(c *config.Config) { c.Store.DecayRate = 2 }},
		{"lifecycle order", func(c *config.Config) { c.Lifecycle.DormantAfter = time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := config.Default()
	cfg.Storage.StorageEngine = config.EnginePostgres
	cfg.Storage.PostgresDSN = "postgres://quanta@localhost/quanta?sslmode=disable"
	assert.NoError(t, cfg.Validate())
}

func TestEngineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.MaxCacheSize = 42
	cfg.Store.DecayRate = 0.25
	cfg.Storage.OperationTimeout = time.Second
	cfg.Storage.BreakerMaxFailures = 3
	cfg.Lifecycle.ReinforcedAccessCount = 4

	ec := cfg.EngineConfig()
	assert.Equal(t, 42, ec.MaxCacheSize)
	assert.Equal(t, 0.25, ec.DecayRate)
	assert.Equal(t, time.Second, ec.Guard.Timeout)
	assert.Equal(t, uint32(3), ec.Guard.MaxFailures)
	assert.Equal(t, 4, ec.Lifecycle.ReinforcedAccessCount)
	assert.NoError(t, ec.Validate())
}

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataPath = filepath.Join(t.TempDir(), "nested", "data")

	backend, err := cfg.OpenBackend()
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	_, err = os.Stat(cfg.DatabasePath())
	assert.NoError(t, err)
}
