// Package config provides configuration management for Quanta.
// It loads settings from an optional YAML file, then from environment
// variables with the QUANTA_ prefix, and provides sensible defaults for all
// configuration options.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// QUANTA_CONFIG_FILE, environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/quanta/internal/engine"
	"github.com/scrypster/quanta/internal/storage"
)

// Storage engine names.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// DatabaseFile is the SQLite file created inside DataPath.
const DatabaseFile = "quanta.db"

// Config holds all configuration settings for the Quanta application.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Store     StoreConfig     `yaml:"store"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	StorageEngine      string        `yaml:"engine"`               // sqlite or postgres (default: sqlite)
	DataPath           string        `yaml:"data_path"`            // Directory holding quanta.db (default: ./data)
	PostgresDSN        string        `yaml:"postgres_dsn"`         // Required when engine is postgres
	OperationTimeout   time.Duration `yaml:"operation_timeout"`    // Per-call backend timeout (default: 5s)
	BreakerMaxFailures int           `yaml:"breaker_max_failures"` // Consecutive failures that open the circuit (default: 5)
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"` // Time the circuit stays open (default: 10s)
}

// StoreConfig contains the working set and consolidation tunables.
type StoreConfig struct {
	MaxCacheSize           int           `yaml:"max_cache_size"`           // default: 1000
	RelevanceThreshold     float64       `yaml:"relevance_threshold"`      // default: 0.3
	ConsolidationInterval  int           `yaml:"consolidation_interval"`   // Stores between passes, 0 disables (default: 100)
	DecayRate              float64       `yaml:"decay_rate"`               // default: 0.2
	ConsolidationPeriod    time.Duration `yaml:"consolidation_period"`     // Timer-driven passes, 0 disables (default: 0)
	ConsolidationBatchSize int           `yaml:"consolidation_batch_size"` // default: 200
	BatchesPerSecond       float64       `yaml:"batches_per_second"`       // default: 20
	AssociationTopK        int           `yaml:"association_top_k"`        // default: 5
	AssociationThreshold   float64       `yaml:"association_threshold"`    // default: 0.3
	ClusterThreshold       float64       `yaml:"cluster_threshold"`        // default: 0.7
}

// LifecycleConfig contains the state machine thresholds.
type LifecycleConfig struct {
	ReinforcedAccessCount     int           `yaml:"reinforced_access_count"`    // default: 10
	CrystallizedReinforcement int           `yaml:"crystallized_reinforcement"` // default: 50
	FadingAfter               time.Duration `yaml:"fading_after"`               // default: 168h
	DormantAfter              time.Duration `yaml:"dormant_after"`              // default: 720h
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		Storage: StorageConfig{
			StorageEngine:      EngineSQLite,
			DataPath:           "./data",
			OperationTimeout:   ec.Guard.Timeout,
			BreakerMaxFailures: int(ec.Guard.MaxFailures),
			BreakerOpenTimeout: ec.Guard.OpenTimeout,
		},
		Store: StoreConfig{
			MaxCacheSize:           ec.MaxCacheSize,
			RelevanceThreshold:     ec.RelevanceThreshold,
			ConsolidationInterval:  ec.ConsolidationInterval,
			DecayRate:              ec.DecayRate,
			ConsolidationPeriod:    ec.ConsolidationPeriod,
			ConsolidationBatchSize: ec.ConsolidationBatchSize,
			BatchesPerSecond:       ec.BatchesPerSecond,
			AssociationTopK:        ec.AssociationTopK,
			AssociationThreshold:   ec.AssociationThreshold,
			ClusterThreshold:       ec.ClusterThreshold,
		},
		Lifecycle: LifecycleConfig{
			ReinforcedAccessCount:     ec.Lifecycle.ReinforcedAccessCount,
			CrystallizedReinforcement: ec.Lifecycle.CrystallizedReinforcement,
			FadingAfter:               ec.Lifecycle.FadingAfter,
			DormantAfter:              ec.Lifecycle.DormantAfter,
		},
	}
}

// LoadConfig loads configuration from the optional YAML file named by
// QUANTA_CONFIG_FILE and from environment variables, then validates it.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv("QUANTA_CONFIG_FILE"))
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and QUANTA_* environment variables, in that order, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from QUANTA_* environment variables.
func (c *Config) applyEnv() {
	c.Storage.StorageEngine = getEnv("QUANTA_STORAGE_ENGINE", c.Storage.StorageEngine)
	c.Storage.DataPath = getEnv("QUANTA_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("QUANTA_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.OperationTimeout = getEnvDuration("QUANTA_OPERATION_TIMEOUT", c.Storage.OperationTimeout)
	c.Storage.BreakerMaxFailures = getEnvInt("QUANTA_BREAKER_MAX_FAILURES", c.Storage.BreakerMaxFailures)
	c.Storage.BreakerOpenTimeout = getEnvDuration("QUANTA_BREAKER_OPEN_TIMEOUT", c.Storage.BreakerOpenTimeout)

	c.Store.MaxCacheSize = getEnvInt("QUANTA_MAX_CACHE_SIZE", c.Store.MaxCacheSize)
	c.Store.RelevanceThreshold = getEnvFloat("QUANTA_RELEVANCE_THRESHOLD", c.Store.RelevanceThreshold)
	c.Store.ConsolidationInterval = getEnvInt("QUANTA_CONSOLIDATION_INTERVAL", c.Store.ConsolidationInterval)
	c.Store.DecayRate = getEnvFloat("QUANTA_DECAY_RATE", c.Store.DecayRate)
	c.Store.ConsolidationPeriod = getEnvDuration("QUANTA_CONSOLIDATION_PERIOD", c.Store.ConsolidationPeriod)
	c.Store.ConsolidationBatchSize = getEnvInt("QUANTA_CONSOLIDATION_BATCH_SIZE", c.Store.ConsolidationBatchSize)
	c.Store.BatchesPerSecond = getEnvFloat("QUANTA_BATCHES_PER_SECOND", c.Store.BatchesPerSecond)
	c.Store.AssociationTopK = getEnvInt("QUANTA_ASSOCIATION_TOP_K", c.Store.AssociationTopK)
	c.Store.AssociationThreshold = getEnvFloat("QUANTA_ASSOCIATION_THRESHOLD", c.Store.AssociationThreshold)
	c.Store.ClusterThreshold = getEnvFloat("QUANTA_CLUSTER_THRESHOLD", c.Store.ClusterThreshold)

	c.Lifecycle.ReinforcedAccessCount = getEnvInt("QUANTA_REINFORCED_ACCESS_COUNT", c.Lifecycle.ReinforcedAccessCount)
	c.Lifecycle.CrystallizedReinforcement = getEnvInt("QUANTA_CRYSTALLIZED_REINFORCEMENT", c.Lifecycle.CrystallizedReinforcement)
	c.Lifecycle.FadingAfter = getEnvDuration("QUANTA_FADING_AFTER", c.Lifecycle.FadingAfter)
	c.Lifecycle.DormantAfter = getEnvDuration("QUANTA_DORMANT_AFTER", c.Lifecycle.DormantAfter)
}

// Validate checks storage settings and the derived engine config.
func (c *Config) Validate() error {
	switch c.Storage.StorageEngine {
	case EngineSQLite:
		if c.Storage.DataPath == "" {
			return errors.New("config: data path is required for the sqlite engine")
		}
	case EnginePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: QUANTA_POSTGRES_DSN is required for the postgres engine")
		}
	default:
		return fmt.Errorf("config: unsupported storage engine %q", c.Storage.StorageEngine)
	}

	if c.Storage.OperationTimeout <= 0 {
		return fmt.Errorf("config: operation timeout must be > 0, got %v", c.Storage.OperationTimeout)
	}
	if c.Storage.BreakerMaxFailures < 1 {
		return fmt.Errorf("config: breaker max failures must be >= 1, got %d", c.Storage.BreakerMaxFailures)
	}

	ec := c.EngineConfig()
	if err := ec.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EngineConfig converts the settings into an engine.Config. Fields not
// exposed here keep engine defaults.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()

	ec.MaxCacheSize = c.Store.MaxCacheSize
	ec.RelevanceThreshold = c.Store.RelevanceThreshold
	ec.ConsolidationInterval = c.Store.ConsolidationInterval
	ec.DecayRate = c.Store.DecayRate
	ec.ConsolidationPeriod = c.Store.ConsolidationPeriod
	ec.ConsolidationBatchSize = c.Store.ConsolidationBatchSize
	ec.BatchesPerSecond = c.Store.BatchesPerSecond
	ec.AssociationTopK = c.Store.AssociationTopK
	ec.AssociationThreshold = c.Store.AssociationThreshold
	ec.ClusterThreshold = c.Store.ClusterThreshold

	ec.Lifecycle = engine.LifecycleConfig{
		ReinforcedAccessCount:     c.Lifecycle.ReinforcedAccessCount,
		CrystallizedReinforcement: c.Lifecycle.CrystallizedReinforcement,
		FadingAfter:               c.Lifecycle.FadingAfter,
		DormantAfter:              c.Lifecycle.DormantAfter,
	}

	ec.Guard = storage.GuardConfig{
		Timeout:             c.Storage.OperationTimeout,
		MaxFailures:         uint32(c.Storage.BreakerMaxFailures),
		OpenTimeout:         c.Storage.BreakerOpenTimeout,
		HalfOpenMaxRequests: ec.Guard.HalfOpenMaxRequests,
	}

	return ec
}

// DatabasePath returns the SQLite file path inside DataPath.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataPath, DatabaseFile)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("30s", "5m") or
// returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
