// Package config loads the taskfleet configuration.
//
// Precedence: defaults, then the YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskfleet/taskfleet/circuitbreaker"
	"github.com/taskfleet/taskfleet/executor"
	"github.com/taskfleet/taskfleet/healer"
	"github.com/taskfleet/taskfleet/state"
)

// Config is the complete taskfleet configuration.
type Config struct {
	// Executor configures the parallel executor.
	Executor executor.Config `yaml:"executor"`

	// Breaker configures the per-adapter circuit breakers.
	Breaker circuitbreaker.Config `yaml:"breaker"`

	// Store selects and configures the workflow state backend.
	Store state.Config `yaml:"store"`

	// Healer configures the background healer.
	Healer HealerConfig `yaml:"healer"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// Metrics configures the prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// HealerConfig wraps the healer settings with the scan interval, which the
// daemon's ticker owns rather than the healer itself.
type HealerConfig struct {
	healer.Config `yaml:",inline"`

	// Interval between scan passes.
	Interval time.Duration `yaml:"interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Development enables console-friendly output.
	Development bool `yaml:"development"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Executor: executor.DefaultConfig(),
		Breaker:  circuitbreaker.DefaultConfig(),
		Store:    state.DefaultConfig(),
		Healer: HealerConfig{
			Config:   healer.DefaultConfig(),
			Interval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "taskfleet",
			Addr:      ":9090",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.Executor.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("executor.max_concurrent_workflows must be positive")
	}
	switch c.Store.Type {
	case state.BackendMemory, state.BackendRedis, state.BackendSQLite:
	default:
		return fmt.Errorf("unknown store type: %q", c.Store.Type)
	}
	return nil
}

// applyEnv applies TASKFLEET_* environment overrides for the settings
// operators most often tune per deployment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TASKFLEET_STORE_TYPE"); v != "" {
		cfg.Store.Type = state.BackendType(v)
	}
	if v := os.Getenv("TASKFLEET_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("TASKFLEET_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("TASKFLEET_SQLITE_PATH"); v != "" {
		cfg.Store.SQLite.Path = v
	}
	if v := os.Getenv("TASKFLEET_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxConcurrentWorkflows = n
		}
	}
	if v := os.Getenv("TASKFLEET_DEFAULT_ADAPTER"); v != "" {
		cfg.Healer.DefaultAdapter = v
	}
	if v := os.Getenv("TASKFLEET_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TASKFLEET_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}
