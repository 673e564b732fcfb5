// Package config holds the file/env/flag configuration for both node
// roles. Defaults are registered with viper so everything works with no
// config file at all; a YAML file or NEUROFLEET_* environment variables
// override them.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete neurofleet configuration.
type Config struct {
	Cortex CortexConfig `mapstructure:"cortex"`
	Worker WorkerConfig `mapstructure:"worker"`
}

// CortexConfig configures the control node.
type CortexConfig struct {
	// ListenAddr serves the control-plane websocket, the observe stream,
	// and the admin API.
	ListenAddr string `mapstructure:"listen_addr"`
	// DataDir holds the cortex's durable store (fleet cache).
	DataDir string `mapstructure:"data_dir"`
	// SeedCatalog is an optional JSON model catalog pushed to workers as
	// they register. Empty disables seeding.
	SeedCatalog string `mapstructure:"seed_catalog"`
	// PruneIntervalSeconds is how often the stale sweep runs.
	PruneIntervalSeconds int `mapstructure:"prune_interval_seconds"`
	// PruneTimeoutSeconds is how long a worker may go silent before it
	// is evicted.
	PruneTimeoutSeconds int `mapstructure:"prune_timeout_seconds"`
	// BusCapacity is the per-subscriber observe buffer size.
	BusCapacity int `mapstructure:"bus_capacity"`
	// CacheFreshMinutes bounds which workers make it into the shutdown
	// fleet snapshot.
	CacheFreshMinutes int `mapstructure:"cache_fresh_minutes"`
}

// WorkerConfig configures a neuron node.
type WorkerConfig struct {
	// ID is the stable worker identity. Empty means anonymous: the
	// worker participates but is never tracked in the fleet registry.
	ID    string `mapstructure:"id"`
	Label string `mapstructure:"label"`
	// CortexURL is the cortex control-plane websocket endpoint.
	CortexURL string `mapstructure:"cortex_url"`
	// DataDir holds the worker's durable store (model configurations).
	DataDir string `mapstructure:"data_dir"`

	HeartbeatSeconds      int `mapstructure:"heartbeat_seconds"`
	BackoffInitialSeconds int `mapstructure:"backoff_initial_seconds"`
	BackoffMaxSeconds     int `mapstructure:"backoff_max_seconds"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Cortex: CortexConfig{
			ListenAddr:           ":9100",
			DataDir:              "data/cortex",
			PruneIntervalSeconds: 30,
			PruneTimeoutSeconds:  90,
			BusCapacity:          256,
			CacheFreshMinutes:    5,
		},
		Worker: WorkerConfig{
			CortexURL:             "ws://127.0.0.1:9100/control",
			DataDir:               "data/worker",
			HeartbeatSeconds:      15,
			BackoffInitialSeconds: 1,
			BackoffMaxSeconds:     60,
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("cortex.listen_addr", defaults.Cortex.ListenAddr)
	viper.SetDefault("cortex.data_dir", defaults.Cortex.DataDir)
	viper.SetDefault("cortex.seed_catalog", defaults.Cortex.SeedCatalog)
	viper.SetDefault("cortex.prune_interval_seconds", defaults.Cortex.PruneIntervalSeconds)
	viper.SetDefault("cortex.prune_timeout_seconds", defaults.Cortex.PruneTimeoutSeconds)
	viper.SetDefault("cortex.bus_capacity", defaults.Cortex.BusCapacity)
	viper.SetDefault("cortex.cache_fresh_minutes", defaults.Cortex.CacheFreshMinutes)

	viper.SetDefault("worker.id", defaults.Worker.ID)
	viper.SetDefault("worker.label", defaults.Worker.Label)
	viper.SetDefault("worker.cortex_url", defaults.Worker.CortexURL)
	viper.SetDefault("worker.data_dir", defaults.Worker.DataDir)
	viper.SetDefault("worker.heartbeat_seconds", defaults.Worker.HeartbeatSeconds)
	viper.SetDefault("worker.backoff_initial_seconds", defaults.Worker.BackoffInitialSeconds)
	viper.SetDefault("worker.backoff_max_seconds", defaults.Worker.BackoffMaxSeconds)
}

// Load reads the configuration from viper into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field sanity.
func (c *Config) Validate() error {
	if c.Cortex.PruneTimeoutSeconds <= 0 {
		return fmt.Errorf("cortex.prune_timeout_seconds must be positive")
	}
	if c.Cortex.PruneIntervalSeconds <= 0 {
		return fmt.Errorf("cortex.prune_interval_seconds must be positive")
	}
	if c.Worker.HeartbeatSeconds <= 0 {
		return fmt.Errorf("worker.heartbeat_seconds must be positive")
	}
	if c.Worker.BackoffMaxSeconds < c.Worker.BackoffInitialSeconds {
		return fmt.Errorf("worker.backoff_max_seconds must be >= worker.backoff_initial_seconds")
	}
	return nil
}

// PruneInterval returns the prune cadence as a duration.
func (c *CortexConfig) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalSeconds) * time.Second
}

// PruneTimeout returns the heartbeat staleness limit as a duration.
func (c *CortexConfig) PruneTimeout() time.Duration {
	return time.Duration(c.PruneTimeoutSeconds) * time.Second
}

// CacheFreshness returns the fleet-cache inclusion window as a duration.
func (c *CortexConfig) CacheFreshness() time.Duration {
	return time.Duration(c.CacheFreshMinutes) * time.Minute
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// BackoffInitial returns the first reconnect delay as a duration.
func (c *WorkerConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialSeconds) * time.Second
}

// BackoffMax returns the reconnect delay cap as a duration.
func (c *WorkerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}
