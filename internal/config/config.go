// Package config loads the CLI configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the socketmgr-cli configuration.
type Config struct {
	// HCI is the adapter index the daemon object path is derived from.
	HCI int `yaml:"hci"`

	// ResponseLatencySecs bounds synchronous waits for daemon notifications.
	ResponseLatencySecs int `yaml:"response_latency_secs"`

	// EvictAfterSecs is the TTL for unclaimed registry entries (0 disables
	// eviction).
	EvictAfterSecs int `yaml:"evict_after_secs"`

	Log LogConfig `yaml:"log"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HCI:                 0,
		ResponseLatencySecs: 3,
		EvictAfterSecs:      60,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a yaml config file on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ResponseLatency returns the wait-bridge timeout as a duration.
func (c *Config) ResponseLatency() time.Duration {
	return time.Duration(c.ResponseLatencySecs) * time.Second
}

// EvictAfter returns the registry TTL as a duration.
func (c *Config) EvictAfter() time.Duration {
	return time.Duration(c.EvictAfterSecs) * time.Second
}
