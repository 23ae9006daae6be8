// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package config loads the agent configuration from YAML with environment
// overrides, and watches the file for interval changes at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full agent configuration.
type Config struct {
	// DatabaseURL is the Postgres connection string, also used by the
	// LISTEN/NOTIFY transport.
	DatabaseURL string `yaml:"database_url"`

	// SamplesTable is the destination table for computed snapshots.
	SamplesTable string `yaml:"samples_table"`

	// NotifyChannel is the Postgres channel telemetry changes are announced on.
	NotifyChannel string `yaml:"notify_channel"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	Sources   Sources   `yaml:"sources"`
	Intervals Intervals `yaml:"intervals"`
}

// Sources configures the three collector families. An empty section disables
// that family.
type Sources struct {
	// DockerEndpoint is the engine socket or host to stream stats from.
	DockerEndpoint string `yaml:"docker_endpoint"`

	// ZpoolTargets are SSH targets ("user@host:port" or an ssh_config alias)
	// to run zpool iostat on.
	ZpoolTargets []string `yaml:"zpool_targets"`

	// ZpoolCommand overrides the iostat invocation on the remote host.
	ZpoolCommand string `yaml:"zpool_command"`

	// ProxmoxEndpoint is the cluster API base URL.
	ProxmoxEndpoint string `yaml:"proxmox_endpoint"`

	// ProxmoxInterval is the cluster-resources poll cadence.
	ProxmoxInterval time.Duration `yaml:"proxmox_interval"`
}

// Intervals collects every timing tunable. All have working defaults; the
// file only needs the ones being changed. These are the settings the watcher
// re-reads on file change.
type Intervals struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	MaxAttempts      uint          `yaml:"max_attempts"`
	PoolIdleTTL      time.Duration `yaml:"pool_idle_ttl"`
	PoolDialTimeout  time.Duration `yaml:"pool_dial_timeout"`
	PoolSweep        time.Duration `yaml:"pool_sweep"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		SamplesTable:  "samples",
		NotifyChannel: "telemetry",
		MetricsAddr:   ":9090",
		Sources: Sources{
			ProxmoxInterval: 10 * time.Second,
		},
		Intervals: Intervals{
			PollInterval:     10 * time.Second,
			ThrottleInterval: 1 * time.Second,
			StaleAfter:       15 * time.Second,
			BackoffBase:      500 * time.Millisecond,
			BackoffCap:       30 * time.Second,
			MaxAttempts:      10,
			PoolIdleTTL:      5 * time.Minute,
			PoolDialTimeout:  10 * time.Second,
			PoolSweep:        30 * time.Second,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override the file without editing it.
func (c *Config) applyEnv() {
	if v := os.Getenv("HM_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("HM_NOTIFY_CHANNEL"); v != "" {
		c.NotifyChannel = v
	}
	if v := os.Getenv("HM_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("HM_DOCKER_ENDPOINT"); v != "" {
		c.Sources.DockerEndpoint = v
	}
	if v := os.Getenv("HM_PROXMOX_ENDPOINT"); v != "" {
		c.Sources.ProxmoxEndpoint = v
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (or HM_DATABASE_URL)")
	}
	if c.SamplesTable == "" {
		return fmt.Errorf("samples_table must not be empty")
	}
	if c.NotifyChannel == "" {
		return fmt.Errorf("notify_channel must not be empty")
	}
	if c.Intervals.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Intervals.BackoffBase <= 0 || c.Intervals.BackoffCap < c.Intervals.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and no greater than backoff_cap")
	}
	return nil
}
