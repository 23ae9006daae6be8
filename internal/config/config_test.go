// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
database_url: postgres://agent@db/homelab
notify_channel: telemetry
metrics_addr: ":9191"
sources:
  docker_endpoint: /var/run/docker.sock
  zpool_targets:
    - root@pve1
    - backup@pve2:2222
  proxmox_endpoint: https://pve1:8006
intervals:
  poll_interval: 5s
  throttle_interval: 500ms
  stale_after: 20s
  max_attempts: 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres://agent@db/homelab", cfg.DatabaseURL)
	assert.Equal(t, ":9191", cfg.MetricsAddr)
	assert.Equal(t, "/var/run/docker.sock", cfg.Sources.DockerEndpoint)
	assert.Equal(t, []string{"root@pve1", "backup@pve2:2222"}, cfg.Sources.ZpoolTargets)
	assert.Equal(t, 5*time.Second, cfg.Intervals.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Intervals.ThrottleInterval)
	assert.Equal(t, uint(4), cfg.Intervals.MaxAttempts)

	// Unspecified intervals keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Intervals.BackoffCap)
	assert.Equal(t, 5*time.Minute, cfg.Intervals.PoolIdleTTL)
	assert.Equal(t, "samples", cfg.SamplesTable)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HM_DATABASE_URL", "postgres://override@other/db")
	t.Setenv("HM_METRICS_ADDR", ":7777")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "postgres://override@other/db", cfg.DatabaseURL)
	assert.Equal(t, ":7777", cfg.MetricsAddr)
}

func TestLoadNoFileRequiresEnv(t *testing.T) {
	_, err := Load("")
	require.Error(t, err, "defaults alone have no database")

	t.Setenv("HM_DATABASE_URL", "postgres://agent@db/homelab")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "telemetry", cfg.NotifyChannel)
}

func TestLoadRejectsBadIntervals(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://agent@db/homelab
intervals:
  backoff_base: 1m
  backoff_cap: 1s
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "backoff_base")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatchDeliversReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	var mu sync.Mutex
	var got []Config
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, Watch(ctx, testr.New(t), path, func(c Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}))

	updated := sampleConfig + "\nsamples_table: samples_v2\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].SamplesTable == "samples_v2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchKeepsPreviousOnBadFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	var mu sync.Mutex
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, Watch(ctx, testr.New(t), path, func(Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o644))
	time.Sleep(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls, "a broken file must not reach onChange")
}
