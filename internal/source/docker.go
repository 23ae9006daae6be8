// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

// StreamOpener produces the raw byte stream a line-oriented source reads.
// The heavy vendor client (engine API wrapper, SSH session) lives behind
// this function; the source only frames and decodes.
type StreamOpener func(ctx context.Context) (io.ReadCloser, error)

// dockerStatsReading is the NDJSON shape the container runtime emits per
// container per second. Field names follow the engine stats API.
type dockerStatsReading struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Read string `json:"read"` // RFC3339Nano collection time

	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs     int    `json:"online_cpus"`
	} `json:"cpu_stats"`

	// PreCPUStats carries the previous interval's readings; the engine
	// includes it so a single record is enough to compute utilization.
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`

	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`

	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`

	BlkioStats struct {
		IOServiceBytes []struct {
			Op    string `json:"op"`
			Value uint64 `json:"value"`
		} `json:"io_service_bytes_recursive"`
	} `json:"blkio_stats"`
}

// DockerSource adapts a newline-delimited JSON stream of container stat
// readings into raw samples. All values stay cumulative; the rate calculator
// downstream turns them into per-second figures.
type DockerSource struct {
	logger  logr.Logger
	open    StreamOpener
	metrics *metrics.Pipeline

	mu      sync.Mutex
	rc      io.ReadCloser
	lastErr error
}

func NewDockerSource(logger logr.Logger, open StreamOpener, m *metrics.Pipeline) *DockerSource {
	return &DockerSource{
		logger:  logger.WithName("docker"),
		open:    open,
		metrics: m,
	}
}

func (s *DockerSource) Name() string { return string(pipeline.SourceDocker) }

func (s *DockerSource) Start(ctx context.Context) (<-chan pipeline.RawSample, error) {
	rc, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening container stats stream: %w", err)
	}
	s.mu.Lock()
	s.rc = rc
	s.mu.Unlock()

	out := make(chan pipeline.RawSample)
	go func() {
		defer close(out)
		err := ScanLines(ctx, rc, s.logger, func(line string) error {
			sample, err := s.decode(line)
			if err != nil {
				s.metrics.IncParseErrors(s.Name())
				return err
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.logger.Error(err, "container stats stream ended")
		}
	}()
	return out, nil
}

func (s *DockerSource) decode(line string) (pipeline.RawSample, error) {
	var r dockerStatsReading
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return pipeline.RawSample{}, fmt.Errorf("decoding stats record: %w", err)
	}
	if r.ID == "" {
		return pipeline.RawSample{}, fmt.Errorf("stats record missing container id")
	}

	ts := time.Now().UnixMilli()
	if t, err := time.Parse(time.RFC3339Nano, r.Read); err == nil {
		ts = t.UnixMilli()
	}

	counters := map[string]float64{
		"cpu_total_ns":  float64(r.CPUStats.CPUUsage.TotalUsage),
		"cpu_system_ns": float64(r.CPUStats.SystemCPUUsage),
	}
	for _, iface := range r.Networks {
		counters["rx_bytes"] += float64(iface.RxBytes)
		counters["tx_bytes"] += float64(iface.TxBytes)
	}
	for _, entry := range r.BlkioStats.IOServiceBytes {
		switch entry.Op {
		case "Read", "read":
			counters["blk_read_bytes"] += float64(entry.Value)
		case "Write", "write":
			counters["blk_write_bytes"] += float64(entry.Value)
		}
	}

	gauges := map[string]float64{
		"mem_used":    float64(r.MemoryStats.Usage),
		"mem_limit":   float64(r.MemoryStats.Limit),
		"mem_percent": pipeline.UsagePercent(float64(r.MemoryStats.Usage), float64(r.MemoryStats.Limit)),
		"online_cpus": float64(r.CPUStats.OnlineCPUs),
	}
	// The first record of a stream has a zeroed precpu block; skip the
	// utilization gauge until there is a real previous interval.
	if r.PreCPUStats.SystemCPUUsage > 0 {
		busy := float64(r.CPUStats.CPUUsage.TotalUsage) - float64(r.PreCPUStats.CPUUsage.TotalUsage)
		elapsed := float64(r.CPUStats.SystemCPUUsage) - float64(r.PreCPUStats.SystemCPUUsage)
		gauges["cpu_percent"] = pipeline.CPUPercent(busy, elapsed, r.CPUStats.OnlineCPUs)
	}

	s.metrics.IncIngested(s.Name())
	return pipeline.RawSample{
		EntityID:  r.ID,
		Timestamp: ts,
		Counters:  counters,
		Gauges:    gauges,
		Source:    pipeline.SourceDocker,
	}, nil
}

func (s *DockerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rc == nil {
		return nil
	}
	err := s.rc.Close()
	s.rc = nil
	return err
}

func (s *DockerSource) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
