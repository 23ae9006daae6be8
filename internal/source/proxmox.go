// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package source

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

// ClusterResource is one row of a virtualization cluster's resource
// snapshot: a node or a guest (VM/container) assigned to a node. The vendor
// HTTP client that fetches these lives outside the core.
type ClusterResource struct {
	// Type is "node" or "guest".
	Type string
	// Node is the host node name; for guests, the node the guest runs on.
	Node string
	// ID is the guest identifier (vmid); empty for node rows.
	ID string
	// Name is the display name.
	Name string

	// Cumulative counters since guest/node start.
	CPUSeconds float64
	NetIn      float64
	NetOut     float64
	DiskRead   float64
	DiskWrite  float64

	// Instantaneous values.
	MemUsed float64
	MemMax  float64
	CPUs    float64
}

// SnapshotFunc fetches the current cluster resource snapshot.
type SnapshotFunc func(ctx context.Context) ([]ClusterResource, error)

// ProxmoxSource polls a cluster snapshot on a fixed interval and flattens it
// into raw samples with node and node/guest paths. A failed poll is logged
// and skipped; the next tick tries again.
type ProxmoxSource struct {
	logger   logr.Logger
	fetch    SnapshotFunc
	interval time.Duration
	metrics  *metrics.Pipeline

	mu      sync.Mutex
	cancel  context.CancelFunc
	lastErr error
}

func NewProxmoxSource(logger logr.Logger, fetch SnapshotFunc, interval time.Duration, m *metrics.Pipeline) *ProxmoxSource {
	return &ProxmoxSource{
		logger:   logger.WithName("proxmox"),
		fetch:    fetch,
		interval: interval,
		metrics:  m,
	}
}

func (s *ProxmoxSource) Name() string { return string(pipeline.SourceProxmox) }

func (s *ProxmoxSource) Start(ctx context.Context) (<-chan pipeline.RawSample, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan pipeline.RawSample)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// First snapshot immediately; subscribers should not wait a
		// full interval for initial data.
		s.poll(runCtx, out)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.poll(runCtx, out)
			}
		}
	}()
	return out, nil
}

func (s *ProxmoxSource) poll(ctx context.Context, out chan<- pipeline.RawSample) {
	resources, err := s.fetch(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error(err, "cluster snapshot fetch failed, keeping previous data")
		return
	}

	ts := nowMilli()
	for _, res := range resources {
		sample, ok := s.toSample(res, ts)
		if !ok {
			continue
		}
		s.metrics.IncIngested(s.Name())
		select {
		case out <- sample:
		case <-ctx.Done():
			return
		}
	}
}

func (s *ProxmoxSource) toSample(res ClusterResource, ts int64) (pipeline.RawSample, bool) {
	var path string
	switch res.Type {
	case "node":
		if res.Node == "" {
			return pipeline.RawSample{}, false
		}
		path = res.Node
	case "guest":
		if res.Node == "" || res.ID == "" {
			s.logger.V(2).Info("guest row missing node or id, skipping", "name", res.Name)
			return pipeline.RawSample{}, false
		}
		path = res.Node + "/" + res.ID
	default:
		return pipeline.RawSample{}, false
	}

	return pipeline.RawSample{
		EntityID:  path,
		Path:      path,
		Depth:     pathDepthOf(path),
		Timestamp: ts,
		Counters: map[string]float64{
			"cpu_seconds":      res.CPUSeconds,
			"net_in_bytes":     res.NetIn,
			"net_out_bytes":    res.NetOut,
			"disk_read_bytes":  res.DiskRead,
			"disk_write_bytes": res.DiskWrite,
		},
		Gauges: map[string]float64{
			"mem_used":    res.MemUsed,
			"mem_max":     res.MemMax,
			"mem_percent": pipeline.UsagePercent(res.MemUsed, res.MemMax),
			"cpus":        res.CPUs,
		},
		Source: pipeline.SourceProxmox,
	}, true
}

func (s *ProxmoxSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *ProxmoxSource) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func pathDepthOf(path string) int {
	depth := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			depth++
		}
	}
	return depth
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
