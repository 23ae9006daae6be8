// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
	"github.com/jaredglaser/homelab-manager-sub000/internal/pool"
	"github.com/jaredglaser/homelab-manager-sub000/internal/zfs"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

// defaultIostatCommand streams verbose per-vdev statistics once per second.
const defaultIostatCommand = "zpool iostat -v 1"

// ZpoolSource streams `zpool iostat -v` over a pooled SSH connection and
// emits one raw sample per parsed row. Rows arrive in strict depth order per
// host, which lets the source assemble hierarchical paths ("tank",
// "tank/mirror-0", "tank/mirror-0/sda") as it scans; downstream the
// order-independent hierarchy builder reassembles the tree.
type ZpoolSource struct {
	logger  logr.Logger
	pool    *pool.Pool
	target  string
	command string
	metrics *metrics.Pipeline

	mu      sync.Mutex
	release func()
	cancel  context.CancelFunc
	lastErr error
}

func NewZpoolSource(logger logr.Logger, p *pool.Pool, target string, m *metrics.Pipeline) *ZpoolSource {
	return &ZpoolSource{
		logger:  logger.WithName("zpool").WithValues("target", target),
		pool:    p,
		target:  target,
		command: defaultIostatCommand,
		metrics: m,
	}
}

// SetCommand overrides the remote iostat invocation. Must be called before
// Start.
func (s *ZpoolSource) SetCommand(cmd string) {
	if cmd != "" {
		s.command = cmd
	}
}

func (s *ZpoolSource) Name() string {
	return string(pipeline.SourceZpool) + ":" + s.target
}

func (s *ZpoolSource) Start(ctx context.Context) (<-chan pipeline.RawSample, error) {
	handle, err := s.pool.Get(ctx, s.target)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for %s: %w", s.target, err)
	}

	streamer, ok := handle.Conn().(pool.Streamer)
	if !ok {
		return nil, fmt.Errorf("connection to %s cannot stream commands", s.target)
	}

	// The stream is a long-lived operation; the lease keeps the handle out
	// of the idle sweep until Close.
	release := handle.Lease()

	streamCtx, cancel := context.WithCancel(ctx)
	rc, err := streamer.StreamCommand(streamCtx, s.command)
	if err != nil {
		release()
		cancel()
		return nil, fmt.Errorf("starting iostat stream: %w", err)
	}

	s.mu.Lock()
	s.release = release
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan pipeline.RawSample)
	go func() {
		defer close(out)
		defer rc.Close()

		parser := zfs.NewParser(s.logger)
		var curRoot, curBranch string

		err := ScanLines(streamCtx, rc, s.logger, func(line string) error {
			rec, ok := parser.ParseLine(line)
			if !ok {
				return nil
			}

			path, ok := s.assemblePath(rec, &curRoot, &curBranch)
			if !ok {
				return nil
			}

			s.metrics.IncIngested(string(pipeline.SourceZpool))
			sample := s.toSample(rec, path)
			select {
			case out <- sample:
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
			return nil
		})
		if err != nil && streamCtx.Err() == nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.logger.Error(err, "iostat stream ended")
		}
	}()
	return out, nil
}

// assemblePath derives the hierarchical key for a row from its indentation
// depth and the most recent shallower rows. A row deeper than any open pool
// is a parse artifact and is skipped.
func (s *ZpoolSource) assemblePath(rec *zfs.Record, curRoot, curBranch *string) (string, bool) {
	switch rec.Depth {
	case 0:
		*curRoot = rec.Name
		*curBranch = ""
		return rec.Name, true
	case 1:
		if *curRoot == "" {
			s.logger.V(1).Info("vdev row before any pool row, skipping", "name", rec.Name)
			return "", false
		}
		*curBranch = rec.Name
		return *curRoot + "/" + rec.Name, true
	default:
		if *curRoot == "" {
			s.logger.V(1).Info("disk row before any pool row, skipping", "name", rec.Name)
			return "", false
		}
		if *curBranch == "" {
			return *curRoot + "/" + rec.Name, true
		}
		return *curRoot + "/" + *curBranch + "/" + rec.Name, true
	}
}

// toSample converts a parsed row. iostat interval output already carries
// per-interval figures, so the values land in Gauges rather than Counters;
// the rate calculator has nothing to derive for this source.
func (s *ZpoolSource) toSample(rec *zfs.Record, path string) pipeline.RawSample {
	return pipeline.RawSample{
		EntityID:  s.target + ":" + path,
		Path:      path,
		Depth:     rec.Depth,
		Timestamp: nowMilli(),
		Gauges: map[string]float64{
			"alloc_bytes":     rec.Alloc,
			"free_bytes":      rec.Free,
			"read_ops":        rec.ReadOps,
			"write_ops":       rec.WriteOps,
			"read_bytes_sec":  rec.ReadBW,
			"write_bytes_sec": rec.WriteBW,
		},
		Source: pipeline.SourceZpool,
	}
}

func (s *ZpoolSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return nil
}

func (s *ZpoolSource) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
