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
	"github.com/jaredglaser/homelab-manager-sub000/pkg/channel"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

// Mux merges N independent sources into one arrival-ordered sample stream.
//
// Each source runs on its own channel; the merge yields whichever sample is
// available first. A source that fails to start, or whose channel closes, is
// dropped from the merge without aborting its siblings. Closing the mux (or
// cancelling the start context) invokes every source's Close exactly once;
// cleanup errors are logged and swallowed so sibling cleanup still proceeds.
type Mux struct {
	logger  logr.Logger
	sources []Source
	metrics *metrics.Pipeline

	merger    *channel.Merger[pipeline.RawSample]
	started   []Source // sources that actually started, in start order
	closeOnce sync.Once
	closed    chan struct{}
}

func NewMux(logger logr.Logger, m *metrics.Pipeline, sources ...Source) *Mux {
	return &Mux{
		logger:  logger.WithName("mux"),
		sources: sources,
		metrics: m,
		closed:  make(chan struct{}),
	}
}

// Start starts every source and returns the merged channel. A source whose
// Start fails is logged and skipped. Start fails only when no source at all
// could be started. The merged channel closes when Close is called or the
// context is cancelled; both paths release every started source.
func (x *Mux) Start(ctx context.Context) (<-chan pipeline.RawSample, error) {
	chans := make([]<-chan pipeline.RawSample, 0, len(x.sources))
	for _, s := range x.sources {
		ch, err := s.Start(ctx)
		if err != nil {
			x.logger.Error(err, "source failed to start, continuing without it", "source", s.Name())
			x.metrics.IncSourceDrops(s.Name())
			// The source never started producing but may have
			// acquired resources while trying.
			if cerr := s.Close(); cerr != nil {
				x.logger.Error(cerr, "cleanup of failed source", "source", s.Name())
			}
			continue
		}
		x.started = append(x.started, s)
		chans = append(chans, ch)
	}

	if len(chans) == 0 {
		return nil, fmt.Errorf("no sources could be started")
	}

	x.merger = channel.NewMerger(chans...)

	go func() {
		select {
		case <-ctx.Done():
			x.Close()
		case <-x.closed:
		}
	}()

	x.logger.Info("started sources", "total", len(x.sources), "running", len(chans))
	return x.merger.Out(), nil
}

// Close releases every started source exactly once and shuts the merge down.
// Always returns nil: cleanup errors are logged, never propagated, so an
// abandoning consumer cannot be blocked by a broken source.
func (x *Mux) Close() error {
	x.closeOnce.Do(func() {
		close(x.closed)
		for _, s := range x.started {
			if err := s.Close(); err != nil {
				x.logger.Error(err, "source cleanup failed, continuing", "source", s.Name())
			}
		}
		if x.merger != nil {
			x.merger.Close()
		}
	})
	return nil
}
