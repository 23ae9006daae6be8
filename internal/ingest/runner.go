// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package ingest drives the pipeline: it drains the merged sample stream,
// turns cumulative counters into rates, and persists the results in batches.
package ingest

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
	"github.com/jaredglaser/homelab-manager-sub000/internal/store"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

const (
	// defaultFlushInterval bounds how stale a buffered snapshot can get.
	defaultFlushInterval = 1 * time.Second

	// defaultBatchSize bounds memory when sources burst.
	defaultBatchSize = 256

	// defaultExpiry is how long an entity can go silent before its rate
	// baseline is dropped. A container that restarts inside this window
	// would otherwise produce a counter-reset artifact.
	defaultExpiry = 2 * time.Minute
)

// Runner consumes raw samples, computes rates, and writes batches to the
// repository.
type Runner struct {
	logger  logr.Logger
	calc    *pipeline.RateCalculator
	repo    store.Repository
	metrics *metrics.Pipeline

	flushInterval time.Duration
	batchSize     int
	expiry        time.Duration
}

type Option func(*Runner)

func WithFlushInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithExpiry sets how long a silent entity keeps its rate baseline.
func WithExpiry(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.expiry = d
		}
	}
}

func NewRunner(logger logr.Logger, calc *pipeline.RateCalculator, repo store.Repository, m *metrics.Pipeline, opts ...Option) *Runner {
	r := &Runner{
		logger:        logger.WithName("ingest"),
		calc:          calc,
		repo:          repo,
		metrics:       m,
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		expiry:        defaultExpiry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains samples until the channel closes or ctx is cancelled, whichever
// comes first. The final partial batch is flushed on the way out.
func (r *Runner) Run(ctx context.Context, samples <-chan pipeline.RawSample) error {
	batch := make([]pipeline.RateSnapshot, 0, r.batchSize)
	lastSeen := make(map[string]time.Time)

	flush := time.NewTicker(r.flushInterval)
	defer flush.Stop()
	expire := time.NewTicker(r.expiry / 2)
	defer expire.Stop()

	defer func() {
		if len(batch) > 0 {
			r.write(batch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-samples:
			if !ok {
				return nil
			}
			// Ingestion is counted at the source adapters; this side
			// counts what made it through rate computation.
			r.metrics.IncProcessed(string(s.Source))
			lastSeen[s.EntityID] = time.Now()
			batch = append(batch, r.calc.Calculate(s.EntityID, s))
			if len(batch) >= r.batchSize {
				r.write(batch)
				batch = batch[:0]
			}

		case <-flush.C:
			if len(batch) > 0 {
				r.write(batch)
				batch = batch[:0]
			}

		case <-expire.C:
			cutoff := time.Now().Add(-r.expiry)
			for id, seen := range lastSeen {
				if seen.Before(cutoff) {
					r.logger.V(1).Info("entity went silent, dropping rate baseline", "entity", id)
					r.calc.Remove(id)
					delete(lastSeen, id)
				}
			}
		}
	}
}

// write persists one batch. Storage failures are logged and the batch is
// dropped; the stream must keep draining regardless.
func (r *Runner) write(batch []pipeline.RateSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.repo.InsertSamples(ctx, batch); err != nil {
		r.logger.Error(err, "failed to persist batch", "size", len(batch))
	}
}
