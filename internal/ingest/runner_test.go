// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

type captureRepo struct {
	mu        sync.Mutex
	snapshots []pipeline.RateSnapshot
	err       error
}

func (r *captureRepo) InsertSamples(ctx context.Context, snapshots []pipeline.RateSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.snapshots = append(r.snapshots, snapshots...)
	return nil
}

func (r *captureRepo) Latest(ctx context.Context, source pipeline.SourceKind) ([]pipeline.RateSnapshot, error) {
	return nil, nil
}

func (r *captureRepo) Setting(ctx context.Context, name string) (string, error) {
	return "", errors.New("unused")
}

func (r *captureRepo) all() []pipeline.RateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pipeline.RateSnapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

func sample(id string, ts int64, counters map[string]float64) pipeline.RawSample {
	return pipeline.RawSample{
		EntityID:  id,
		Source:    pipeline.SourceDocker,
		Timestamp: ts,
		Counters:  counters,
	}
}

func TestRunner_ComputesRatesAndPersists(t *testing.T) {
	repo := &captureRepo{}
	calc := pipeline.NewRateCalculator(testr.New(t))
	r := NewRunner(testr.New(t), calc, repo, nil)

	in := make(chan pipeline.RawSample, 4)
	in <- sample("ct-web", 1000, map[string]float64{"rx_bytes": 100})
	in <- sample("ct-web", 3000, map[string]float64{"rx_bytes": 2100})
	close(in)

	require.NoError(t, r.Run(context.Background(), in))

	got := repo.all()
	require.Len(t, got, 2)
	assert.Zero(t, got[0].Rates["rx_bytes"], "first observation has no baseline")
	assert.Equal(t, 1000.0, got[1].Rates["rx_bytes"], "2000 bytes over 2 seconds")
}

func TestRunner_FlushesOnBatchSize(t *testing.T) {
	repo := &captureRepo{}
	calc := pipeline.NewRateCalculator(testr.New(t))
	r := NewRunner(testr.New(t), calc, repo, nil,
		WithBatchSize(2), WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan pipeline.RawSample)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, in) }()

	in <- sample("a", 1000, nil)
	in <- sample("b", 1000, nil)

	assert.Eventually(t, func() bool { return len(repo.all()) == 2 },
		time.Second, time.Millisecond, "full batch must flush without waiting for the ticker")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunner_FinalPartialBatchFlushed(t *testing.T) {
	repo := &captureRepo{}
	calc := pipeline.NewRateCalculator(testr.New(t))
	r := NewRunner(testr.New(t), calc, repo, nil, WithFlushInterval(time.Hour))

	in := make(chan pipeline.RawSample, 1)
	in <- sample("a", 1000, nil)
	close(in)

	require.NoError(t, r.Run(context.Background(), in))
	assert.Len(t, repo.all(), 1)
}

func TestRunner_StorageFailureKeepsDraining(t *testing.T) {
	repo := &captureRepo{err: errors.New("db down")}
	calc := pipeline.NewRateCalculator(testr.New(t))
	r := NewRunner(testr.New(t), calc, repo, nil, WithBatchSize(1))

	in := make(chan pipeline.RawSample, 3)
	in <- sample("a", 1000, nil)
	in <- sample("b", 1000, nil)
	in <- sample("c", 1000, nil)
	close(in)

	require.NoError(t, r.Run(context.Background(), in), "insert failures must not kill the stream")
}

func TestRunner_CountsProcessedNotIngested(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewPipeline(registry)
	repo := &captureRepo{}
	calc := pipeline.NewRateCalculator(testr.New(t))
	r := NewRunner(testr.New(t), calc, repo, m)

	in := make(chan pipeline.RawSample, 2)
	in <- sample("a", 1000, nil)
	in <- sample("b", 1000, nil)
	close(in)
	require.NoError(t, r.Run(context.Background(), in))

	families, err := registry.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			counts[mf.GetName()] += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, counts["hm_snapshots_processed_total"])
	assert.Zero(t, counts["hm_samples_ingested_total"],
		"ingestion is counted at the source adapters, the runner must not double it")
}

func TestRunner_SilentEntityLosesBaseline(t *testing.T) {
	repo := &captureRepo{}
	calc := pipeline.NewRateCalculator(testr.New(t))
	r := NewRunner(testr.New(t), calc, repo, nil,
		WithExpiry(20*time.Millisecond), WithFlushInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan pipeline.RawSample)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, in) }()

	in <- sample("ct-web", 1000, map[string]float64{"rx_bytes": 100})
	require.Eventually(t, func() bool { return calc.Tracked("ct-web") },
		time.Second, time.Millisecond)

	// Entity goes silent past the expiry window: a restarted container must
	// start from a fresh baseline instead of a bogus counter-reset delta.
	assert.Eventually(t, func() bool { return !calc.Tracked("ct-web") },
		2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
