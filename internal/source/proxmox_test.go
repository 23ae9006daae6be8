// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package source_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaredglaser/homelab-manager-sub000/internal/source"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

func TestProxmoxSource_FlattensSnapshot(t *testing.T) {
	fetch := func(ctx context.Context) ([]source.ClusterResource, error) {
		return []source.ClusterResource{
			{Type: "node", Node: "pve1", CPUSeconds: 100, MemUsed: 8 << 30, MemMax: 32 << 30, CPUs: 16},
			{Type: "guest", Node: "pve1", ID: "101", Name: "web", NetIn: 5000, NetOut: 2000},
			{Type: "guest", Node: "pve1", Name: "orphan"}, // missing id, skipped
			{Type: "storage", Node: "pve1"},               // unknown type, skipped
		}, nil
	}

	s := source.NewProxmoxSource(testr.New(t), fetch, time.Hour, nil)
	defer s.Close()

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	var samples []pipeline.RawSample
	for i := 0; i < 2; i++ {
		select {
		case sample := <-ch:
			samples = append(samples, sample)
		case <-time.After(time.Second):
			t.Fatal("snapshot was not flattened")
		}
	}

	assert.Equal(t, "pve1", samples[0].Path)
	assert.Equal(t, 0, samples[0].Depth)
	assert.Equal(t, float64(100), samples[0].Counters["cpu_seconds"])
	assert.Equal(t, float64(25), samples[0].Gauges["mem_percent"])

	assert.Equal(t, "pve1/101", samples[1].Path)
	assert.Equal(t, 1, samples[1].Depth)
	assert.Equal(t, float64(5000), samples[1].Counters["net_in_bytes"])
	assert.Equal(t, pipeline.SourceProxmox, samples[1].Source)
}

func TestProxmoxSource_FetchFailureKeepsPolling(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) ([]source.ClusterResource, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("cluster unreachable")
		}
		return []source.ClusterResource{{Type: "node", Node: "pve1"}}, nil
	}

	s := source.NewProxmoxSource(testr.New(t), fetch, 20*time.Millisecond, nil)
	defer s.Close()

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	select {
	case sample := <-ch:
		assert.Equal(t, "pve1", sample.EntityID, "a failed poll must not stop the ticker")
	case <-time.After(2 * time.Second):
		t.Fatal("no sample after transient fetch failure")
	}
	assert.Error(t, s.LastError())
}
