// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package source_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaredglaser/homelab-manager-sub000/internal/source"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

const statsRecord = `{"id":"abc123","name":"/web","read":"2026-08-29T10:00:00.000000000Z",` +
	`"cpu_stats":{"cpu_usage":{"total_usage":4000000000},"system_cpu_usage":20000000000,"online_cpus":4},` +
	`"precpu_stats":{"cpu_usage":{"total_usage":3800000000},"system_cpu_usage":16000000000},` +
	`"memory_stats":{"usage":536870912,"limit":1073741824},` +
	`"networks":{"eth0":{"rx_bytes":1000,"tx_bytes":500},"eth1":{"rx_bytes":200,"tx_bytes":100}},` +
	`"blkio_stats":{"io_service_bytes_recursive":[{"op":"Read","value":4096},{"op":"Write","value":8192}]}}`

func openerFor(text string) source.StreamOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(text)), nil
	}
}

func TestDockerSource_DecodesStatsRecord(t *testing.T) {
	s := source.NewDockerSource(testr.New(t), openerFor(statsRecord+"\n"), nil)
	defer s.Close()

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	select {
	case sample := <-ch:
		assert.Equal(t, "abc123", sample.EntityID)
		assert.Equal(t, pipeline.SourceDocker, sample.Source)
		assert.Equal(t, float64(4000000000), sample.Counters["cpu_total_ns"])
		assert.Equal(t, float64(1200), sample.Counters["rx_bytes"], "per-interface counters are summed")
		assert.Equal(t, float64(600), sample.Counters["tx_bytes"])
		assert.Equal(t, float64(4096), sample.Counters["blk_read_bytes"])
		assert.Equal(t, float64(8192), sample.Counters["blk_write_bytes"])
		assert.Equal(t, float64(536870912), sample.Gauges["mem_used"])
		assert.Equal(t, float64(50), sample.Gauges["mem_percent"])
		assert.InDelta(t, 20.0, sample.Gauges["cpu_percent"], 1e-9, "busy delta over system delta, scaled by cores")
		assert.Equal(t, float64(4), sample.Gauges["online_cpus"])
		assert.Equal(t, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC).UnixMilli(), sample.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no sample emitted")
	}
}

func TestDockerSource_FirstRecordHasNoCPUPercent(t *testing.T) {
	// The engine zeroes precpu_stats on the first record of a stream.
	text := `{"id":"abc123","cpu_stats":{"cpu_usage":{"total_usage":4000000000},"system_cpu_usage":20000000000,"online_cpus":4}}` + "\n"
	s := source.NewDockerSource(testr.New(t), openerFor(text), nil)
	defer s.Close()

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	select {
	case sample := <-ch:
		_, present := sample.Gauges["cpu_percent"]
		assert.False(t, present, "no utilization gauge without a previous interval")
	case <-time.After(time.Second):
		t.Fatal("no sample emitted")
	}
}

func TestDockerSource_BadJSONSkipped(t *testing.T) {
	text := "not json at all\n" + statsRecord + "\n"
	s := source.NewDockerSource(testr.New(t), openerFor(text), nil)
	defer s.Close()

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	select {
	case sample := <-ch:
		assert.Equal(t, "abc123", sample.EntityID, "valid record after a bad line still arrives")
	case <-time.After(time.Second):
		t.Fatal("no sample emitted")
	}
}

func TestDockerSource_MissingIDSkipped(t *testing.T) {
	text := `{"name":"/anon"}` + "\n"
	s := source.NewDockerSource(testr.New(t), openerFor(text), nil)
	defer s.Close()

	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "record without an entity id must not be emitted")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}
