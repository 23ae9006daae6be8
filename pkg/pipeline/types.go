// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package pipeline implements the telemetry core: converting cumulative
// counter samples into per-second rates and assembling flat samples into
// typed entity hierarchies.
package pipeline

import "time"

// SourceKind identifies which collector family produced a sample.
type SourceKind string

const (
	SourceDocker  SourceKind = "docker"
	SourceZpool   SourceKind = "zpool"
	SourceProxmox SourceKind = "proxmox"
)

// RawSample is a single cumulative-counter reading from one source at one
// instant. Immutable once produced.
type RawSample struct {
	// EntityID is the stable key of the monitored thing (container id,
	// pool/vdev/disk path, node or guest id).
	EntityID string

	// Path is the slash-separated hierarchy key ("tank", "tank/mirror-0",
	// "tank/mirror-0/sda"). Empty for flat entities.
	Path string

	// Depth is the hierarchy depth as reported by the source (0 = root).
	Depth int

	// Timestamp is the collection time in milliseconds since the epoch.
	Timestamp int64

	// Counters holds cumulative counter values by metric name.
	Counters map[string]float64

	// Gauges holds instantaneous values (memory used, limits) that are
	// passed through without delta computation.
	Gauges map[string]float64

	Source SourceKind
}

// Time returns the sample timestamp as a time.Time.
func (s RawSample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// RateSnapshot is derived from two consecutive RawSamples of the same entity.
// Rates are per-second values; gauges are copied through unchanged.
type RateSnapshot struct {
	EntityID  string
	Path      string
	Depth     int
	Timestamp int64
	Rates     map[string]float64
	Gauges    map[string]float64
	Source    SourceKind
}
