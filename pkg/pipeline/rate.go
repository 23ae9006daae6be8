// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package pipeline

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	// msPerSecond converts millisecond timestamps to seconds
	msPerSecond = 1000

	// percentMultiplier converts fractions to percentages
	percentMultiplier = 100
)

// RateCalculator converts cumulative-counter samples into per-second rates.
//
// It keeps the previous sample per entity so that consecutive calls can
// compute counter deltas. The cache is created on first observation,
// overwritten every call, and removed explicitly when an entity disappears
// so that stopped containers and pulled disks do not accumulate.
//
// Counter rollback (current < previous) indicates a restart, not negative
// activity, so the rate is clamped to zero. A zero or negative elapsed time
// (duplicate or out-of-order timestamps) also yields zero rates.
type RateCalculator struct {
	logger logr.Logger
	mu     sync.Mutex
	prev   map[string]RawSample
}

func NewRateCalculator(logger logr.Logger) *RateCalculator {
	return &RateCalculator{
		logger: logger.WithName("rates"),
		prev:   make(map[string]RawSample),
	}
}

// Calculate derives a RateSnapshot from the current sample and the cached
// previous sample for the same entity. The first observation of an entity
// yields all-zero rates since there is no baseline.
func (c *RateCalculator) Calculate(entityID string, cur RawSample) RateSnapshot {
	c.mu.Lock()
	prev, ok := c.prev[entityID]
	c.prev[entityID] = cur
	c.mu.Unlock()

	snap := RateSnapshot{
		EntityID:  entityID,
		Path:      cur.Path,
		Depth:     cur.Depth,
		Timestamp: cur.Timestamp,
		Rates:     make(map[string]float64, len(cur.Counters)),
		Source:    cur.Source,
	}
	if len(cur.Gauges) > 0 {
		snap.Gauges = make(map[string]float64, len(cur.Gauges))
		for k, v := range cur.Gauges {
			snap.Gauges[k] = v
		}
	}

	elapsed := float64(cur.Timestamp-prev.Timestamp) / msPerSecond
	if !ok || elapsed <= 0 {
		if ok && elapsed <= 0 {
			c.logger.V(2).Info("non-positive sample interval, zeroing rates",
				"entity", entityID, "elapsed_s", elapsed)
		}
		for k := range cur.Counters {
			snap.Rates[k] = 0
		}
		return snap
	}

	for k, curVal := range cur.Counters {
		prevVal, seen := prev.Counters[k]
		if !seen {
			snap.Rates[k] = 0
			continue
		}
		delta := curVal - prevVal
		if delta < 0 {
			// Counter reset (container restart, pool re-import).
			c.logger.V(2).Info("counter rollback detected",
				"entity", entityID, "counter", k)
			snap.Rates[k] = 0
			continue
		}
		snap.Rates[k] = delta / elapsed
	}
	return snap
}

// Remove drops the cached previous sample for one entity. The next Calculate
// for that entity behaves like a first-ever observation. Other entities'
// running deltas are unaffected.
func (c *RateCalculator) Remove(entityID string) {
	c.mu.Lock()
	delete(c.prev, entityID)
	c.mu.Unlock()
}

// Clear drops the entire previous-sample cache. Used on full pipeline restart.
func (c *RateCalculator) Clear() {
	c.mu.Lock()
	c.prev = make(map[string]RawSample)
	c.mu.Unlock()
}

// Tracked reports whether an entity currently has a cached baseline.
func (c *RateCalculator) Tracked(entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.prev[entityID]
	return ok
}

// CPUPercent computes a busy-time over elapsed-time percentage scaled by the
// unit count. It generalizes to any "busy / elapsed * count" metric: both
// deltas must be in the same time unit. Guarded so it is only computed when
// elapsed is positive and busy is non-negative; the result is clamped to the
// theoretical maximum for the unit count.
func CPUPercent(busyDelta, elapsedDelta float64, units int) float64 {
	if elapsedDelta <= 0 || busyDelta < 0 || units <= 0 {
		return 0
	}
	pct := (busyDelta / elapsedDelta) * float64(units) * percentMultiplier
	if max := float64(units) * percentMultiplier; pct > max {
		pct = max
	}
	return pct
}

// UsagePercent computes an instantaneous used-over-limit percentage directly
// from the current sample, with no delta.
func UsagePercent(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	pct := (used / limit) * percentMultiplier
	if pct < 0 {
		return 0
	}
	if pct > percentMultiplier {
		pct = percentMultiplier
	}
	return pct
}

// StaleAfter reports whether a snapshot taken at ts is older than threshold
// relative to now.
func StaleAfter(ts int64, now time.Time, threshold time.Duration) bool {
	return now.Sub(time.UnixMilli(ts)) > threshold
}
