// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package store defines the persistence boundary for computed telemetry and
// runtime settings, with a Postgres implementation.
package store

import (
	"context"
	"errors"

	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Event is a single change notification delivered on a listen channel.
type Event struct {
	Channel string
	Payload string
}

// Repository is the persistence surface the services depend on. Implementations
// must be safe for concurrent use.
type Repository interface {
	// InsertSamples writes a batch of computed snapshots. Empty batches are
	// a no-op.
	InsertSamples(ctx context.Context, snapshots []pipeline.RateSnapshot) error

	// Latest returns the most recent snapshot per entity for one source kind,
	// used to seed subscribers before any notification arrives.
	Latest(ctx context.Context, source pipeline.SourceKind) ([]pipeline.RateSnapshot, error)

	// Setting reads a named runtime setting. ErrNotFound if absent.
	Setting(ctx context.Context, name string) (string, error)
}

// Listener delivers change events for a named channel until ctx is done.
type Listener interface {
	Listen(ctx context.Context, channel string) (<-chan Event, error)
	Close() error
}
