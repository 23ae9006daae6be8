// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package source defines the raw-sample producers the pipeline consumes and
// the multiplexer that merges them into one stream.
package source

import (
	"context"

	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

// Source is one independent asynchronous producer of raw samples.
//
// Start begins production and returns the sample channel. The channel closes
// when the source exhausts, fails, or its context is cancelled; a source
// failure is reported through the closed channel plus LastError, never by
// panicking the consumer. Close releases the source's underlying resources
// and must be safe to call exactly once after Start.
type Source interface {
	Name() string
	Start(ctx context.Context) (<-chan pipeline.RawSample, error)
	Close() error
}

// LastErrorer is implemented by sources that retain their terminal error.
type LastErrorer interface {
	LastError() error
}
