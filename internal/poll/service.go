// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package poll implements the pull side of the fan-out: fixed-interval
// polling shared by all subscribers of a key, with a refcounted timer per
// key.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

const DefaultInterval = 10 * time.Second

// Fetcher retrieves the current snapshots for a key.
type Fetcher func(ctx context.Context, key string) ([]pipeline.RateSnapshot, error)

// Result is one poll cycle's outcome: the fetched snapshots and, for
// hierarchical sources, the assembled entity trees.
type Result struct {
	Key       string
	Snapshots []pipeline.RateSnapshot

	// Trees holds the snapshots assembled into rooted hierarchies. Nil when
	// every snapshot is flat.
	Trees []*pipeline.Node
}

// Handler receives poll results. Handlers run on service goroutines and must
// not block.
type Handler func(Result)

// entry is the shared state for one polled key. One timer serves every
// subscriber of the key.
type entry struct {
	subs      map[int64]Handler
	cached    Result
	hasCached bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Service polls on behalf of subscribers. The first subscriber of a key
// triggers an immediate fetch and starts the key's timer; later subscribers
// share both and are served the cached result synchronously; the last
// unsubscribe stops the timer and drops the cache.
type Service struct {
	logger  logr.Logger
	fetch   Fetcher
	metrics *metrics.Pipeline
	builder *pipeline.HierarchyBuilder

	mu       sync.Mutex
	interval time.Duration
	entries  map[string]*entry
	nextSub  int64
	closed   bool
}

func NewService(logger logr.Logger, fetch Fetcher, interval time.Duration, m *metrics.Pipeline) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		logger:   logger.WithName("poll"),
		fetch:    fetch,
		interval: interval,
		metrics:  m,
		builder:  pipeline.NewHierarchyBuilder(logger),
		entries:  make(map[string]*entry),
	}
}

// Subscribe registers fn for key and returns its unsubscribe function.
func (s *Service) Subscribe(key string, fn Handler) func() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextSub
	s.nextSub++

	e, ok := s.entries[key]
	if ok {
		e.subs[id] = fn
		cached, hasCached := e.cached, e.hasCached
		s.mu.Unlock()

		s.metrics.AddSubscribers(1)
		if hasCached {
			fn(cached)
		}
		return s.unsubscriber(key, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e = &entry{
		subs:   map[int64]Handler{id: fn},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.entries[key] = e
	s.mu.Unlock()

	s.metrics.AddSubscribers(1)
	go s.loop(ctx, key, e.done)
	return s.unsubscriber(key, id)
}

func (s *Service) unsubscriber(key string, id int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e, ok := s.entries[key]
			if !ok {
				s.mu.Unlock()
				return
			}
			delete(e.subs, id)
			var done chan struct{}
			if len(e.subs) == 0 {
				e.cancel()
				done = e.done
				delete(s.entries, key)
			}
			s.mu.Unlock()

			s.metrics.AddSubscribers(-1)
			if done != nil {
				<-done
			}
		})
	}
}

// SetInterval changes the poll cadence. Running timers pick it up after
// their next tick.
func (s *Service) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func (s *Service) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Close stops every key's timer and drops all subscriptions.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := s.entries
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		<-e.done
	}
}

// Active reports how many keys currently have a running timer.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Service) loop(ctx context.Context, key string, done chan struct{}) {
	defer close(done)

	s.poll(ctx, key)

	interval := s.currentInterval()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.poll(ctx, key)
			if d := s.currentInterval(); d != interval {
				interval = d
				t.Reset(interval)
			}
		}
	}
}

// poll fetches once and broadcasts. A failed cycle is logged and swallowed,
// the cached value keeps serving new subscribers until the next success.
func (s *Service) poll(ctx context.Context, key string) {
	snapshots, err := s.fetch(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(err, "poll cycle failed", "key", key)
		}
		return
	}
	res := s.newResult(key, snapshots)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.cached = res
	e.hasCached = true
	handlers := make([]Handler, 0, len(e.subs))
	for _, fn := range e.subs {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	s.metrics.IncFanOuts(key)
	for _, fn := range handlers {
		fn(res)
	}
}

// newResult packages one cycle's snapshots, assembling the entity trees when
// the snapshots carry hierarchical paths.
func (s *Service) newResult(key string, snapshots []pipeline.RateSnapshot) Result {
	res := Result{Key: key, Snapshots: snapshots}
	for _, snap := range snapshots {
		if snap.Path != "" {
			res.Trees = s.builder.Build(snapshots)
			break
		}
	}
	return res
}
