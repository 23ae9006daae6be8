// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package notify implements the push side of the fan-out: a LISTEN/NOTIFY
// backed subscription service that loads full state on connect, reconnects
// with exponential backoff, and throttles bursts per source key.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
	"github.com/jaredglaser/homelab-manager-sub000/internal/store"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

// ErrMaxAttempts is returned when reconnecting exhausted the attempt budget.
// The service is stopped at that point and must be started again explicitly.
var ErrMaxAttempts = errors.New("notify: reconnect attempts exhausted")

const (
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffCap       = 30 * time.Second
	DefaultMaxAttempts      = 10
	DefaultThrottleInterval = 1 * time.Second
	DefaultStaleAfter       = 15 * time.Second
)

// State is the lifecycle phase of the service.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateListening
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Update is what subscribers receive: the latest snapshots for one source
// key, with the assembled entity trees for hierarchical sources. Stale marks
// payloads re-delivered because no fresh data arrived within the staleness
// threshold.
type Update struct {
	Key       string
	Snapshots []pipeline.RateSnapshot

	// Trees holds the snapshots assembled into rooted hierarchies
	// (pool→vdev→disk, node→guest). Nil when every snapshot is flat.
	Trees []*pipeline.Node

	Stale bool
}

// Handler receives updates for a subscribed key. Handlers run on service
// goroutines and must not block.
type Handler func(Update)

// Config holds the tunables. Zero values fall back to the defaults above.
type Config struct {
	// Channel is the notification channel to LISTEN on.
	Channel string

	// Sources are the source kinds to seed and serve.
	Sources []pipeline.SourceKind

	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxAttempts      uint
	ThrottleInterval time.Duration

	// StaleAfter marks cached payloads stale when no fresh update arrived
	// within this window. Zero disables staleness tracking.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = DefaultThrottleInterval
	}
	return c
}

type startFlight struct {
	done chan struct{}
	err  error
}

// Service pushes repository state to subscribers when the database announces
// a change. One instance serves all source keys.
type Service struct {
	logger   logr.Logger
	repo     store.Repository
	listener store.Listener
	cfg      Config
	metrics  *metrics.Pipeline
	builder  *pipeline.HierarchyBuilder

	mu       sync.Mutex
	state    State
	flight   *startFlight
	lastErr  error
	cancel   context.CancelFunc
	runDone  chan struct{}
	subs     map[string]map[int64]Handler
	nextSub  int64
	throttle map[string]*throttleEntry
	latest   map[string]Update
	lastSeen map[string]time.Time
	stale    map[string]bool
}

func NewService(logger logr.Logger, repo store.Repository, listener store.Listener, cfg Config, m *metrics.Pipeline) *Service {
	return &Service{
		logger:   logger.WithName("notify"),
		repo:     repo,
		listener: listener,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		builder:  pipeline.NewHierarchyBuilder(logger),
		subs:     make(map[string]map[int64]Handler),
		throttle: make(map[string]*throttleEntry),
		latest:   make(map[string]Update),
		lastSeen: make(map[string]time.Time),
		stale:    make(map[string]bool),
	}
}

// Start brings the service to Listening. It is idempotent: calling it while
// running is a no-op, and concurrent callers during startup share the single
// in-flight attempt and its result.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.flight != nil {
		f := s.flight
		s.mu.Unlock()
		<-f.done
		return f.err
	}
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}

	f := &startFlight{done: make(chan struct{})}
	s.flight = f
	s.state = StateConnecting
	s.lastErr = nil
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	events, err := s.connect(runCtx)

	s.mu.Lock()
	s.flight = nil
	if err != nil {
		s.state = StateStopped
		s.lastErr = err
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		f.err = err
		close(f.done)
		return err
	}
	s.state = StateListening
	done := make(chan struct{})
	s.runDone = done
	s.mu.Unlock()

	go s.run(runCtx, events, done)
	close(f.done)
	return nil
}

// Stop cancels the run loop and waits for it to exit. Safe to call multiple
// times and from any state.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.runDone
	s.cancel = nil
	s.runDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Subscribe registers fn for updates on key and returns its unsubscribe
// function. If a cached update exists it is delivered synchronously so late
// subscribers do not wait for the next change.
func (s *Service) Subscribe(key string, fn Handler) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int64]Handler)
	}
	s.subs[key][id] = fn
	cached, seeded := s.latest[key]
	s.mu.Unlock()

	s.metrics.AddSubscribers(1)
	if seeded {
		fn(cached)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[key], id)
			s.mu.Unlock()
			s.metrics.AddSubscribers(-1)
		})
	}
}

// SetThrottleInterval changes the per-key throttle window. Open windows
// finish at their old length; new windows use the updated one.
func (s *Service) SetThrottleInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.ThrottleInterval = d
	s.mu.Unlock()
}

// State reports the current lifecycle phase.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError reports why the service stopped, if it stopped on error.
func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// connect establishes the listen channel and seeds subscribers with the full
// current state, retrying with exponential backoff. A fresh backoff is built
// per call so a successful connect resets the retry budget.
func (s *Service) connect(ctx context.Context) (<-chan store.Event, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.BackoffBase
	exp.MaxInterval = s.cfg.BackoffCap

	events, err := backoff.Retry(ctx, func() (<-chan store.Event, error) {
		ch, retryErr := s.listener.Listen(ctx, s.cfg.Channel)
		if retryErr != nil {
			s.logger.Error(retryErr, "failed to establish listen channel, retrying...")
			s.metrics.IncReconnects()
			return nil, retryErr
		}
		return ch, nil
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(s.cfg.MaxAttempts))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrMaxAttempts, err)
	}

	s.loadAll(ctx)
	return events, nil
}

// loadAll publishes the latest stored state for every configured source.
// Load failures are logged per source; the others still seed.
func (s *Service) loadAll(ctx context.Context) {
	for _, kind := range s.cfg.Sources {
		snapshots, err := s.repo.Latest(ctx, kind)
		if err != nil {
			s.logger.Error(err, "initial state load failed", "source", kind)
			continue
		}
		s.publish(s.newUpdate(string(kind), snapshots))
	}
}

// newUpdate packages snapshots for fan-out, assembling the entity trees when
// the snapshots carry hierarchical paths. Flat sources get Trees == nil.
func (s *Service) newUpdate(key string, snapshots []pipeline.RateSnapshot) Update {
	u := Update{Key: key, Snapshots: snapshots}
	for _, snap := range snapshots {
		if snap.Path != "" {
			u.Trees = s.builder.Build(snapshots)
			break
		}
	}
	return u
}

func (s *Service) run(ctx context.Context, events <-chan store.Event, done chan struct{}) {
	defer close(done)
	defer s.shutdown()

	var staleTick <-chan time.Time
	if s.cfg.StaleAfter > 0 {
		t := time.NewTicker(s.cfg.StaleAfter / 2)
		defer t.Stop()
		staleTick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTick:
			s.markStale()
		case ev, ok := <-events:
			if !ok {
				s.setState(StateDisconnected)
				s.logger.Info("listen channel lost, reconnecting")
				s.setState(StateConnecting)
				var err error
				events, err = s.connect(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Error(err, "reconnect gave up")
						s.mu.Lock()
						s.lastErr = err
						s.mu.Unlock()
					}
					return
				}
				s.setState(StateListening)
				continue
			}
			s.handleEvent(ctx, ev)
		}
	}
}

// handleEvent reloads the state the notification points at. The payload is a
// hint naming the source key; the data itself always comes from the table.
func (s *Service) handleEvent(ctx context.Context, ev store.Event) {
	kind := pipeline.SourceKind(ev.Payload)
	if !s.knownSource(kind) {
		s.logger.V(2).Info("notification for unknown source", "payload", ev.Payload)
		return
	}
	snapshots, err := s.repo.Latest(ctx, kind)
	if err != nil {
		s.logger.Error(err, "reload after notification failed", "source", kind)
		return
	}
	s.publish(s.newUpdate(string(kind), snapshots))
}

func (s *Service) knownSource(kind pipeline.SourceKind) bool {
	for _, k := range s.cfg.Sources {
		if k == kind {
			return true
		}
	}
	return false
}

// markStale re-delivers cached payloads flagged stale for keys that have not
// seen a fresh update within StaleAfter. Each key is flagged once per gap.
func (s *Service) markStale() {
	now := time.Now()
	var due []Update

	s.mu.Lock()
	for key, seen := range s.lastSeen {
		if s.stale[key] || !pipeline.StaleAfter(seen.UnixMilli(), now, s.cfg.StaleAfter) {
			continue
		}
		s.stale[key] = true
		u := s.latest[key]
		u.Stale = true
		due = append(due, u)
	}
	s.mu.Unlock()

	for _, u := range due {
		s.fanOut(u)
	}
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// shutdown runs when the loop exits for any reason.
func (s *Service) shutdown() {
	s.mu.Lock()
	s.state = StateStopped
	s.cancel = nil
	s.runDone = nil
	for _, e := range s.throttle {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.pending = false
	}
	s.mu.Unlock()
}
