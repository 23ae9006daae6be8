// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package pool owns long-lived stateful connections keyed by target address:
// remote shells for pool iostat, the container runtime socket, the database.
// Healthy connections are reused, idle ones are swept on a TTL, and
// concurrent creation for the same key is serialized.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
)

const (
	// DefaultIdleTTL is how long an unleased handle may sit unused before
	// the sweeper evicts it.
	DefaultIdleTTL = 5 * time.Minute

	// DefaultDialTimeout bounds connection establishment so Get fails
	// fast instead of hanging.
	DefaultDialTimeout = 10 * time.Second

	// DefaultSweepInterval is how often the idle sweeper runs.
	DefaultSweepInterval = 30 * time.Second
)

// ErrPoolClosed is returned by Get after CloseAll.
var ErrPoolClosed = errors.New("connection pool is closed")

// Conn is a pooled transport connection.
type Conn interface {
	// Connected reports whether the connection is still usable.
	Connected() bool
	Close() error
}

// Dialer establishes a new connection to a target address.
type Dialer func(ctx context.Context, target string) (Conn, error)

// State is a handle's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handle is a pooled connection shared by every caller requesting the same
// target key. It lives until explicitly closed or TTL-evicted while idle.
type Handle struct {
	ID     string
	Target string

	mu       sync.Mutex
	conn     Conn
	state    State
	lastUsed time.Time
	leases   int
}

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Lease marks the handle as having an in-flight long-lived operation, which
// exempts it from idle sweeping. The returned release function must be
// called when the operation ends.
func (h *Handle) Lease() (release func()) {
	h.mu.Lock()
	h.leases++
	h.lastUsed = time.Now()
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			h.leases--
			h.lastUsed = time.Now()
			h.mu.Unlock()
		})
	}
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// healthy reports whether the handle can be handed to another caller.
func (h *Handle) healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateReady && h.conn != nil && h.conn.Connected()
}

// idleSince reports whether the handle has been unleased and untouched since
// the cutoff.
func (h *Handle) idleSince(cutoff time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leases == 0 && h.lastUsed.Before(cutoff)
}

func (h *Handle) close() error {
	h.mu.Lock()
	if h.state == StateClosed || h.state == StateClosing {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosing
	conn := h.conn
	h.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	h.mu.Lock()
	h.state = StateClosed
	h.mu.Unlock()
	return err
}

// Pool maintains one handle per target key.
type Pool struct {
	logger  logr.Logger
	dialer  Dialer
	metrics *metrics.Pipeline

	idleTTL       time.Duration
	dialTimeout   time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	group     singleflight.Group
	done      chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

type Option func(*Pool)

func WithIdleTTL(ttl time.Duration) Option {
	return func(p *Pool) { p.idleTTL = ttl }
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(p *Pool) { p.dialTimeout = timeout }
}

func WithSweepInterval(interval time.Duration) Option {
	return func(p *Pool) { p.sweepInterval = interval }
}

func WithMetrics(m *metrics.Pipeline) Option {
	return func(p *Pool) { p.metrics = m }
}

func New(logger logr.Logger, dialer Dialer, opts ...Option) *Pool {
	p := &Pool{
		logger:        logger.WithName("pool"),
		dialer:        dialer,
		idleTTL:       DefaultIdleTTL,
		dialTimeout:   DefaultDialTimeout,
		sweepInterval: DefaultSweepInterval,
		handles:       make(map[string]*Handle),
		done:          make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.sweepLoop()

	return p
}

// Get returns a healthy handle for the target, dialing a new connection when
// none exists or the existing one reports not-connected. Concurrent callers
// for the same key share one in-flight dial.
func (p *Pool) Get(ctx context.Context, target string) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if h, ok := p.handles[target]; ok && h.healthy() {
		h.touch()
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	// Establishment is serialized per key: a second caller arriving while
	// the dial is in flight waits for the same result instead of racing
	// to create a duplicate connection.
	v, err, _ := p.group.Do(target, func() (any, error) {
		// Re-check under the flight: the first caller may already have
		// replaced the handle by the time a queued caller runs.
		p.mu.Lock()
		if h, ok := p.handles[target]; ok && h.healthy() {
			h.touch()
			p.mu.Unlock()
			return h, nil
		}
		p.mu.Unlock()

		return p.dial(ctx, target)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (p *Pool) dial(ctx context.Context, target string) (*Handle, error) {
	h := &Handle{
		ID:       uuid.NewString(),
		Target:   target,
		state:    StateConnecting,
		lastUsed: time.Now(),
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := p.dialer(dialCtx, target)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}

	h.mu.Lock()
	h.conn = conn
	h.state = StateReady
	h.lastUsed = time.Now()
	h.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = h.close()
		return nil, ErrPoolClosed
	}
	if old, ok := p.handles[target]; ok {
		// Replace a dead handle; close it out of band.
		go func() {
			if cerr := old.close(); cerr != nil {
				p.logger.Error(cerr, "closing replaced handle", "target", target)
			}
		}()
	}
	p.handles[target] = h
	n := len(p.handles)
	p.mu.Unlock()

	p.metrics.SetPooledConns(float64(n))
	p.logger.V(1).Info("established connection", "target", target, "handle", h.ID)
	return h, nil
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep evicts handles that have been idle past the TTL. Handles holding an
// active lease (an open streaming channel) are never swept regardless of
// idle time.
func (p *Pool) sweep(now time.Time) {
	cutoff := now.Add(-p.idleTTL)

	p.mu.Lock()
	var evict []*Handle
	for target, h := range p.handles {
		if h.idleSince(cutoff) {
			delete(p.handles, target)
			evict = append(evict, h)
		}
	}
	n := len(p.handles)
	p.mu.Unlock()

	for _, h := range evict {
		if err := h.close(); err != nil {
			p.logger.Error(err, "closing idle handle", "target", h.Target)
		}
		p.logger.V(1).Info("evicted idle connection", "target", h.Target, "handle", h.ID)
	}
	if len(evict) > 0 {
		p.metrics.SetPooledConns(float64(n))
	}
}

// CloseAll stops the sweeper, then releases every handle. Safe to call more
// than once. Used for graceful shutdown; sweeping is stopped first so a
// sweep pass never fires against the half-closed map.
func (p *Pool) CloseAll() error {
	var firstErr error
	p.closeOnce.Do(func() {
		close(p.done)
		<-p.sweepDone

		p.mu.Lock()
		p.closed = true
		handles := make([]*Handle, 0, len(p.handles))
		for _, h := range p.handles {
			handles = append(handles, h)
		}
		p.handles = make(map[string]*Handle)
		p.mu.Unlock()

		for _, h := range handles {
			if err := h.close(); err != nil {
				p.logger.Error(err, "closing handle", "target", h.Target)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		p.metrics.SetPooledConns(0)
	})
	return firstErr
}

// Len returns the number of handles currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}
