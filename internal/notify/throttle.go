// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package notify

import "time"

// throttleEntry is the per-key throttle window. timer != nil means the window
// is open; updates arriving while it is open are coalesced into latest and
// delivered when the window closes.
type throttleEntry struct {
	timer   *time.Timer
	pending bool
	latest  Update
}

// publish delivers u through the per-key throttle: the first update in a
// quiet period fans out immediately, a burst inside the window collapses to
// one trailing delivery carrying the newest payload. The final state of a
// burst is never dropped.
func (s *Service) publish(u Update) {
	s.mu.Lock()
	s.lastSeen[u.Key] = time.Now()
	s.stale[u.Key] = false
	s.latest[u.Key] = u

	e := s.throttle[u.Key]
	if e == nil {
		e = &throttleEntry{}
		s.throttle[u.Key] = e
	}
	if e.timer != nil {
		e.pending = true
		e.latest = u
		s.mu.Unlock()
		return
	}
	key := u.Key
	e.timer = time.AfterFunc(s.cfg.ThrottleInterval, func() { s.windowClosed(key) })
	s.mu.Unlock()

	s.fanOut(u)
}

// windowClosed fires when a key's throttle window elapses. If a burst was
// coalesced it delivers the newest payload and opens the next window;
// otherwise the key returns to quiet.
func (s *Service) windowClosed(key string) {
	s.mu.Lock()
	e := s.throttle[key]
	if e == nil {
		s.mu.Unlock()
		return
	}
	if !e.pending {
		e.timer = nil
		s.mu.Unlock()
		return
	}
	u := e.latest
	e.pending = false
	e.timer = time.AfterFunc(s.cfg.ThrottleInterval, func() { s.windowClosed(key) })
	s.mu.Unlock()

	s.fanOut(u)
}

// fanOut invokes every handler registered for the update's key. Handlers are
// snapshotted under the lock and called outside it.
func (s *Service) fanOut(u Update) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subs[u.Key]))
	for _, fn := range s.subs[u.Key] {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	s.metrics.IncFanOuts(u.Key)
	for _, fn := range handlers {
		fn(u)
	}
}
