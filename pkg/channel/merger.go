// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package channel provides fan-in plumbing for telemetry streams.
package channel

import (
	"reflect"
	"slices"
)

// Merger merges multiple input channels into a single output channel on a
// first-available-wins basis. Delivery order is guaranteed within a single
// input channel; across inputs the interleaving is whatever the scheduler
// produces. An input that closes is silently removed from the race set, so
// one finished or failed producer never stops the merge for its siblings.
type Merger[T any] struct {
	out   chan T
	addCh chan (<-chan T)
	done  chan struct{}
}

// NewMerger starts a merger over the initial input set. The output channel
// inherits the largest buffer size found among the inputs so a bursty source
// does not immediately backpressure its siblings.
func NewMerger[T any](inputs ...<-chan T) *Merger[T] {
	buf := 0
	for _, ch := range inputs {
		if cap(ch) > buf {
			buf = cap(ch)
		}
	}

	m := &Merger[T]{
		out:   make(chan T, buf),
		addCh: make(chan (<-chan T)),
		done:  make(chan struct{}),
	}

	go m.run(inputs)

	return m
}

// Add races a new input channel alongside the existing ones. Safe to call
// from multiple goroutines. Calling Add after Close panics.
func (m *Merger[T]) Add(input <-chan T) {
	m.addCh <- input
}

// Out returns the merged output channel. It closes when Close is called.
func (m *Merger[T]) Out() <-chan T {
	return m.out
}

// Close shuts the merger down and closes the output channel. Items still
// buffered in inputs are not drained. Calling Close twice panics.
func (m *Merger[T]) Close() {
	close(m.addCh)
	close(m.done)
}

func (m *Merger[T]) run(initialInputs []<-chan T) {
	defer close(m.out)

	cases := make([]reflect.SelectCase, 0, len(initialInputs)+2)
	for _, ch := range initialInputs {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(ch),
		})
	}

	// The last two cases are control channels: addCh for joining inputs,
	// done for shutdown. Input cases are inserted before them.
	cases = append(cases,
		reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(m.addCh),
		},
		reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(m.done),
		},
	)

	for {
		chosen, value, ok := reflect.Select(cases)

		switch chosen {
		case len(cases) - 1:
			// done
			return
		case len(cases) - 2:
			// addCh
			if !ok {
				return
			}
			newCase := reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(value.Interface().(<-chan T)),
			}
			cases = slices.Insert(cases, len(cases)-2, newCase)
		default:
			if !ok {
				// Input closed; drop it from the race set.
				cases = slices.Delete(cases, chosen, chosen+1)
				continue
			}
			// Sending can block on a slow consumer; an abandoned
			// consumer must still unblock shutdown.
			select {
			case m.out <- value.Interface().(T):
			case <-m.done:
				return
			}
		}
	}
}
