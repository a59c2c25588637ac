// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package debounce coalesces rapid repeated triggers for the same key into
// a single delayed action, the way an editor's save-on-every-keystroke
// build step is coalesced into one rebuild.
package debounce

import (
	"sync"
	"time"
)

// entry pairs a pending timer with the generation it was scheduled at, so a
// fired action can tell whether it has since been superseded.
type entry struct {
	timer      *time.Timer
	generation uint64
}

// Debouncer schedules one delayed action per key, canceling and replacing
// any action still pending for that key.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*entry
}

// New returns a Debouncer that waits delay after the last Schedule call for
// a given key before running its action.
func New(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*entry),
	}
}

// Schedule arranges for action to run after the configured delay, canceling
// any action previously scheduled for the same key. If two Schedule calls
// race, only the later one's action ever runs.
func (d *Debouncer) Schedule(key string, action func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.pending[key]; ok {
		e.timer.Stop()
	}

	e := &entry{}
	if prior, ok := d.pending[key]; ok {
		e.generation = prior.generation + 1
	}
	gen := e.generation

	e.timer = time.AfterFunc(d.delay, func() {
		d.fire(key, gen, action)
	})
	d.pending[key] = e
}

// fire runs action only if no later Schedule or Cancel call has since
// replaced or removed this key's entry, then removes the pending entry for
// key only if it is still the current generation — a superseded timer that
// fires anyway is a no-op, and the self-removal is conditional.
func (d *Debouncer) fire(key string, generation uint64, action func()) {
	d.mu.Lock()
	e, ok := d.pending[key]
	current := ok && e.generation == generation
	d.mu.Unlock()
	if !current {
		return
	}

	action()

	d.mu.Lock()
	if e, ok := d.pending[key]; ok && e.generation == generation {
		delete(d.pending, key)
	}
	d.mu.Unlock()
}

// Cancel stops any pending action for key without running it.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.pending[key]; ok {
		e.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending reports whether key currently has an action awaiting its delay.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}
