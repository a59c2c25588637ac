// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package routeregistry tracks the HTTP routes published by loaded
// EndpointModule plugins and signals consumers (the web host's router)
// when the route set changes via a single-shot expiring change token.
package routeregistry

import (
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/forgehost/pluginhost/internal/routepattern"
)

// Entry is one published route, bound to the plugin that owns it.
type Entry struct {
	PluginName   string
	Method       string
	Pattern      *routepattern.Pattern
	Invoke       func(params map[string]string, body []byte) ([]byte, error)
	DisplayLabel string
}

// changeToken is a single-shot signal: Expired returns true exactly once
// the registry has been mutated since this token was issued.
type changeToken struct {
	id   ulid.ULID
	done chan struct{}
}

// Expired reports whether the route set has changed since this token was
// issued. It never blocks.
func (t *changeToken) Expired() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// ID returns the token's identifier, for debug logging.
func (t *changeToken) ID() string { return t.id.String() }

// Registry is the mutable set of currently published routes.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
	token   atomic.Pointer[changeToken]
}

// New returns an empty Registry with its first change token already issued.
func New() *Registry {
	r := &Registry{}
	r.token.Store(newToken())
	return r
}

func newToken() *changeToken {
	return &changeToken{id: ulid.Make(), done: make(chan struct{})}
}

// Endpoints returns a snapshot of the currently published routes. Callers
// implementing the change-token protocol must call ChangeToken first, then
// Endpoints — never the reverse — so a concurrent mutation between the two
// calls is observed as "token already expired" rather than silently missed.
func (r *Registry) Endpoints() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ChangeToken returns the token representing the registry's current state.
func (r *Registry) ChangeToken() interface{ Expired() bool } {
	return r.token.Load()
}

// AddForPlugin replaces any existing routes owned by pluginName with
// entries, then rotates the change token.
func (r *Registry) AddForPlugin(pluginName string, entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0:0]
	for _, e := range r.entries {
		if e.PluginName != pluginName {
			kept = append(kept, e)
		}
	}
	r.entries = append(kept, entries...)
	r.rotate()
}

// RemovePlugin drops every route owned by pluginName and rotates the
// change token.
func (r *Registry) RemovePlugin(pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0:0]
	for _, e := range r.entries {
		if e.PluginName != pluginName {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	r.rotate()
}

// rotate expires the current token and installs a fresh one. Callers must
// hold r.mu; the mutex is what actually makes "capture old, install new,
// expire old" race-free against a second concurrent mutation — the atomic
// pointer alone only guarantees a consistent read, not serialized writes.
func (r *Registry) rotate() {
	old := r.token.Load()
	r.token.Store(newToken())
	close(old.done)
}
