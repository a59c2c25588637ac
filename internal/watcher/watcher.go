// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package watcher normalizes fsnotify events from a plugins directory into
// the three kinds the lifecycle manager cares about: a new or changed
// artifact, a renamed-away artifact, and a removed artifact.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// EventKind is the normalized meaning of a filesystem change.
type EventKind int

const (
	// EventReload covers both a brand new artifact and an in-place rewrite
	// of an existing one; the lifecycle manager treats both the same way.
	EventReload EventKind = iota
	// EventRenamedAway fires when an artifact's old name disappears because
	// it was renamed; the manager must unload the old name unconditionally.
	EventRenamedAway
	// EventRemoved fires when an artifact is deleted outright.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventReload:
		return "reload"
	case EventRenamedAway:
		return "renamed-away"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a normalized, debounce-ready filesystem change.
type Event struct {
	Kind EventKind
	Path string
}

// Watcher wraps fsnotify for a single plugins directory.
type Watcher struct {
	fs  *fsnotify.Watcher
	dir string

	Events chan Event
	Errors chan error
}

// New starts watching dir and returns a Watcher delivering normalized
// events on its Events channel until ctx is canceled or Close is called.
func New(ctx context.Context, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", dir, err)
	}

	w := &Watcher{
		fs:     fsw,
		dir:    dir,
		Events: make(chan Event, 32),
		Errors: make(chan error, 8),
	}

	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.Events)
	defer close(w.Errors)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if kind, ok := classify(ev); ok {
				if kind == EventReload && !IsLoadableArtifact(ev.Name) {
					continue
				}
				w.Events <- Event{Kind: kind, Path: filepath.Clean(ev.Name)}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
				slog.Warn("watcher error dropped, channel full", "error", err)
			}
		}
	}
}

// classify maps an fsnotify op to a normalized EventKind. Chmod-only events
// are ignored; they never indicate a content change worth reloading over.
func classify(ev fsnotify.Event) (EventKind, bool) {
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		return EventReload, true
	case ev.Op&fsnotify.Rename != 0:
		return EventRenamedAway, true
	case ev.Op&fsnotify.Remove != 0:
		return EventRemoved, true
	default:
		return 0, false
	}
}

// IsLoadableArtifact reports whether path names a candidate plugin artifact:
// the platform's loadable-module suffix on Windows (.exe), or the
// executable bit elsewhere. It filters both the initial directory scan and
// reload events, so a README, editor swap file, or stray config dropped
// into the plugins directory is never scheduled for a load attempt. A
// renamed-away or removed path is never checked here — the file no longer
// exists to stat, and unloading an untracked path is already a no-op.
func IsLoadableArtifact(path string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(filepath.Ext(path), ".exe")
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
