// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lifecycle is the core orchestrator: it owns the watched plugins
// directory, the debouncer, the loaded-plugin registry, and (in web mode)
// the pending-disposal queue for hot-swap grace periods.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgehost/pluginhost/internal/debounce"
	"github.com/forgehost/pluginhost/internal/isolatedomain"
	"github.com/forgehost/pluginhost/internal/routepattern"
	"github.com/forgehost/pluginhost/internal/routeregistry"
	"github.com/forgehost/pluginhost/internal/watcher"
	"github.com/forgehost/pluginhost/pkg/pluginapi"
)

var tracer = otel.Tracer("pluginhost/lifecycle")

// Sentinel errors for programmatic error checking.
var (
	// ErrAlreadyDisposed is returned by operations attempted after Dispose.
	ErrAlreadyDisposed = errors.New("lifecycle: manager already disposed")
	// ErrNoCompatibleType is returned by tryLoad when a loaded domain's Kind
	// is neither Feature nor EndpointModule. An unknown kind declared over
	// RPC already fails inside isolatedomain.Load with isolatedomain.ErrTypeLoad.
	ErrNoCompatibleType = errors.New("lifecycle: plugin declared no recognized capability")
)

// defaultDebounceDelay sits in spec's 200-250ms window for coalescing
// bursty filesystem events per path.
const defaultDebounceDelay = 220 * time.Millisecond

// sweepInterval is how often the manager re-checks pendingDisposal for
// entries whose grace period has elapsed, independent of new reload events.
const sweepInterval = time.Second

// MetricsRecorder receives lifecycle events for observability wiring. A nil
// recorder (the default) means no metrics are recorded.
type MetricsRecorder interface {
	PluginLoaded(outcome string)
	PluginUnloaded(outcome string)
	SetLoadedCount(n int)
	SetPendingDisposalCount(n int)
}

// pluginHandle is the registry's per-artifact record: PluginHandle from
// the design, specialized for the subprocess-isolation translation.
type pluginHandle struct {
	canonicalPath string
	domain        *isolatedomain.Domain
	pluginName    string
	version       string
	sourcePath    string
	loadedAt      time.Time
}

// pendingEntry awaits expiry of its grace period before the old instance
// it wraps is disposed.
type pendingEntry struct {
	deadline   time.Time
	domain     *isolatedomain.Domain
	pluginName string
}

// Manager is the LifecycleManager: it drives Watcher and Debouncer, and
// orchestrates IsolatedDomain and (web mode) RouteRegistry.
type Manager struct {
	pluginsDir    string
	enableHotSwap bool
	graceSeconds  time.Duration
	debounceDelay time.Duration
	factory       isolatedomain.ClientFactory
	registry      *routeregistry.Registry
	metrics       MetricsRecorder

	debouncer *debounce.Debouncer

	// L_reg: guards loaded. Held during reload, unload, tryLoad,
	// LoadedPlugins, and Dispose.
	mu     sync.Mutex
	loaded map[string]*pluginHandle

	// L_pend: guards pendingDisposal. hotSwap acquires it while holding mu;
	// processPendingDisposals and Dispose acquire it on its own. mu is never
	// acquired while holding it.
	pendMu          sync.Mutex
	pendingDisposal []pendingEntry

	watcher *watcher.Watcher
	closed  bool
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClientFactory overrides how plugin child processes are spawned,
// the seam used to drive the manager with fakes in tests.
func WithClientFactory(f isolatedomain.ClientFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithRouteRegistry puts the manager in web mode: EndpointModule plugins
// publish their routes into r, and hot-swap grace periods apply.
func WithRouteRegistry(r *routeregistry.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithHotSwap toggles grace-period hot-swap for web mode. Console mode
// ignores this; a console reload is always an immediate swap.
func WithHotSwap(enabled bool) Option {
	return func(m *Manager) { m.enableHotSwap = enabled }
}

// WithGracePeriod sets how long a superseded instance survives
// disposable-but-undisposed after a hot-swap.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.graceSeconds = d }
}

// WithDebounceDelay overrides the default coalescing window.
func WithDebounceDelay(d time.Duration) Option {
	return func(m *Manager) { m.debounceDelay = d }
}

// WithMetricsRecorder wires the manager's load/unload events into an
// observability.Metrics (or test double).
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager builds a Manager watching pluginsDir. Web mode is enabled by
// passing WithRouteRegistry; without it the manager behaves as a console
// host (Feature plugins only, immediate swap on change).
func NewManager(pluginsDir string, opts ...Option) *Manager {
	m := &Manager{
		pluginsDir:    pluginsDir,
		enableHotSwap: true,
		graceSeconds:  30 * time.Second,
		debounceDelay: defaultDebounceDelay,
		factory:       isolatedomain.DefaultClientFactory{},
		loaded:        make(map[string]*pluginHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.debouncer = debounce.New(m.debounceDelay)
	return m
}

// Start creates the plugins directory if missing, schedules a reload for
// every artifact already present, and attaches the filesystem watcher.
// Start is idempotent only in the sense that calling it twice starts a
// second watch loop; callers should call it exactly once.
func (m *Manager) Start(ctx context.Context) error {
	if m.isClosed() {
		return ErrAlreadyDisposed
	}

	if err := os.MkdirAll(m.pluginsDir, 0o755); err != nil {
		return oops.With("plugins_dir", m.pluginsDir).Wrapf(err, "create plugins directory")
	}

	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		return oops.With("plugins_dir", m.pluginsDir).Wrapf(err, "read plugins directory")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(m.pluginsDir, e.Name())
		if !watcher.IsLoadableArtifact(path) {
			continue
		}
		m.scheduleChange(ctx, path)
	}

	w, err := watcher.New(ctx, m.pluginsDir)
	if err != nil {
		return oops.With("plugins_dir", m.pluginsDir).Wrapf(err, "start watcher")
	}
	m.watcher = w

	go m.watchLoop(ctx)
	go m.sweepLoop(ctx)
	return nil
}

func (m *Manager) scheduleChange(ctx context.Context, path string) {
	m.debouncer.Schedule(canonicalize(path), func() { m.handleChange(ctx, path) })
}

func (m *Manager) watchLoop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			switch ev.Kind {
			case watcher.EventReload:
				m.scheduleChange(ctx, ev.Path)
			case watcher.EventRenamedAway, watcher.EventRemoved:
				// Both are unconditional and immediate: a rename of the old
				// name is treated exactly like a delete, regardless of
				// whether the destination name is itself a plugin we track.
				m.unload(ev.Path)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("plugin watcher error", "error", err)
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.processPendingDisposals()
		}
	}
}

// handleChange is what the debouncer runs after Δ elapses with no further
// change for this path. Web mode with hot-swap enabled takes the
// grace-period path; everything else is an immediate swap.
func (m *Manager) handleChange(ctx context.Context, path string) {
	if m.isClosed() {
		return
	}
	if m.registry != nil && m.enableHotSwap {
		m.hotSwap(ctx, path)
		return
	}
	m.immediateSwap(ctx, path)
}

func (m *Manager) immediateSwap(ctx context.Context, path string) {
	m.unload(path)
	if err := m.tryLoad(ctx, path); err != nil {
		slog.Warn("plugin load failed", "artifact", filepath.Base(path), "error", err)
	}
}

// hotSwap implements §4.5.4: the old handle is pulled from the registry and
// its routes withdrawn immediately, but its instance is parked in
// pendingDisposal rather than disposed, so in-flight requests that already
// captured it keep running for up to graceSeconds.
func (m *Manager) hotSwap(ctx context.Context, path string) {
	canonical := canonicalize(path)

	m.mu.Lock()
	old, existed := m.loaded[canonical]
	if existed {
		delete(m.loaded, canonical)

		m.pendMu.Lock()
		m.pendingDisposal = append(m.pendingDisposal, pendingEntry{
			deadline:   time.Now().Add(m.graceSeconds),
			domain:     old.domain,
			pluginName: old.pluginName,
		})
		pending := len(m.pendingDisposal)
		m.pendMu.Unlock()
		m.recordPendingDisposalCount(pending)

		m.registry.RemovePlugin(old.pluginName)
	}
	m.mu.Unlock()

	if err := m.tryLoad(ctx, path); err != nil {
		slog.Warn("plugin reload failed", "artifact", filepath.Base(path), "error", err)
	}

	m.processPendingDisposals()
}

// tryLoad is §4.5.2: isolatedomain.Load already covers the retry-bounded
// exec and readability probe (steps 2-4, folded into the subprocess
// translation); this method covers step 5 onward — start/register, then
// install the handle, all visible as a single step or not at all.
func (m *Manager) tryLoad(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "lifecycle.tryLoad",
		trace.WithAttributes(attribute.String("plugin.artifact", filepath.Base(path))))
	defer span.End()

	domain, err := isolatedomain.Load(ctx, m.factory, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.recordLoad("failure")
		return fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var pluginName, rawVersion string
	var entries []routeregistry.Entry

	switch domain.Kind() {
	case pluginapi.KindFeature:
		pluginName = domain.Feature().Name()
		rawVersion = domain.Feature().Version()
		if err := domain.Feature().Start(); err != nil {
			_ = domain.Unload()
			m.recordLoad("failure")
			return fmt.Errorf("start %s: %w", pluginName, err)
		}

	case pluginapi.KindEndpoint:
		pluginName = domain.Endpoint().Name()
		rawVersion = domain.Endpoint().Version()
		routes, err := domain.Endpoint().Routes()
		if err != nil {
			_ = domain.Unload()
			m.recordLoad("failure")
			return fmt.Errorf("register routes for %s: %w", pluginName, err)
		}
		if pluginName == "" && len(routes) > 0 {
			pluginName = firstNonEmptySegment(routes[0].Pattern)
		}
		entries, err = compileRoutes(domain, pluginName, routes)
		if err != nil {
			_ = domain.Unload()
			m.recordLoad("failure")
			return fmt.Errorf("compile routes for %s: %w", pluginName, err)
		}

	default:
		_ = domain.Unload()
		m.recordLoad("failure")
		return fmt.Errorf("%w: artifact %s", ErrNoCompatibleType, filepath.Base(path))
	}

	version := normalizeVersion(pluginName, rawVersion)

	m.loaded[canonicalize(path)] = &pluginHandle{
		canonicalPath: canonicalize(path),
		domain:        domain,
		pluginName:    pluginName,
		version:       version,
		sourcePath:    path,
		loadedAt:      time.Now(),
	}

	span.SetAttributes(
		attribute.String("plugin.name", pluginName),
		attribute.String("plugin.version", version),
		attribute.String("plugin.kind", string(domain.Kind())),
	)

	if m.registry != nil && domain.Kind() == pluginapi.KindEndpoint {
		m.registry.AddForPlugin(pluginName, entries)
	}

	slog.Info("plugin loaded",
		"plugin", pluginName,
		"version", version,
		"artifact", filepath.Base(path),
		"kind", string(domain.Kind()))
	m.recordLoad("success")
	m.recordLoadedCount(len(m.loaded))
	return nil
}

// firstNonEmptySegment returns the first non-empty "/"-delimited segment of
// pattern, used to group an EndpointModule's routes under when the plugin
// itself declares no name.
func firstNonEmptySegment(pattern string) string {
	for _, seg := range strings.Split(pattern, "/") {
		if seg != "" {
			return seg
		}
	}
	return pattern
}

// compileRoutes turns the descriptors an EndpointModule declared into
// registry entries bound to that module's Invoke over RPC.
func compileRoutes(domain *isolatedomain.Domain, pluginName string, routes []pluginapi.RouteDescriptor) ([]routeregistry.Entry, error) {
	entries := make([]routeregistry.Entry, 0, len(routes))
	endpoint := domain.Endpoint()

	for _, r := range routes {
		pattern, err := routepattern.Compile(r.Pattern)
		if err != nil {
			return nil, err
		}
		route := r
		entries = append(entries, routeregistry.Entry{
			PluginName: pluginName,
			Method:     route.Method,
			Pattern:    pattern,
			Invoke: func(params map[string]string, body []byte) ([]byte, error) {
				return endpoint.Invoke(route, params, body)
			},
			DisplayLabel: "Plugin:" + route.Pattern,
		})
	}
	return entries, nil
}

// unload is §4.5.3: immediate, unconditional removal. If path has no
// loaded handle (e.g. the old name in a rename, or a duplicate delete
// event) this is a no-op.
func (m *Manager) unload(path string) {
	canonical := canonicalize(path)

	m.mu.Lock()
	handle, ok := m.loaded[canonical]
	if ok {
		delete(m.loaded, canonical)
	}
	loadedCount := len(m.loaded)
	m.mu.Unlock()

	if !ok {
		return
	}

	if m.registry != nil {
		m.registry.RemovePlugin(handle.pluginName)
	}

	if err := handle.domain.Unload(); err != nil {
		slog.Warn("plugin dispose failed", "plugin", handle.pluginName, "error", err)
		m.recordUnload("failure")
	} else {
		m.recordUnload("success")
	}
	m.recordLoadedCount(loadedCount)
}

// processPendingDisposals disposes every parked instance whose grace
// period has elapsed. Safe to call opportunistically (after a hot-swap) or
// periodically (sweepLoop); an empty queue is a cheap no-op.
func (m *Manager) processPendingDisposals() {
	m.pendMu.Lock()
	now := time.Now()
	due := make([]pendingEntry, 0)
	remaining := make([]pendingEntry, 0, len(m.pendingDisposal))
	for _, e := range m.pendingDisposal {
		if now.Before(e.deadline) {
			remaining = append(remaining, e)
			continue
		}
		due = append(due, e)
	}
	m.pendingDisposal = remaining
	m.pendMu.Unlock()

	m.recordPendingDisposalCount(len(remaining))
	for _, e := range due {
		if err := e.domain.Unload(); err != nil {
			slog.Warn("pending plugin dispose failed", "plugin", e.pluginName, "error", err)
			m.recordUnload("failure")
		} else {
			m.recordUnload("success")
		}
	}
}

// LoadedPlugins returns a pluginName → fileName snapshot taken under the
// registry lock.
func (m *Manager) LoadedPlugins() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.loaded))
	for _, h := range m.loaded {
		out[h.pluginName] = filepath.Base(h.sourcePath)
	}
	return out
}

// Dispose is irreversible shutdown: mark the manager closed, stop the
// watcher, then dispose every loaded instance and every queued
// pending-disposal instance regardless of deadline. A second call does
// nothing and returns ErrAlreadyDisposed.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyDisposed
	}
	m.closed = true
	handles := make([]*pluginHandle, 0, len(m.loaded))
	for _, h := range m.loaded {
		handles = append(handles, h)
	}
	m.loaded = make(map[string]*pluginHandle)
	m.mu.Unlock()

	if m.watcher != nil {
		_ = m.watcher.Close()
	}

	for _, h := range handles {
		if m.registry != nil {
			m.registry.RemovePlugin(h.pluginName)
		}
		if err := h.domain.Unload(); err != nil {
			slog.Warn("plugin dispose failed during shutdown", "plugin", h.pluginName, "error", err)
			m.recordUnload("failure")
		} else {
			m.recordUnload("success")
		}
	}

	m.pendMu.Lock()
	pending := m.pendingDisposal
	m.pendingDisposal = nil
	m.pendMu.Unlock()

	for _, e := range pending {
		if err := e.domain.Unload(); err != nil {
			slog.Warn("pending plugin dispose failed during shutdown", "plugin", e.pluginName, "error", err)
			m.recordUnload("failure")
		} else {
			m.recordUnload("success")
		}
	}

	m.recordLoadedCount(0)
	m.recordPendingDisposalCount(0)

	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) recordLoad(outcome string) {
	if m.metrics != nil {
		m.metrics.PluginLoaded(outcome)
	}
}

func (m *Manager) recordUnload(outcome string) {
	if m.metrics != nil {
		m.metrics.PluginUnloaded(outcome)
	}
}

func (m *Manager) recordLoadedCount(n int) {
	if m.metrics != nil {
		m.metrics.SetLoadedCount(n)
	}
}

func (m *Manager) recordPendingDisposalCount(n int) {
	if m.metrics != nil {
		m.metrics.SetPendingDisposalCount(n)
	}
}

// normalizeVersion parses a plugin's self-declared version as semver and
// returns its canonical string form, so "v1.2" and "1.2.0" log identically.
// A version that does not parse as semver is logged as-is with a warning;
// it never fails the load, since a malformed version string is a plugin
// hygiene issue, not a compatibility failure (that is ProtocolVersion's job).
func normalizeVersion(pluginName, raw string) string {
	if raw == "" {
		return raw
	}
	sv, err := semver.NewVersion(raw)
	if err != nil {
		slog.Warn("plugin declared version is not valid semver", "plugin", pluginName, "version", raw)
		return raw
	}
	return sv.String()
}

// canonicalize is §3's canonical path: absolute, filepath.Clean'd, and
// lower-cased on platforms whose filesystem is case-insensitive.
func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.Clean(abs)
	if runtime.GOOS == "windows" {
		abs = strings.ToLower(abs)
	}
	return abs
}
