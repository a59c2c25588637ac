// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability provides the HTTP endpoints a pluginhost process
// exposes for metrics and health probes, separate from the domain traffic
// served on the main listen address.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the process is ready to accept requests.
type ReadinessChecker func() bool

// Metrics holds the plugin-lifecycle gauges and counters a host publishes.
type Metrics struct {
	PluginsLoaded   prometheus.Gauge
	PluginLoads     *prometheus.CounterVec
	PluginUnloads   *prometheus.CounterVec
	PendingDisposal prometheus.Gauge
}

// NewMetrics creates and registers the pluginhost metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pluginhost_plugins_loaded",
			Help: "Number of plugin artifacts currently loaded.",
		}),
		PluginLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_plugin_loads_total",
				Help: "Total plugin load attempts by outcome.",
			},
			[]string{"outcome"},
		),
		PluginUnloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_plugin_unloads_total",
				Help: "Total plugin unloads by outcome.",
			},
			[]string{"outcome"},
		),
		PendingDisposal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pluginhost_pending_disposal",
			Help: "Number of old plugin instances parked awaiting grace-period disposal.",
		}),
	}

	reg.MustRegister(m.PluginsLoaded, m.PluginLoads, m.PluginUnloads, m.PendingDisposal)
	return m
}

// PluginLoaded satisfies lifecycle.MetricsRecorder.
func (m *Metrics) PluginLoaded(outcome string) { m.PluginLoads.WithLabelValues(outcome).Inc() }

// PluginUnloaded satisfies lifecycle.MetricsRecorder.
func (m *Metrics) PluginUnloaded(outcome string) { m.PluginUnloads.WithLabelValues(outcome).Inc() }

// SetLoadedCount satisfies lifecycle.MetricsRecorder.
func (m *Metrics) SetLoadedCount(n int) { m.PluginsLoaded.Set(float64(n)) }

// SetPendingDisposalCount satisfies lifecycle.MetricsRecorder.
func (m *Metrics) SetPendingDisposalCount(n int) { m.PendingDisposal.Set(float64(n)) }

// Server serves /metrics and /healthz on an address separate from a web
// host's plugin-route listener, so scraping it never competes with plugin
// traffic for the same port.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates an observability server listening on addr once Start is
// called. addr may be "host:port", ":port", or "host:0" to pick a free port.
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the gauges/counters for the caller to update as the
// plugin manager loads and unloads artifacts.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Start begins serving. The returned channel receives at most one error
// from the HTTP server's goroutine and is closed when it stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on, or "" if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready\n"))
}
