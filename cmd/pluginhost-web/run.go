// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgehost/pluginhost/internal/config"
	"github.com/forgehost/pluginhost/internal/lifecycle"
	"github.com/forgehost/pluginhost/internal/logging"
	"github.com/forgehost/pluginhost/internal/observability"
	"github.com/forgehost/pluginhost/internal/routeregistry"
)

func runWeb(cmd *cobra.Command, cfg *webConfig) error {
	logFormat, _ := cmd.Flags().GetString("log-format")
	logging.SetDefault("pluginhost-web", version, logFormat)

	appCfg, err := config.Load(cfg.configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	listenAddr, _ := cmd.Flags().GetString("listen_addr")

	slog.Info("starting web plugin host",
		"plugins_directory", appCfg.PluginsDirectory,
		"enable_hot_swap", appCfg.EnableHotSwap,
		"grace_period_seconds", appCfg.GracePeriod,
		"listen_addr", listenAddr,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsAddr, _ := cmd.Flags().GetString("metrics_addr")
	var ready atomic.Bool
	obsServer := observability.NewServer(metricsAddr, ready.Load)
	if _, err := obsServer.Start(); err != nil {
		return fmt.Errorf("start observability server: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = obsServer.Stop(stopCtx)
	}()

	registry := routeregistry.New()
	mgr := lifecycle.NewManager(appCfg.PluginsDirectory,
		lifecycle.WithRouteRegistry(registry),
		lifecycle.WithHotSwap(appCfg.EnableHotSwap),
		lifecycle.WithGracePeriod(time.Duration(appCfg.GracePeriod)*time.Second),
		lifecycle.WithMetricsRecorder(obsServer.Metrics()),
	)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start plugin manager: %w", err)
	}
	ready.Store(true)

	router := newPluginRouter(registry)
	handler := withCORS(appCfg.AllowedOrigins, router)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("web plugin host listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error shutting down HTTP server", "error", err)
	}
	if err := mgr.Dispose(); err != nil && err != lifecycle.ErrAlreadyDisposed {
		slog.Warn("error disposing plugin manager", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
