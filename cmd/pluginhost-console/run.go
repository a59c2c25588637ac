// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgehost/pluginhost/internal/config"
	"github.com/forgehost/pluginhost/internal/lifecycle"
	"github.com/forgehost/pluginhost/internal/logging"
	"github.com/forgehost/pluginhost/internal/observability"
)

func runConsole(cmd *cobra.Command, cfg *consoleConfig) error {
	logFormat, _ := cmd.Flags().GetString("log-format")
	logging.SetDefault("pluginhost-console", version, logFormat)

	appCfg, err := config.Load(cfg.configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting console plugin host",
		"plugins_directory", appCfg.PluginsDirectory,
		"enable_hot_swap", appCfg.EnableHotSwap,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsAddr, _ := cmd.Flags().GetString("metrics_addr")
	obsServer := observability.NewServer(metricsAddr, func() bool { return true })
	if _, err := obsServer.Start(); err != nil {
		return fmt.Errorf("start observability server: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = obsServer.Stop(stopCtx)
	}()

	mgr := lifecycle.NewManager(appCfg.PluginsDirectory,
		lifecycle.WithHotSwap(appCfg.EnableHotSwap),
		lifecycle.WithMetricsRecorder(obsServer.Metrics()),
	)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start plugin manager: %w", err)
	}

	cmd.Println("Console plugin host started. Press 'q' + Enter to quit.")
	go watchStdinQuit(cancel)

	<-ctx.Done()
	slog.Info("shutting down console plugin host")

	if err := mgr.Dispose(); err != nil && err != lifecycle.ErrAlreadyDisposed {
		slog.Warn("error disposing plugin manager", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func watchStdinQuit(cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(line, "q") {
			cancel()
			return
		}
	}
}
