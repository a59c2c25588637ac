// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command pluginhost-console is the console host: it loads Feature plugins
// from a watched directory and keeps them running until told to stop, with
// no HTTP surface at all.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgehost/pluginhost/internal/xdg"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := newRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &consoleConfig{}

	cmd := &cobra.Command{
		Use:   "pluginhost-console",
		Short: "Run the console plugin host",
		Long: `pluginhost-console watches a directory for plugin artifacts, loads
each one as an isolated subprocess, and keeps them running until it
receives a shutdown signal or "q" on stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsole(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.configFile, "config", xdg.DefaultConfigPath(), "config file path (YAML)")
	cmd.Flags().String("plugins_directory", xdg.PluginsDir(), "directory to watch for plugin artifacts")
	cmd.Flags().String("log-format", "json", "log format (json or text)")
	cmd.Flags().String("metrics_addr", ":9090", "metrics/health listen address")

	return cmd
}

type consoleConfig struct {
	configFile string
}
