// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command pluginhost-web is the web host: it loads EndpointModule plugins
// from a watched directory, publishes their routes over HTTP, and hot-swaps
// a plugin's routes in place when its artifact is rebuilt on disk.
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
	cfg := &webConfig{}

	cmd := &cobra.Command{
		Use:   "pluginhost-web",
		Short: "Run the web plugin host",
		Long: `pluginhost-web watches a directory for plugin artifacts, loads each
one as an isolated subprocess, and serves the HTTP routes its
EndpointModule plugins publish. Reloading an artifact hot-swaps its
routes without dropping in-flight requests against the prior version.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWeb(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.configFile, "config", xdg.DefaultConfigPath(), "config file path (YAML)")
	cmd.Flags().String("plugins_directory", xdg.PluginsDir(), "directory to watch for plugin artifacts")
	cmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	cmd.Flags().String("log-format", "json", "log format (json or text)")
	cmd.Flags().String("metrics_addr", ":9090", "metrics/health listen address")

	return cmd
}

type webConfig struct {
	configFile string
}
