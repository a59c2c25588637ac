// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads host configuration from a YAML file and command
// line flags, with flags taking precedence over the file and the file
// taking precedence over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/forgehost/pluginhost/internal/xdg"
)

// Config is the host's fully resolved configuration.
type Config struct {
	PluginsDirectory string
	EnableHotSwap    bool
	GracePeriod      int
	AllowedOrigins   []string
}

// defaults must agree with the --plugins_directory flag's own default
// (xdg.PluginsDir()): posflag.Provider, given the already-loaded k below,
// skips a flag still at its own default when k already has a value for
// that key, so a mismatched default here would make the XDG-derived flag
// default unreachable whenever the flag isn't passed explicitly.
func defaults() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(map[string]interface{}{
		"plugins_directory":                  xdg.PluginsDir(),
		"plugin_manager.enable_hot_swap":      true,
		"plugin_manager.grace_period_seconds": 30,
		"allowed_origins":                     []string{},
	}, "."), nil)
	return k
}

// Load builds a Config from, in increasing precedence: built-in defaults,
// the YAML file at path (skipped if path is empty or does not exist), and
// flags bound on fs.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(filepath.Clean(path)), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, fmt.Errorf("config: load flags: %w", err)
		}
	}

	return &Config{
		PluginsDirectory: k.String("plugins_directory"),
		EnableHotSwap:    k.Bool("plugin_manager.enable_hot_swap"),
		GracePeriod:      k.Int("plugin_manager.grace_period_seconds"),
		AllowedOrigins:   k.Strings("allowed_origins"),
	}, nil
}
