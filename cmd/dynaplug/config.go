// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/xdg"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// hostConfig holds the host configuration, merged from the yaml config
// file and command-line flags (flags win).
type hostConfig struct {
	SearchPaths   []string      `koanf:"search-paths"`
	StateDir      string        `koanf:"state-dir"`
	MetricsAddr   string        `koanf:"metrics-addr"`
	LogFormat     string        `koanf:"log-format"`
	LogLevel      string        `koanf:"log-level"`
	SecurityLevel string        `koanf:"security-level"`
	LoadTimeout   time.Duration `koanf:"load-timeout"`
	HotReload     bool          `koanf:"hot-reload"`

	HealthEnabled     bool          `koanf:"health-enabled"`
	HealthInterval    time.Duration `koanf:"health-interval"`
	HealthThreshold   int           `koanf:"health-failure-threshold"`
	HealthAutoRestart bool          `koanf:"health-auto-restart"`
}

// loadHostConfig reads the yaml config file and overlays any flags the
// user set explicitly. Without --config, a config.yaml under the XDG
// config directory is used when present.
func loadHostConfig(path string, flags *pflag.FlagSet) (*hostConfig, error) {
	if path == "" {
		candidate := filepath.Join(xdg.ConfigDir(), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, plugerr.Wrapf(plugerr.CodeConfigurationError, err, "read config file %s", path)
		}
	}
	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, plugerr.Wrap(plugerr.CodeConfigurationError, err)
	}

	cfg := &hostConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, plugerr.Wrap(plugerr.CodeConfigurationError, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that koanf cannot: enum fields and ranges.
func (c *hostConfig) Validate() error {
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return plugerr.New(plugerr.CodeConfigurationError, "log-format must be json or text, got %q", c.LogFormat)
	}
	if _, err := plugin.ParseSecurityLevel(c.SecurityLevel); err != nil {
		return plugerr.Wrap(plugerr.CodeConfigurationError, err)
	}
	if c.LoadTimeout < 0 {
		return plugerr.New(plugerr.CodeConfigurationError, "load-timeout must not be negative")
	}
	if c.HealthInterval < 0 {
		return plugerr.New(plugerr.CodeConfigurationError, "health-interval must not be negative")
	}
	if c.HealthThreshold < 0 {
		return plugerr.New(plugerr.CodeConfigurationError, "health-failure-threshold must not be negative")
	}
	return nil
}

// loadOptions converts the host configuration into per-load options.
func (c *hostConfig) loadOptions() plugin.LoadOptions {
	opts := plugin.DefaultLoadOptions()
	// Validate already checked the level.
	opts.SecurityLevel, _ = plugin.ParseSecurityLevel(c.SecurityLevel)
	if c.LoadTimeout > 0 {
		opts.Timeout = c.LoadTimeout
	}
	opts.EnableHotReload = c.HotReload
	return opts
}

// registerHostFlags declares the flags shared by run and list. Flag
// names double as koanf keys for the posflag overlay.
func registerHostFlags(flags *pflag.FlagSet) {
	flags.StringSlice("search-paths", nil, "directories to scan for plugins (repeatable)")
	flags.String("state-dir", "", "directory for persisted plugin state (defaults to the XDG state dir)")
	flags.String("metrics-addr", "", "listen address for the metrics/health endpoint (empty disables)")
	flags.String("log-format", "json", "log output format (json or text)")
	flags.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	flags.String("security-level", "", "signature policy for plugin loads (none, basic, standard, strict, maximum)")
	flags.Duration("load-timeout", plugin.DefaultLoadTimeout, "per-plugin load and initialize timeout")
	flags.Bool("hot-reload", false, "reload plugins when their binaries change on disk")
	flags.Bool("health-enabled", false, "probe plugin health in the background")
	flags.Duration("health-interval", time.Minute, "interval between health probe sweeps")
	flags.Int("health-failure-threshold", 3, "consecutive failed probes before a restart")
	flags.Bool("health-auto-restart", false, "restart plugins that cross the failure threshold")
}
