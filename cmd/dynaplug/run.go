// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dynaplug/dynaplug/internal/health"
	"github.com/dynaplug/dynaplug/internal/logging"
	"github.com/dynaplug/dynaplug/internal/observability"
	"github.com/dynaplug/dynaplug/internal/plugin/manager"
	"github.com/dynaplug/dynaplug/internal/store"
	"github.com/dynaplug/dynaplug/internal/xdg"
)

// shutdownTimeout bounds the graceful unload of all plugins on exit.
const shutdownTimeout = 30 * time.Second

// newRunCmd creates the run subcommand.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the plugin host",
		Long: `Run the plugin host: load every plugin found under the configured
search paths, keep them supervised, and serve the operational endpoints
until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadHostConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runHost(cfg)
		},
	}

	registerHostFlags(cmd.Flags())

	return cmd
}

// runHost runs the host until a signal arrives or the metrics listener
// fails.
func runHost(cfg *hostConfig) error {
	logging.SetDefault("dynaplug", version, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
	logger := slog.Default()

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = xdg.StateDir()
	}
	if err := xdg.EnsureDir(stateDir); err != nil {
		return err
	}
	st, err := store.Open(stateDir)
	if err != nil {
		return err
	}
	m := manager.New(manager.WithLogger(logger), manager.WithStore(st))

	// Readiness flips on once the initial directory loads are done and
	// off again when shutdown starts.
	var ready atomic.Bool
	var srv *observability.Server
	var srvErr <-chan error
	if cfg.MetricsAddr != "" {
		srv = observability.NewServer(cfg.MetricsAddr, ready.Load, m.States)
		ch, err := srv.Start()
		if err != nil {
			return err
		}
		srvErr = ch
		logger.Info("observability endpoint up", slog.String("addr", srv.Addr()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	searchPaths := cfg.SearchPaths
	if len(searchPaths) == 0 {
		searchPaths = []string{filepath.Join(xdg.DataDir(), "plugins")}
	}

	// Plugins that fail to load do not bring the host down; failures
	// are logged and the rest of the directory still loads.
	loadOpts := cfg.loadOptions()
	for _, dir := range searchPaths {
		if err := m.AddSearchPath(dir); err != nil {
			logger.Warn("skipping search path", slog.String("dir", dir), slog.Any("error", err))
			continue
		}
		loaded, err := m.LoadPluginDirectory(ctx, dir, loadOpts)
		if err != nil {
			logger.Warn("some plugins failed to load", slog.String("dir", dir), slog.Any("error", err))
		}
		logger.Info("search path loaded", slog.String("dir", dir), slog.Int("plugins", len(loaded)))
	}

	if cfg.HealthEnabled {
		err := m.EnableHealthMonitoring(health.Options{
			Interval:         cfg.HealthInterval,
			FailureThreshold: cfg.HealthThreshold,
			AutoRestart:      cfg.HealthAutoRestart,
		})
		if err != nil {
			return err
		}
	}

	ready.Store(true)
	logger.Info("plugin host running", slog.Int("plugins", len(m.ListPlugins())))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErr:
		logger.Error("observability endpoint failed", slog.Any("error", err))
		runErr = err
	}
	ready.Store(false)

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Stop(shutCtx); err != nil {
			logger.Warn("observability endpoint stop failed", slog.Any("error", err))
		}
	}
	if err := m.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown finished with errors", slog.Any("error", err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
