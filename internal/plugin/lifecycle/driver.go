// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package lifecycle drives plugin state transitions: initialization
// (including polled async init), pause and resume, configuration, and
// shutdown, firing host-registered hooks around each operation.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/registry"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// asyncInitPoll is how often the driver checks an async-init plugin for
// completion.
const asyncInitPoll = 50 * time.Millisecond

// Driver executes lifecycle operations against registry records.
type Driver struct {
	reg    *registry.Registry
	hooks  *Hooks
	logger *slog.Logger
}

// New creates a driver over the registry. A nil hooks table gets an
// empty one; a nil logger defaults to slog.Default.
func New(reg *registry.Registry, hooks *Hooks, logger *slog.Logger) *Driver {
	if hooks == nil {
		hooks = NewHooks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{reg: reg, hooks: hooks, logger: logger}
}

// Hooks exposes the driver's hook table.
func (d *Driver) Hooks() *Hooks { return d.hooks }

// Initialize drives a Loaded plugin to Running. Async-init plugins run
// their Initialize on a separate goroutine and are polled until done or
// the load timeout expires. Failure parks the plugin in Error.
func (d *Driver) Initialize(ctx context.Context, rec *registry.Record) error {
	id := rec.Descriptor.ID
	if err := d.hooks.RunPre(ctx, PreInitialize, rec.Descriptor); err != nil {
		return plugerr.WrapPlugin(plugerr.CodeInitializationFailed, id, err)
	}
	if err := d.reg.SetState(id, plugin.StateInitializing); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, rec.Options.EffectiveTimeout())
	defer cancel()

	if err := d.callInitialize(ctx, rec); err != nil {
		rec.Counters.Errors.Add(1)
		if stateErr := d.reg.SetState(id, plugin.StateError); stateErr != nil {
			d.logger.ErrorContext(ctx, "failed to park plugin in error state",
				slog.String("plugin_id", id), slog.Any("error", stateErr))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return plugerr.WithPlugin(plugerr.CodeTimeoutError, id,
				"initialization did not finish within %s", rec.Options.EffectiveTimeout())
		}
		return plugerr.WrapPlugin(plugerr.CodeInitializationFailed, id, err)
	}

	if cfg := rec.Options.Configuration; len(cfg) > 0 && rec.Config() == nil {
		if err := rec.Instance.Configure(ctx, cfg); err != nil {
			rec.Counters.Errors.Add(1)
			_ = d.reg.SetState(id, plugin.StateError)
			return plugerr.WrapPlugin(plugerr.CodeConfigurationError, id, err)
		}
		rec.SetConfig(cfg)
	}

	if err := d.reg.SetState(id, plugin.StateRunning); err != nil {
		return err
	}
	d.hooks.RunPost(ctx, PostInitialize, rec.Descriptor, d.logger)
	d.logger.InfoContext(ctx, "plugin initialized", slog.String("plugin_id", id))
	return nil
}

func (d *Driver) callInitialize(ctx context.Context, rec *registry.Record) error {
	if !rec.Descriptor.Capabilities.Has(plugin.CapAsyncInit) {
		return rec.Instance.Initialize(ctx)
	}

	// Async init: the plugin's Initialize may outlive individual polls,
	// so it runs detached from the polling context's cancellation.
	done := make(chan error, 1)
	go func() {
		done <- rec.Instance.Initialize(context.WithoutCancel(ctx))
	}()

	var result error
	notReady := errors.New("still initializing")
	err := retry.Do(ctx, retry.NewConstant(asyncInitPoll), func(ctx context.Context) error {
		select {
		case result = <-done:
			return nil
		default:
			return retry.RetryableError(notReady)
		}
	})
	if err != nil {
		return context.DeadlineExceeded
	}
	return result
}

// Pause suspends a Running plugin.
func (d *Driver) Pause(ctx context.Context, rec *registry.Record) error {
	id := rec.Descriptor.ID
	if err := d.reg.SetState(id, plugin.StatePaused); err != nil {
		return err
	}
	if err := rec.Instance.Pause(ctx); err != nil && !plugerr.IsCode(err, plugerr.CodeNotImplemented) {
		rec.Counters.Errors.Add(1)
		_ = d.reg.SetState(id, plugin.StateRunning)
		return plugerr.WrapPlugin(plugerr.CodeExecutionFailed, id, err)
	}
	return nil
}

// Resume continues a Paused plugin.
func (d *Driver) Resume(ctx context.Context, rec *registry.Record) error {
	id := rec.Descriptor.ID
	if err := d.reg.SetState(id, plugin.StateRunning); err != nil {
		return err
	}
	if err := rec.Instance.Resume(ctx); err != nil && !plugerr.IsCode(err, plugerr.CodeNotImplemented) {
		rec.Counters.Errors.Add(1)
		_ = d.reg.SetState(id, plugin.StatePaused)
		return plugerr.WrapPlugin(plugerr.CodeExecutionFailed, id, err)
	}
	return nil
}

// Configure applies a configuration blob. Allowed only in configurable
// states (Loaded, Running, Paused). Re-applying the identical blob is a
// no-op.
func (d *Driver) Configure(ctx context.Context, rec *registry.Record, cfg []byte) error {
	id := rec.Descriptor.ID
	if state := rec.State(); !state.Configurable() {
		return plugerr.WithPlugin(plugerr.CodeStateError, id,
			"cannot configure plugin in state %s", state)
	}
	if bytes.Equal(rec.Config(), cfg) {
		return nil
	}
	if err := rec.Instance.Configure(ctx, cfg); err != nil {
		rec.Counters.Errors.Add(1)
		return plugerr.WrapPlugin(plugerr.CodeConfigurationError, id, err)
	}
	rec.SetConfig(cfg)
	return nil
}

// Stop drives a plugin through Stopping to Stopped, calling the
// plugin's Shutdown. A shutdown error parks the plugin in Error and the
// process handle stays open for the caller to decide about.
func (d *Driver) Stop(ctx context.Context, rec *registry.Record) error {
	id := rec.Descriptor.ID
	if err := d.hooks.RunPre(ctx, PreUnload, rec.Descriptor); err != nil {
		return plugerr.WrapPlugin(plugerr.CodeUnloadFailed, id, err)
	}
	if err := d.reg.SetState(id, plugin.StateStopping); err != nil {
		return err
	}
	if err := rec.Instance.Shutdown(ctx); err != nil {
		rec.Counters.Errors.Add(1)
		_ = d.reg.SetState(id, plugin.StateError)
		return plugerr.WrapPlugin(plugerr.CodeUnloadFailed, id, err)
	}
	if err := d.reg.SetState(id, plugin.StateStopped); err != nil {
		return err
	}
	d.hooks.RunPost(ctx, PostUnload, rec.Descriptor, d.logger)
	return nil
}
