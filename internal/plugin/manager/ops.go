// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/dynaplug/dynaplug/internal/health"
	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/registry"
	"github.com/dynaplug/dynaplug/internal/plugin/txn"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// GetPlugin returns the record for a loaded plugin.
func (m *Manager) GetPlugin(id string) (*registry.Record, error) {
	return m.reg.Lookup(id)
}

// ListPlugins returns all loaded plugins sorted by id.
func (m *Manager) ListPlugins() []*registry.Record {
	return m.reg.List()
}

// FindByCapability returns the loaded plugins carrying c.
func (m *Manager) FindByCapability(c plugin.Capability) []*registry.Record {
	return m.reg.FindByCapability(c)
}

// ExecuteCommand runs a named command on a Running plugin.
func (m *Manager) ExecuteCommand(ctx context.Context, id, name string, params json.RawMessage) (json.RawMessage, error) {
	rec, err := m.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	if state := rec.State(); state != plugin.StateRunning {
		return nil, plugerr.WithPlugin(plugerr.CodeStateError, id,
			"cannot execute commands in state %s", state)
	}
	rec.Counters.CommandsExecuted.Add(1)
	out, err := rec.Instance.ExecuteCommand(ctx, name, params)
	if err != nil {
		rec.Counters.Errors.Add(1)
		m.history.RecordError(err, rec.Path)
		if plugerr.CodeOf(err) == plugerr.CodeUnknownError {
			return nil, plugerr.WrapPlugin(plugerr.CodeExecutionFailed, id, err)
		}
		return nil, err
	}
	return out, nil
}

// AvailableCommands lists the commands a loaded plugin accepts.
func (m *Manager) AvailableCommands(ctx context.Context, id string) ([]string, error) {
	rec, err := m.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	names, err := rec.Instance.AvailableCommands(ctx)
	if err != nil {
		return nil, plugerr.WrapPlugin(plugerr.CodeExecutionFailed, id, err)
	}
	return names, nil
}

// InitializePlugin drives a Loaded plugin to Running. Used after loads
// with InitializeImmediately disabled.
func (m *Manager) InitializePlugin(ctx context.Context, id string) error {
	rec, err := m.reg.Lookup(id)
	if err != nil {
		return err
	}
	return m.driver.Initialize(ctx, rec)
}

// PausePlugin suspends a Running plugin.
func (m *Manager) PausePlugin(ctx context.Context, id string) error {
	rec, err := m.reg.Lookup(id)
	if err != nil {
		return err
	}
	return m.driver.Pause(ctx, rec)
}

// ResumePlugin continues a Paused plugin.
func (m *Manager) ResumePlugin(ctx context.Context, id string) error {
	rec, err := m.reg.Lookup(id)
	if err != nil {
		return err
	}
	return m.driver.Resume(ctx, rec)
}

// ConfigurePlugin applies a configuration blob to a loaded plugin and
// persists it so the plugin comes back configured after a restart.
func (m *Manager) ConfigurePlugin(ctx context.Context, id string, cfg json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpenLocked(); err != nil {
		return err
	}
	_, err := m.configureLocked(ctx, id, cfg)
	return err
}

// BatchUpdateConfigs applies several plugins' configurations as one
// transaction: if any apply fails, the previous blobs are restored.
func (m *Manager) BatchUpdateConfigs(ctx context.Context, configs map[string]json.RawMessage) error {
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := m.BeginTransaction()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := tx.AddConfigure(id, configs[id]); err != nil {
			_ = tx.Abort()
			return err
		}
	}
	return tx.Commit(ctx)
}

func (m *Manager) configureLocked(ctx context.Context, id string, cfg []byte) ([]byte, error) {
	rec, err := m.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	prev := append([]byte(nil), rec.Config()...)
	if err := m.driver.Configure(ctx, rec, cfg); err != nil {
		return nil, err
	}
	if m.store != nil {
		var perr error
		if len(cfg) == 0 {
			perr = m.store.DeleteConfig(id)
		} else {
			perr = m.store.SaveConfig(id, cfg)
		}
		if perr != nil {
			m.logger.Warn("failed to persist configuration",
				slog.String("plugin_id", id), slog.Any("error", perr))
		}
	}
	return prev, nil
}

// BeginTransaction opens a batch transaction over the manager. Only one
// transaction may be pending at a time; nesting is an InvalidOperation.
func (m *Manager) BeginTransaction() (*txn.Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpenLocked(); err != nil {
		return nil, err
	}
	if m.txnActive {
		return nil, plugerr.New(plugerr.CodeInvalidOperation, "a transaction is already in progress")
	}
	m.txnActive = true
	return txn.New(m, m.logger, func() {
		m.mu.Lock()
		m.txnActive = false
		m.mu.Unlock()
	}), nil
}

// ExecLoad implements txn.Executor. Unlike LoadPlugin, a load whose
// initialization fails is rolled all the way back so the transaction
// leaves nothing behind.
func (m *Manager) ExecLoad(ctx context.Context, path string, opts plugin.LoadOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.loadLocked(ctx, path, opts)
	if err != nil {
		if !plugerr.IsCode(err, plugerr.CodeAlreadyLoaded) {
			if desc, qerr := m.loader.QueryMetadata(path); qerr == nil {
				if _, lerr := m.reg.Lookup(desc.ID); lerr == nil {
					_, _, _ = m.unloadLocked(ctx, desc.ID, true)
				}
			}
		}
		return "", err
	}
	return rec.Descriptor.ID, nil
}

// ExecUnload implements txn.Executor.
func (m *Manager) ExecUnload(ctx context.Context, id string) (string, plugin.LoadOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(ctx, id, false)
}

// ExecConfigure implements txn.Executor.
func (m *Manager) ExecConfigure(ctx context.Context, id string, cfg []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configureLocked(ctx, id, cfg)
}

// EnableHealthMonitoring starts the background health monitor. The
// manager itself is the restarter: a plugin crossing the failure
// threshold is reloaded in place.
func (m *Manager) EnableHealthMonitoring(opts health.Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpenLocked(); err != nil {
		return err
	}
	if m.monitor != nil {
		return plugerr.New(plugerr.CodeInvalidOperation, "health monitoring already enabled")
	}
	mon := health.New(m.reg, m, m.logger, opts)
	if err := mon.Start(); err != nil {
		return err
	}
	m.monitor = mon
	return nil
}

// DisableHealthMonitoring stops the health monitor if it is running.
func (m *Manager) DisableHealthMonitoring() {
	m.mu.Lock()
	mon := m.monitor
	m.monitor = nil
	m.mu.Unlock()
	// Stop outside the lock: the monitor loop may be mid-restart and
	// waiting on the manager mutex.
	if mon != nil {
		mon.Stop()
	}
}

// HealthReports returns the last probe results, or nil when monitoring
// is disabled.
func (m *Manager) HealthReports() []health.Report {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return nil
	}
	return mon.Snapshot()
}
