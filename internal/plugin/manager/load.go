// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package manager

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/depgraph"
	"github.com/dynaplug/dynaplug/internal/plugin/lifecycle"
	"github.com/dynaplug/dynaplug/internal/plugin/loader"
	"github.com/dynaplug/dynaplug/internal/plugin/registry"
	"github.com/dynaplug/dynaplug/internal/store"
	"github.com/dynaplug/dynaplug/internal/watch"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// AddSearchPath registers a directory to discover plugins under.
// Adding a path twice is a no-op.
func (m *Manager) AddSearchPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return plugerr.Wrapf(plugerr.CodeFileNotFound, err, "search path %s", path)
	}
	if !info.IsDir() {
		return plugerr.New(plugerr.CodeInvalidParameters, "search path %s is not a directory", path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.searchPaths, path) {
		m.searchPaths = append(m.searchPaths, path)
	}
	return nil
}

// SearchPaths returns the registered search paths in order.
func (m *Manager) SearchPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.searchPaths...)
}

// DiscoverPlugins scans every search path and returns the descriptors
// of all loadable plugins found, sorted by id. Subdirectories that are
// not plugins are skipped silently.
func (m *Manager) DiscoverPlugins() ([]*plugin.Descriptor, error) {
	m.mu.Lock()
	paths := append([]string(nil), m.searchPaths...)
	m.mu.Unlock()

	var descs []*plugin.Descriptor
	for _, sp := range paths {
		entries, err := os.ReadDir(sp)
		if err != nil {
			return nil, plugerr.Wrapf(plugerr.CodeFileSystemError, err, "reading search path %s", sp)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			desc, err := m.loader.QueryMetadata(filepath.Join(sp, e.Name()))
			if err != nil {
				continue
			}
			descs = append(descs, desc)
		}
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
	return descs, nil
}

// LoadPlugin loads the plugin at path and, per the options, initializes
// it to Running. On an initialization failure the plugin stays
// registered in Error so it can be inspected or reloaded.
func (m *Manager) LoadPlugin(ctx context.Context, path string, opts plugin.LoadOptions) (*registry.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpenLocked(); err != nil {
		return nil, err
	}
	return m.loadLocked(ctx, path, opts)
}

// LoadPluginByID resolves a plugin id through the search paths and
// loads the first match.
func (m *Manager) LoadPluginByID(ctx context.Context, id string, opts plugin.LoadOptions) (*registry.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpenLocked(); err != nil {
		return nil, err
	}
	for _, sp := range m.searchPaths {
		dir := filepath.Join(sp, id)
		if desc, err := m.loader.QueryMetadata(dir); err == nil && desc.ID == id {
			return m.loadLocked(ctx, dir, opts)
		}
	}
	return nil, plugerr.WithPlugin(plugerr.CodePluginNotFound, id, "plugin not found under any search path")
}

// LoadPluginDirectory loads every plugin under dir in dependency order.
// Individual failures do not stop the sweep; the ids actually loaded
// are returned alongside the joined errors.
func (m *Manager) LoadPluginDirectory(ctx context.Context, dir string, opts plugin.LoadOptions) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, plugerr.Wrapf(plugerr.CodeFileSystemError, err, "reading plugin directory %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, e.Name())
		if m.loader.CanLoad(candidate) {
			paths = append(paths, candidate)
		}
	}
	ordered, err := m.orderPaths(paths)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpenLocked(); err != nil {
		return nil, err
	}
	var loaded []string
	var errs []error
	for _, p := range ordered {
		rec, err := m.loadLocked(ctx, p, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, rec.Descriptor.ID)
	}
	return loaded, errors.Join(errs...)
}

// BatchLoad loads the given plugin paths as one transaction, in
// dependency order. If any load fails, the ones already applied are
// unloaded again.
func (m *Manager) BatchLoad(ctx context.Context, paths []string, opts plugin.LoadOptions) error {
	ordered, err := m.orderPaths(paths)
	if err != nil {
		return err
	}
	tx, err := m.BeginTransaction()
	if err != nil {
		return err
	}
	for _, p := range ordered {
		if err := tx.AddLoad(p, opts); err != nil {
			_ = tx.Abort()
			return err
		}
	}
	return tx.Commit(ctx)
}

// UnloadPlugin stops and unloads a plugin. The unload is refused while
// other loaded plugins declare a required dependency on it.
func (m *Manager) UnloadPlugin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpenLocked(); err != nil {
		return err
	}
	_, _, err := m.unloadLocked(ctx, id, false)
	return err
}

// BatchUnload unloads the given plugins as one transaction, dependents
// before their dependencies.
func (m *Manager) BatchUnload(ctx context.Context, ids []string) error {
	order := m.unloadSubsetOrder(ids)
	tx, err := m.BeginTransaction()
	if err != nil {
		return err
	}
	for _, id := range order {
		if err := tx.AddUnload(id); err != nil {
			_ = tx.Abort()
			return err
		}
	}
	return tx.Commit(ctx)
}

// ReloadPlugin unloads and re-loads a plugin in place, carrying its
// load options and last applied configuration over. Bus subscriptions
// and broker endpoints do not survive a reload; the plugin re-registers
// them from Initialize.
func (m *Manager) ReloadPlugin(ctx context.Context, id string) (*registry.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpenLocked(); err != nil {
		return nil, err
	}
	return m.reloadLocked(ctx, id)
}

// RestartPlugin implements health.Restarter.
func (m *Manager) RestartPlugin(ctx context.Context, id string) error {
	_, err := m.ReloadPlugin(ctx, id)
	return err
}

// ForgetPlugin drops a plugin's persisted configuration and trust-index
// entry. The plugin must not be loaded.
func (m *Manager) ForgetPlugin(id string) error {
	if _, err := m.reg.Lookup(id); err == nil {
		return plugerr.WithPlugin(plugerr.CodeInvalidOperation, id, "cannot forget a loaded plugin")
	}
	if m.store == nil {
		return nil
	}
	if err := m.store.DeleteConfig(id); err != nil {
		return err
	}
	return m.store.Forget(id)
}

// loadLocked is the single load path. Caller holds m.mu.
func (m *Manager) loadLocked(ctx context.Context, path string, opts plugin.LoadOptions) (*registry.Record, error) {
	desc, err := m.loader.QueryMetadata(path)
	if err != nil {
		m.history.RecordError(err, path)
		return nil, err
	}
	if _, err := m.reg.Lookup(desc.ID); err == nil {
		return nil, plugerr.WithPlugin(plugerr.CodeAlreadyLoaded, desc.ID, "plugin already loaded")
	}
	if err := m.checkSecurityPolicy(opts); err != nil {
		m.history.RecordError(err, path)
		return nil, err
	}
	if opts.CheckDependencies {
		if err := m.checkDependencies(desc); err != nil {
			m.history.RecordError(err, path)
			return nil, err
		}
	}
	if err := m.hooks.RunPre(ctx, lifecycle.PreLoad, desc); err != nil {
		return nil, plugerr.WrapPlugin(plugerr.CodeLoadFailed, desc.ID, err)
	}

	seed, err := m.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := m.verifySeed(ctx, seed, opts); err != nil {
		_ = seed.Handle.Close()
		m.history.RecordError(err, path)
		return nil, err
	}

	if opts.Configuration == nil && m.store != nil {
		if cfg, err := m.store.LoadConfig(desc.ID); err == nil {
			opts.Configuration = cfg
		}
	}

	rec := registry.NewRecord(seed, opts)
	if err := m.reg.Register(rec); err != nil {
		_ = seed.Handle.Close()
		return nil, err
	}
	m.recordTrust(seed, opts)
	m.hooks.RunPost(ctx, lifecycle.PostLoad, desc, m.logger)
	m.publish(TopicLoaded, LifecycleEvent{PluginID: desc.ID})

	if opts.InitializeImmediately {
		if err := m.driver.Initialize(ctx, rec); err != nil {
			m.history.RecordError(err, path)
			return nil, err
		}
	}
	if opts.EnableHotReload {
		m.watchLocked(desc, seed.Path)
	}
	return rec, nil
}

// checkSecurityPolicy validates the load options against the installed
// verifier before anything is read from disk.
func (m *Manager) checkSecurityPolicy(opts plugin.LoadOptions) error {
	if m.verifier != nil {
		return nil
	}
	if opts.SecurityLevel == plugin.SecurityMaximum {
		return plugerr.New(plugerr.CodeSecurityViolation,
			"security level maximum requires a signature verifier")
	}
	if opts.ValidateSignature {
		return plugerr.New(plugerr.CodeSecurityViolation,
			"signature validation requested but no verifier is installed")
	}
	return nil
}

// verifySeed runs the signature verifier and the trust-index digest
// check against a freshly started plugin, before it is registered.
func (m *Manager) verifySeed(ctx context.Context, seed *loader.Seed, opts plugin.LoadOptions) error {
	id := seed.Descriptor.ID
	if m.verifier != nil && (opts.ValidateSignature || opts.SecurityLevel >= plugin.SecurityStrict) {
		if err := m.verifier(ctx, seed.ExecPath, seed.Digest, opts.SecurityLevel); err != nil {
			return plugerr.WrapPlugin(plugerr.CodeSignatureInvalid, id, err)
		}
	}
	if m.store != nil && opts.SecurityLevel >= plugin.SecurityStrict {
		index, err := m.store.LoadIndex()
		if err != nil {
			return err
		}
		if prev, ok := index[id]; ok && prev.Digest != seed.Digest {
			return plugerr.WithPlugin(plugerr.CodeUntrustedSource, id,
				"binary digest changed since last load from %s", prev.Path)
		}
	}
	return nil
}

// checkDependencies verifies that every required dependency is loaded
// at an admissible version. Missing optional dependencies only warn.
func (m *Manager) checkDependencies(desc *plugin.Descriptor) error {
	for _, dep := range desc.Dependencies {
		rec, err := m.reg.Lookup(dep.ID)
		if err != nil {
			if dep.Optional {
				m.logger.Warn("optional dependency not loaded",
					slog.String("plugin_id", desc.ID),
					slog.String("dependency", dep.ID))
				continue
			}
			return plugerr.WithPlugin(plugerr.CodeDependencyMissing, desc.ID,
				"requires %s which is not loaded", dep.ID)
		}
		if !dep.Admits(rec.Descriptor.Version) {
			return plugerr.WithPlugin(plugerr.CodeVersionMismatch, desc.ID,
				"requires %s %s but version %s is loaded", dep.ID, dep.Raw, rec.Descriptor.Version)
		}
	}
	return nil
}

func (m *Manager) recordTrust(seed *loader.Seed, opts plugin.LoadOptions) {
	if m.store == nil {
		return
	}
	err := m.store.RecordLoad(seed.Descriptor.ID, store.IndexEntry{
		Path:          seed.Path,
		SecurityLevel: opts.SecurityLevel.String(),
		Digest:        seed.Digest,
		LastLoaded:    time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn("failed to update trust index",
			slog.String("plugin_id", seed.Descriptor.ID), slog.Any("error", err))
	}
}

// watchLocked registers a hot-reload watch for the plugin directory.
// Watch failures degrade the load to non-hot-reloadable.
func (m *Manager) watchLocked(desc *plugin.Descriptor, dir string) {
	if !desc.Capabilities.Has(plugin.CapHotReload) {
		m.logger.Debug("hot reload requested but plugin lacks the hot_reload capability",
			slog.String("plugin_id", desc.ID))
		return
	}
	if m.watcher == nil {
		w, err := watch.New(m.onPluginChanged, m.logger)
		if err != nil {
			m.logger.Warn("cannot start file watcher", slog.Any("error", err))
			return
		}
		m.watcher = w
	}
	if err := m.watcher.Watch(desc.ID, dir); err != nil {
		m.logger.Warn("cannot watch plugin directory",
			slog.String("plugin_id", desc.ID), slog.Any("error", err))
	}
}

// onPluginChanged fires from the watcher after the debounce window.
func (m *Manager) onPluginChanged(pluginID, dir string) {
	ctx, cancel := context.WithTimeout(context.Background(), plugin.DefaultLoadTimeout)
	defer cancel()
	m.logger.Info("plugin binary changed, reloading",
		slog.String("plugin_id", pluginID), slog.String("path", dir))
	if _, err := m.ReloadPlugin(ctx, pluginID); err != nil {
		m.logger.Error("hot reload failed",
			slog.String("plugin_id", pluginID), slog.Any("error", err))
	}
}

// unloadLocked is the single unload path. It returns the plugin's path
// and load options so a transactional unload can be undone by loading
// them again. With force set, stop errors and dependent checks are
// overridden; the plugin comes out of the registry regardless.
func (m *Manager) unloadLocked(ctx context.Context, id string, force bool) (string, plugin.LoadOptions, error) {
	rec, err := m.reg.Lookup(id)
	if err != nil {
		return "", plugin.LoadOptions{}, err
	}
	if !force {
		if deps := m.dependentsOf(id); len(deps) > 0 {
			return "", plugin.LoadOptions{}, plugerr.WithPlugin(plugerr.CodeDependencyMissing, id,
				"still required by %s", strings.Join(deps, ", "))
		}
	}
	path, opts := rec.Path, rec.Options

	switch rec.State() {
	case plugin.StateRunning, plugin.StatePaused:
		if err := m.driver.Stop(ctx, rec); err != nil && !force {
			return "", plugin.LoadOptions{}, err
		}
	case plugin.StateLoaded:
		if err := m.hooks.RunPre(ctx, lifecycle.PreUnload, rec.Descriptor); err != nil && !force {
			return "", plugin.LoadOptions{}, plugerr.WrapPlugin(plugerr.CodeUnloadFailed, id, err)
		}
		if err := rec.Instance.Shutdown(ctx); err != nil && !force {
			_ = m.reg.SetState(id, plugin.StateError)
			return "", plugin.LoadOptions{}, plugerr.WrapPlugin(plugerr.CodeUnloadFailed, id, err)
		}
		defer m.hooks.RunPost(ctx, lifecycle.PostUnload, rec.Descriptor, m.logger)
	case plugin.StateStopped, plugin.StateError:
		// Shutdown already ran, or the plugin is beyond talking to.
	default:
		if !force {
			return "", plugin.LoadOptions{}, plugerr.WithPlugin(plugerr.CodeStateError, id,
				"cannot unload plugin in state %s", rec.State())
		}
	}

	m.detachLocked(rec)
	return path, opts, nil
}

// detachLocked removes every trace of the plugin from the runtime: the
// registry record, its process handle, bus subscriptions, broker
// endpoints, and any hot-reload watch. Persisted state stays.
func (m *Manager) detachLocked(rec *registry.Record) {
	id := rec.Descriptor.ID
	_ = m.reg.SetState(id, plugin.StateUnloaded)
	if _, err := m.reg.Unregister(id); err != nil {
		m.logger.Warn("unregister failed", slog.String("plugin_id", id), slog.Any("error", err))
	}
	if err := rec.Handle.Close(); err != nil {
		m.logger.Warn("plugin handle close failed", slog.String("plugin_id", id), slog.Any("error", err))
	}
	m.bus.UnsubscribeSubscriber(id)
	m.broker.UnregisterOwner(id)
	if m.watcher != nil {
		m.watcher.Unwatch(id)
	}
	m.publish(TopicUnloaded, LifecycleEvent{PluginID: id})
}

// dependentsOf returns the ids of loaded plugins declaring a required
// dependency on id, sorted.
func (m *Manager) dependentsOf(id string) []string {
	var out []string
	for _, rec := range m.reg.List() {
		for _, dep := range rec.Descriptor.Dependencies {
			if dep.ID == id && !dep.Optional {
				out = append(out, rec.Descriptor.ID)
			}
		}
	}
	return out
}

// reloadLocked replaces a plugin's record in place. The old process is
// shut down without unload hooks (the plugin is coming back), and the
// new record inherits the old load options plus the last configuration.
func (m *Manager) reloadLocked(ctx context.Context, id string) (*registry.Record, error) {
	rec, err := m.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	path, opts := rec.Path, rec.Options
	if cfg := rec.Config(); cfg != nil {
		opts.Configuration = cfg
	}

	initialized := false
	switch rec.State() {
	case plugin.StateRunning, plugin.StatePaused:
		initialized = true
	}
	_ = m.reg.SetState(id, plugin.StateReloading)
	if initialized {
		if err := rec.Instance.Shutdown(ctx); err != nil {
			_ = m.reg.SetState(id, plugin.StateError)
			return nil, plugerr.WrapPlugin(plugerr.CodeUnloadFailed, id, err)
		}
	}

	if _, err := m.reg.Unregister(id); err != nil {
		return nil, err
	}
	if err := rec.Handle.Close(); err != nil {
		m.logger.Warn("plugin handle close failed", slog.String("plugin_id", id), slog.Any("error", err))
	}
	// Subscriptions and endpoints do not survive a reload.
	m.bus.UnsubscribeSubscriber(id)
	m.broker.UnregisterOwner(id)

	newRec, err := m.loadLocked(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	m.publish(TopicReloaded, LifecycleEvent{PluginID: id})
	return newRec, nil
}

// orderPaths queries the manifests at the given paths and returns the
// paths reordered so dependencies load before dependents, taking the
// already-loaded plugins into account.
func (m *Manager) orderPaths(paths []string) ([]string, error) {
	pathByID := make(map[string]string, len(paths))
	descs := make([]*plugin.Descriptor, 0, len(paths))
	for _, p := range paths {
		desc, err := m.loader.QueryMetadata(p)
		if err != nil {
			return nil, err
		}
		pathByID[desc.ID] = p
		descs = append(descs, desc)
	}
	for _, rec := range m.reg.List() {
		descs = append(descs, rec.Descriptor)
	}
	res, err := depgraph.ResolveWithBreaks(descs)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		m.logger.Warn("dependency resolution warning", slog.String("warning", w))
	}
	ordered := make([]string, 0, len(paths))
	for _, id := range res.LoadOrder {
		if p, ok := pathByID[id]; ok {
			ordered = append(ordered, p)
		}
	}
	return ordered, nil
}

// unloadSubsetOrder orders the given ids dependents-first using the
// current registry graph. Ids the graph cannot place keep their given
// order at the end.
func (m *Manager) unloadSubsetOrder(ids []string) []string {
	var descs []*plugin.Descriptor
	for _, rec := range m.reg.List() {
		descs = append(descs, rec.Descriptor)
	}
	res, err := depgraph.ResolveWithBreaks(descs)
	if err != nil {
		return append([]string(nil), ids...)
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	order := make([]string, 0, len(ids))
	for _, id := range res.UnloadOrder {
		if want[id] {
			order = append(order, id)
			delete(want, id)
		}
	}
	for _, id := range ids {
		if want[id] {
			order = append(order, id)
		}
	}
	return order
}
