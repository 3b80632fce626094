// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package manager composes the plugin runtime: discovery, loading,
// lifecycle, dependency ordering, transactions, persistence, hot
// reload, and health monitoring behind one facade.
//
// The manager serializes mutating operations with an internal mutex;
// read paths (lookup, listing, command execution) go straight to the
// registry. State transitions are published on the message bus and
// fanned out to dependent plugins via OnDependencyChanged.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dynaplug/dynaplug/internal/bus"
	"github.com/dynaplug/dynaplug/internal/health"
	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/depgraph"
	"github.com/dynaplug/dynaplug/internal/plugin/lifecycle"
	"github.com/dynaplug/dynaplug/internal/plugin/loader"
	"github.com/dynaplug/dynaplug/internal/plugin/registry"
	"github.com/dynaplug/dynaplug/internal/reqresp"
	"github.com/dynaplug/dynaplug/internal/store"
	"github.com/dynaplug/dynaplug/internal/watch"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// hostSender is the bus sender id for events the manager emits.
const hostSender = "host"

// Bus topics the manager publishes on.
const (
	TopicStateChanged = "plugin.state.changed"
	TopicLoaded       = "plugin.lifecycle.loaded"
	TopicUnloaded     = "plugin.lifecycle.unloaded"
	TopicReloaded     = "plugin.lifecycle.reloaded"
)

// dependencyNotifyTimeout bounds one OnDependencyChanged fan-out call.
const dependencyNotifyTimeout = 5 * time.Second

// StateChange is the payload of TopicStateChanged messages.
type StateChange struct {
	PluginID string `json:"plugin_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// LifecycleEvent is the payload of loaded/unloaded/reloaded messages.
type LifecycleEvent struct {
	PluginID string `json:"plugin_id"`
}

// SignatureVerifier checks a plugin binary before the host trusts it.
// It receives the executable path, its blake2b-256 digest, and the
// security level the load was requested at.
type SignatureVerifier func(ctx context.Context, execPath, digest string, level plugin.SecurityLevel) error

// Manager is the plugin runtime facade.
type Manager struct {
	logger   *slog.Logger
	history  *plugerr.History
	factory  loader.Factory
	loader   *loader.Loader
	reg      *registry.Registry
	driver   *lifecycle.Driver
	hooks    *lifecycle.Hooks
	bus      *bus.Bus
	broker   *reqresp.Broker
	store    *store.Store
	verifier SignatureVerifier

	mu          sync.Mutex
	searchPaths []string
	watcher     *watch.Watcher
	monitor     *health.Monitor
	txnActive   bool
	closed      bool

	observerID string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option {
	return func(m *Manager) { m.logger = lg }
}

// WithFactory replaces the loader's process factory (used by tests to
// load in-process fakes).
func WithFactory(f loader.Factory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithStore sets the state store for configuration persistence and the
// trust index. Without one the manager keeps no state across restarts.
func WithStore(s *store.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithVerifier installs the signature verifier. Loads at SecurityMaximum
// are refused without one.
func WithVerifier(v SignatureVerifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// New creates a manager with no plugins loaded.
func New(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.history = plugerr.NewHistory(plugerr.DefaultHistorySize)
	loaderOpts := []loader.Option{
		loader.WithHistory(m.history),
		loader.WithLogger(m.logger),
	}
	if m.factory != nil {
		loaderOpts = append(loaderOpts, loader.WithFactory(m.factory))
	}
	m.loader = loader.New(loaderOpts...)
	m.reg = registry.New()
	m.hooks = lifecycle.NewHooks()
	m.driver = lifecycle.New(m.reg, m.hooks, m.logger)
	m.bus = bus.New(bus.WithLogger(m.logger))
	m.broker = reqresp.New(m.logger)
	m.observerID = m.reg.Observe(m.onStateChange)
	return m
}

// Bus returns the message bus.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Broker returns the request/response broker.
func (m *Manager) Broker() *reqresp.Broker { return m.broker }

// Registry returns the plugin registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Hooks returns the lifecycle hook table.
func (m *Manager) Hooks() *lifecycle.Hooks { return m.hooks }

// RegisterHook adds a lifecycle hook at the given point and returns its
// id for later removal.
func (m *Manager) RegisterHook(point lifecycle.Point, fn lifecycle.Hook) string {
	return m.hooks.Add(point, fn)
}

// UnregisterHook removes a previously registered lifecycle hook.
func (m *Manager) UnregisterHook(id string) { m.hooks.Remove(id) }

// History returns the error-history ring.
func (m *Manager) History() *plugerr.History { return m.history }

// Store returns the state store, or nil if none was configured.
func (m *Manager) Store() *store.Store { return m.store }

// onStateChange publishes every lifecycle transition on the bus and
// notifies plugins that depend on the one that changed. It runs on the
// goroutine performing the transition; it must not mutate the registry.
func (m *Manager) onStateChange(ev registry.Event) {
	m.publish(TopicStateChanged, StateChange{
		PluginID: ev.PluginID,
		From:     ev.From.String(),
		To:       ev.To.String(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), dependencyNotifyTimeout)
	defer cancel()
	for _, rec := range m.reg.List() {
		if rec.Descriptor.ID == ev.PluginID || !dependsOn(rec.Descriptor, ev.PluginID) {
			continue
		}
		err := rec.Instance.OnDependencyChanged(ctx, ev.PluginID, ev.To.String())
		if err != nil && !plugerr.IsCode(err, plugerr.CodeNotImplemented) {
			m.logger.Warn("dependency change notification failed",
				slog.String("plugin_id", rec.Descriptor.ID),
				slog.String("dependency", ev.PluginID),
				slog.Any("error", err))
		}
	}
}

func dependsOn(desc *plugin.Descriptor, id string) bool {
	for _, dep := range desc.Dependencies {
		if dep.ID == id {
			return true
		}
	}
	return false
}

// publish emits a host event on the bus. Failures (a closed bus during
// shutdown) are logged at debug and otherwise ignored.
func (m *Manager) publish(topic string, payload any) {
	_, err := m.bus.Publish(bus.Message{
		Type:     topic,
		Sender:   hostSender,
		Priority: plugin.PriorityHigh,
		Payload:  payload,
	})
	if err != nil {
		m.logger.Debug("host event not published", slog.String("topic", topic), slog.Any("error", err))
	}
}

func (m *Manager) checkOpenLocked() error {
	if m.closed {
		return plugerr.New(plugerr.CodeInvalidOperation, "manager is shut down")
	}
	return nil
}

// States returns plugin id -> lifecycle state name, for operator
// surfaces like the /pluginz endpoint.
func (m *Manager) States() map[string]string {
	recs := m.reg.List()
	out := make(map[string]string, len(recs))
	for _, rec := range recs {
		out[rec.Descriptor.ID] = rec.State().String()
	}
	return out
}

// Shutdown stops monitoring and watching, unloads every plugin in
// reverse dependency order, and closes the bus and broker. Unload
// failures are collected; shutdown always runs to completion.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	mon := m.monitor
	m.monitor = nil
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	// Stop the monitor outside the lock: its loop may be blocked on a
	// restart that needs the manager mutex.
	if mon != nil {
		mon.Stop()
	}
	if w != nil {
		if err := w.Close(); err != nil {
			m.logger.Warn("watcher close failed", slog.Any("error", err))
		}
	}

	m.mu.Lock()
	order := m.unloadOrderLocked()
	var errs []error
	for _, id := range order {
		if _, _, err := m.unloadLocked(ctx, id, true); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Unlock()

	m.reg.Unobserve(m.observerID)
	m.broker.Close()
	m.bus.Close()
	return errors.Join(errs...)
}

// unloadOrderLocked computes a reverse dependency order over the
// current registry. If resolution fails the plain reverse id order is
// used; shutdown must not be blocked by a broken graph.
func (m *Manager) unloadOrderLocked() []string {
	recs := m.reg.List()
	descs := make([]*plugin.Descriptor, 0, len(recs))
	for _, rec := range recs {
		descs = append(descs, rec.Descriptor)
	}
	if res, err := depgraph.ResolveWithBreaks(descs); err == nil {
		return res.UnloadOrder
	}
	ids := make([]string, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		ids = append(ids, recs[i].Descriptor.ID)
	}
	return ids
}
