// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package plugintest provides in-process fakes for plugin tests: a
// scriptable Plugin implementation, a loader Factory that dispenses
// fakes instead of launching subprocesses, and helpers that lay plugin
// directories out on disk.
package plugintest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dynaplug/dynaplug/internal/plugin/loader"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

// FakePlugin is a scriptable in-process Plugin.
type FakePlugin struct {
	mu sync.Mutex

	Meta pluginsdk.Metadata

	InitErr   error
	InitDelay time.Duration

	ShutdownErr error

	PauseErr  error
	ResumeErr error

	ConfigErr error

	Healthy   bool
	HealthMsg string
	HealthErr error

	// Commands maps command names to handlers. A nil map plus the
	// default echoes params back for the "echo" command.
	Commands map[string]func(json.RawMessage) (json.RawMessage, error)

	config json.RawMessage

	InitCalls     int
	ShutdownCalls int
	ConfigCalls   int
	PauseCalls    int
	ResumeCalls   int
	HealthCalls   int
	DepChanges    []string
}

var _ pluginsdk.Plugin = (*FakePlugin)(nil)

// NewFakePlugin builds a healthy fake with the given id and version.
func NewFakePlugin(id, version string, deps ...pluginsdk.Dependency) *FakePlugin {
	return &FakePlugin{
		Meta: pluginsdk.Metadata{
			ID:           id,
			Name:         id,
			Version:      version,
			Capabilities: []string{"service", "monitoring"},
			Dependencies: deps,
			APIVersion:   pluginsdk.APIVersion,
		},
		Healthy: true,
	}
}

func (p *FakePlugin) Metadata(context.Context) (pluginsdk.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Meta, nil
}

func (p *FakePlugin) Initialize(ctx context.Context) error {
	p.mu.Lock()
	p.InitCalls++
	delay := p.InitDelay
	err := p.InitErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *FakePlugin) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ShutdownCalls++
	return p.ShutdownErr
}

func (p *FakePlugin) ExecuteCommand(_ context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	handler, ok := p.Commands[name]
	p.mu.Unlock()
	if ok {
		return handler(params)
	}
	if name == "echo" {
		return params, nil
	}
	return nil, plugerr.New(plugerr.CodeCommandNotFound, "unknown command %q", name)
}

func (p *FakePlugin) AvailableCommands(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := []string{"echo"}
	for name := range p.Commands {
		names = append(names, name)
	}
	return names, nil
}

func (p *FakePlugin) Configure(_ context.Context, cfg json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConfigCalls++
	if p.ConfigErr != nil {
		return p.ConfigErr
	}
	p.config = append(json.RawMessage(nil), cfg...)
	return nil
}

func (p *FakePlugin) CurrentConfiguration(context.Context) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config == nil {
		return json.RawMessage(`{}`), nil
	}
	return p.config, nil
}

func (p *FakePlugin) HealthCheck(context.Context) (pluginsdk.HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HealthCalls++
	if p.HealthErr != nil {
		return pluginsdk.HealthStatus{}, p.HealthErr
	}
	return pluginsdk.HealthStatus{Healthy: p.Healthy, Message: p.HealthMsg}, nil
}

func (p *FakePlugin) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PauseCalls++
	return p.PauseErr
}

func (p *FakePlugin) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResumeCalls++
	return p.ResumeErr
}

func (p *FakePlugin) OnDependencyChanged(_ context.Context, depID, state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DepChanges = append(p.DepChanges, depID+":"+state)
	return nil
}

// SetHealthy flips the fake's health status.
func (p *FakePlugin) SetHealthy(healthy bool, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Healthy = healthy
	p.HealthMsg = msg
}

// Config returns the last applied configuration blob.
func (p *FakePlugin) Config() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// HealthProbeCount returns how many times HealthCheck was called.
func (p *FakePlugin) HealthProbeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HealthCalls
}

// DependencyChanges returns the recorded OnDependencyChanged calls as
// "depID:state" strings.
func (p *FakePlugin) DependencyChanges() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.DepChanges...)
}

// Counts returns (init, shutdown) call counts.
func (p *FakePlugin) Counts() (inits, shutdowns int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.InitCalls, p.ShutdownCalls
}

// fakeHandle dispenses a FakePlugin and tracks closure.
type fakeHandle struct {
	plugin *FakePlugin
	closed *bool
}

func (h *fakeHandle) Instance() (pluginsdk.Plugin, error) { return h.plugin, nil }

func (h *fakeHandle) Close() error {
	*h.closed = true
	return nil
}

// Factory dispenses registered fakes by plugin id (the executable's
// base name). Unregistered ids fail Open.
type Factory struct {
	mu      sync.Mutex
	plugins map[string]*FakePlugin
	closed  map[string]bool
	opens   map[string]int
	// OpenErr, when set, fails every Open.
	OpenErr error
}

var _ loader.Factory = (*Factory)(nil)

// NewFactory creates an empty fake factory.
func NewFactory() *Factory {
	return &Factory{
		plugins: make(map[string]*FakePlugin),
		closed:  make(map[string]bool),
		opens:   make(map[string]int),
	}
}

// Register installs a fake for the given plugin id.
func (f *Factory) Register(p *FakePlugin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plugins[p.Meta.ID] = p
}

// Open dispenses the fake registered for the executable's base name.
func (f *Factory) Open(execPath string) (loader.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	id := filepath.Base(execPath)
	p, ok := f.plugins[id]
	if !ok {
		return nil, plugerr.New(plugerr.CodeLoadFailed, "no fake registered for %s", id)
	}
	f.opens[id]++
	f.closed[id] = false
	closed := false
	h := &fakeHandle{plugin: p, closed: &closed}
	// Track closure through the shared map on Close.
	return &trackingHandle{fakeHandle: h, factory: f, id: id}, nil
}

type trackingHandle struct {
	*fakeHandle
	factory *Factory
	id      string
}

func (h *trackingHandle) Close() error {
	h.factory.mu.Lock()
	h.factory.closed[h.id] = true
	h.factory.mu.Unlock()
	return h.fakeHandle.Close()
}

// Closed reports whether the last handle for id was closed.
func (f *Factory) Closed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

// Opens returns how many times id was opened.
func (f *Factory) Opens(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[id]
}

// Install writes a plugin directory under root for the fake: a
// plugin.json manifest plus a placeholder executable named after the
// id. Returns the plugin directory.
func Install(t *testing.T, root string, p *FakePlugin) string {
	t.Helper()

	dir := filepath.Join(root, p.Meta.ID)
	require.NoError(t, os.MkdirAll(dir, 0o750))

	blob, err := json.Marshal(p.Meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), blob, 0o600))

	// Placeholder binary; the fake factory never executes it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, p.Meta.ID), []byte("#!/bin/sh\n"), 0o700)) //nolint:gosec // test fixture
	return dir
}
