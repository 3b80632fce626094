// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package registry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/loader"
	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

// HealthSnapshot is the last observed health of a plugin.
type HealthSnapshot struct {
	Healthy             bool
	LastMessage         string
	ConsecutiveFailures int
	LastProbe           time.Time
}

// Counters are per-plugin runtime counters.
type Counters struct {
	CommandsExecuted atomic.Uint64
	Errors           atomic.Uint64
}

// Record is the registry's runtime entry for a loaded plugin. The
// descriptor, instance, and handle are immutable after construction;
// state, health, and configuration are guarded by the record's mutex
// and mutated through the registry.
type Record struct {
	Descriptor *plugin.Descriptor
	Path       string
	ExecPath   string
	Digest     string
	LoadedAt   time.Time
	Instance   pluginsdk.Plugin
	Handle     loader.Handle
	Options    plugin.LoadOptions
	Counters   Counters

	mu     sync.RWMutex
	state  plugin.State
	health HealthSnapshot
	config json.RawMessage
}

// NewRecord builds a record from a loader seed. The record starts in
// StateLoaded: the process is up but not initialized.
func NewRecord(seed *loader.Seed, opts plugin.LoadOptions) *Record {
	return &Record{
		Descriptor: seed.Descriptor,
		Path:       seed.Path,
		ExecPath:   seed.ExecPath,
		Digest:     seed.Digest,
		LoadedAt:   time.Now(),
		Instance:   seed.Instance,
		Handle:     seed.Handle,
		Options:    opts,
		state:      plugin.StateLoaded,
	}
}

// State returns the current lifecycle state.
func (r *Record) State() plugin.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// setState is called by the registry under its transition checks.
func (r *Record) setState(s plugin.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Health returns the last health snapshot.
func (r *Record) Health() HealthSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// SetHealth replaces the health snapshot.
func (r *Record) SetHealth(h HealthSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = h
}

// Config returns the last applied configuration blob.
func (r *Record) Config() json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// SetConfig records the applied configuration blob.
func (r *Record) SetConfig(cfg json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = append(json.RawMessage(nil), cfg...)
}

// Uptime is the time since the plugin was loaded.
func (r *Record) Uptime() time.Duration {
	return time.Since(r.LoadedAt)
}

// Seed rebuilds a loader seed from the record, for unloading.
func (r *Record) Seed() *loader.Seed {
	return &loader.Seed{
		Descriptor: r.Descriptor,
		Instance:   r.Instance,
		Handle:     r.Handle,
		Path:       r.Path,
		ExecPath:   r.ExecPath,
		Digest:     r.Digest,
	}
}
