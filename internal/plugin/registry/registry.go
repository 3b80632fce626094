// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package registry holds the runtime records of loaded plugins and
// enforces the lifecycle transition matrix.
package registry

import (
	"bytes"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// Event is emitted on every state transition. Delivery is synchronous
// on the goroutine performing the transition.
type Event struct {
	PluginID string
	From     plugin.State
	To       plugin.State
	Time     time.Time
}

// Observer receives state-transition events.
type Observer func(Event)

// Registry is the process-wide table of plugin records.
//
// Mutations are serialized: while a transition event is being
// delivered, mutations from other goroutines block until delivery
// completes. A mutation attempted from inside an observer callback is
// rejected with StateError: observers must not call back into the
// registry. Reads are never blocked by delivery.
type Registry struct {
	// transMu is held across event delivery so transitions and their
	// events form one serial history.
	transMu sync.Mutex
	// emitter is the id of the goroutine delivering events, 0 when
	// idle. It distinguishes observer reentrancy from an independent
	// writer that merely has to wait.
	emitter atomic.Uint64

	mu        sync.RWMutex
	records   map[string]*Record
	observers map[string]Observer
}

// goroutineID extracts the current goroutine's id from its stack
// header ("goroutine N [running]:").
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := bytes.Fields(buf)
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records:   make(map[string]*Record),
		observers: make(map[string]Observer),
	}
}

// Observe registers a state-transition observer and returns its id.
func (r *Registry) Observe(fn Observer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := ulid.Make().String()
	r.observers[id] = fn
	return id
}

// Unobserve removes an observer by id.
func (r *Registry) Unobserve(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, id)
}

// reentrant reports whether the calling goroutine is the one currently
// delivering transition events. Such a caller already holds transMu;
// letting it block there would deadlock.
func (r *Registry) reentrant() bool {
	gid := r.emitter.Load()
	return gid != 0 && gid == goroutineID()
}

// Register adds a record. The record enters in its current state.
func (r *Registry) Register(rec *Record) error {
	if r.reentrant() {
		return plugerr.New(plugerr.CodeStateError, "registry mutation during event delivery")
	}
	r.transMu.Lock()
	defer r.transMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Descriptor.ID]; ok {
		return plugerr.WithPlugin(plugerr.CodeAlreadyLoaded, rec.Descriptor.ID, "plugin already registered")
	}
	r.records[rec.Descriptor.ID] = rec
	return nil
}

// Unregister removes a record and returns it.
func (r *Registry) Unregister(id string) (*Record, error) {
	if r.reentrant() {
		return nil, plugerr.New(plugerr.CodeStateError, "registry mutation during event delivery")
	}
	r.transMu.Lock()
	defer r.transMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, plugerr.WithPlugin(plugerr.CodePluginNotFound, id, "plugin not registered")
	}
	delete(r.records, id)
	return rec, nil
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, plugerr.WithPlugin(plugerr.CodePluginNotFound, id, "plugin not registered")
	}
	return rec, nil
}

// FindByCapability returns all records whose descriptor carries c,
// sorted by id.
func (r *Registry) FindByCapability(c plugin.Capability) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.Descriptor.Capabilities.Has(c) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// FindByState returns all records currently in state s, sorted by id.
func (r *Registry) FindByState(s plugin.State) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.State() == s {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// List returns all records sorted by id.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// Len returns the number of registered records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// SetState transitions a record, enforcing the lifecycle matrix, and
// delivers the transition event to observers before returning.
func (r *Registry) SetState(id string, to plugin.State) error {
	if r.reentrant() {
		return plugerr.New(plugerr.CodeStateError, "registry mutation during event delivery")
	}
	r.transMu.Lock()
	defer r.transMu.Unlock()

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return plugerr.WithPlugin(plugerr.CodePluginNotFound, id, "plugin not registered")
	}

	from := rec.State()
	if !plugin.CanTransition(from, to) {
		r.mu.Unlock()
		return plugerr.WithPlugin(plugerr.CodeStateError, id,
			"illegal transition %s -> %s", from, to)
	}
	if from == to {
		r.mu.Unlock()
		return nil
	}
	rec.setState(to)

	observers := make([]Observer, 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}
	r.mu.Unlock()

	// mu is released during delivery so observers can read the
	// registry; transMu stays held so no other transition interleaves.
	r.emitter.Store(goroutineID())
	event := Event{PluginID: id, From: from, To: to, Time: time.Now()}
	for _, fn := range observers {
		fn(event)
	}
	r.emitter.Store(0)
	return nil
}

// Snapshot captures membership and state for transactional rollback
// comparison.
func (r *Registry) Snapshot() map[string]plugin.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[string]plugin.State, len(r.records))
	for id, rec := range r.records {
		snap[id] = rec.State()
	}
	return snap
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Descriptor.ID < recs[j].Descriptor.ID
	})
}
