// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/loader"
	"github.com/dynaplug/dynaplug/internal/plugin/plugintest"
	"github.com/dynaplug/dynaplug/internal/plugin/registry"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

func loadRecord(t *testing.T, id string, caps ...string) *registry.Record {
	t.Helper()
	fake := plugintest.NewFakePlugin(id, "1.0.0")
	if len(caps) > 0 {
		fake.Meta.Capabilities = caps
	}
	factory := plugintest.NewFactory()
	factory.Register(fake)
	l := loader.New(loader.WithFactory(factory))
	dir := plugintest.Install(t, t.TempDir(), fake)
	seed, err := l.Load(context.Background(), dir)
	require.NoError(t, err)
	return registry.NewRecord(seed, plugin.DefaultLoadOptions())
}

func TestRegisterLookup(t *testing.T) {
	r := registry.New()
	rec := loadRecord(t, "alpha")

	require.NoError(t, r.Register(rec))
	assert.Equal(t, 1, r.Len())

	got, err := r.Lookup("alpha")
	require.NoError(t, err)
	assert.Same(t, rec, got)
	assert.Equal(t, plugin.StateLoaded, got.State())

	t.Run("duplicate registration", func(t *testing.T) {
		err := r.Register(loadRecord(t, "alpha"))
		assert.Equal(t, plugerr.CodeAlreadyLoaded, plugerr.CodeOf(err))
	})

	t.Run("unknown lookup", func(t *testing.T) {
		_, err := r.Lookup("ghost")
		assert.Equal(t, plugerr.CodePluginNotFound, plugerr.CodeOf(err))
	})

	t.Run("unregister removes exactly one record", func(t *testing.T) {
		got, err := r.Unregister("alpha")
		require.NoError(t, err)
		assert.Same(t, rec, got)
		_, err = r.Lookup("alpha")
		assert.Error(t, err)
		_, err = r.Unregister("alpha")
		assert.Equal(t, plugerr.CodePluginNotFound, plugerr.CodeOf(err))
	})
}

func TestFindBy(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(loadRecord(t, "svc-b", "service")))
	require.NoError(t, r.Register(loadRecord(t, "svc-a", "service", "monitoring")))
	require.NoError(t, r.Register(loadRecord(t, "net-c", "network")))

	t.Run("by capability sorted by id", func(t *testing.T) {
		svcs := r.FindByCapability(plugin.CapService)
		require.Len(t, svcs, 2)
		assert.Equal(t, "svc-a", svcs[0].Descriptor.ID)
		assert.Equal(t, "svc-b", svcs[1].Descriptor.ID)
		assert.Len(t, r.FindByCapability(plugin.CapMonitoring), 1)
		assert.Empty(t, r.FindByCapability(plugin.CapScripting))
	})

	t.Run("by state", func(t *testing.T) {
		require.NoError(t, r.SetState("svc-a", plugin.StateInitializing))
		require.NoError(t, r.SetState("svc-a", plugin.StateRunning))
		running := r.FindByState(plugin.StateRunning)
		require.Len(t, running, 1)
		assert.Equal(t, "svc-a", running[0].Descriptor.ID)
		assert.Len(t, r.FindByState(plugin.StateLoaded), 2)
	})

	t.Run("list sorted", func(t *testing.T) {
		all := r.List()
		require.Len(t, all, 3)
		assert.Equal(t, "net-c", all[0].Descriptor.ID)
		assert.Equal(t, "svc-a", all[1].Descriptor.ID)
	})
}

func TestSetState(t *testing.T) {
	t.Run("enforces the transition matrix", func(t *testing.T) {
		r := registry.New()
		require.NoError(t, r.Register(loadRecord(t, "p")))

		err := r.SetState("p", plugin.StateRunning) // Loaded -> Running skips Initializing
		assert.Equal(t, plugerr.CodeStateError, plugerr.CodeOf(err))

		require.NoError(t, r.SetState("p", plugin.StateInitializing))
		require.NoError(t, r.SetState("p", plugin.StateRunning))

		err = r.SetState("p", plugin.StateStopped) // Running -> Stopped skips Stopping
		assert.Equal(t, plugerr.CodeStateError, plugerr.CodeOf(err))
	})

	t.Run("emits events in order", func(t *testing.T) {
		r := registry.New()
		require.NoError(t, r.Register(loadRecord(t, "p")))

		var events []registry.Event
		obsID := r.Observe(func(e registry.Event) { events = append(events, e) })

		require.NoError(t, r.SetState("p", plugin.StateInitializing))
		require.NoError(t, r.SetState("p", plugin.StateRunning))

		require.Len(t, events, 2)
		assert.Equal(t, plugin.StateLoaded, events[0].From)
		assert.Equal(t, plugin.StateInitializing, events[0].To)
		assert.Equal(t, plugin.StateRunning, events[1].To)

		r.Unobserve(obsID)
		require.NoError(t, r.SetState("p", plugin.StatePaused))
		assert.Len(t, events, 2)
	})

	t.Run("self transition is a silent no-op", func(t *testing.T) {
		r := registry.New()
		require.NoError(t, r.Register(loadRecord(t, "p")))
		fired := 0
		r.Observe(func(registry.Event) { fired++ })
		require.NoError(t, r.SetState("p", plugin.StateLoaded))
		assert.Zero(t, fired)
	})

	t.Run("reentrant mutation fails with StateError", func(t *testing.T) {
		r := registry.New()
		require.NoError(t, r.Register(loadRecord(t, "p")))

		var reentrantSet, reentrantUnreg error
		r.Observe(func(registry.Event) {
			reentrantSet = r.SetState("p", plugin.StateRunning)
			_, reentrantUnreg = r.Unregister("p")
		})
		require.NoError(t, r.SetState("p", plugin.StateInitializing))
		assert.Equal(t, plugerr.CodeStateError, plugerr.CodeOf(reentrantSet))
		assert.Equal(t, plugerr.CodeStateError, plugerr.CodeOf(reentrantUnreg))
	})

	t.Run("independent writer during delivery succeeds", func(t *testing.T) {
		r := registry.New()
		require.NoError(t, r.Register(loadRecord(t, "a")))
		recB := loadRecord(t, "b")

		delivering := make(chan struct{})
		proceed := make(chan struct{})
		r.Observe(func(registry.Event) {
			close(delivering)
			<-proceed
		})

		setDone := make(chan error, 1)
		go func() { setDone <- r.SetState("a", plugin.StateInitializing) }()

		<-delivering
		regDone := make(chan error, 1)
		go func() { regDone <- r.Register(recB) }()

		// A different goroutine's mutation waits for delivery to
		// finish; it must not fail and must not complete early.
		select {
		case err := <-regDone:
			t.Fatalf("register finished during event delivery: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		close(proceed)

		require.NoError(t, <-setDone)
		require.NoError(t, <-regDone)
		assert.Equal(t, 2, r.Len())
	})
}

func TestSnapshot(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(loadRecord(t, "a")))
	require.NoError(t, r.Register(loadRecord(t, "b")))
	require.NoError(t, r.SetState("a", plugin.StateInitializing))

	snap := r.Snapshot()
	assert.Equal(t, map[string]plugin.State{
		"a": plugin.StateInitializing,
		"b": plugin.StateLoaded,
	}, snap)

	// Snapshot is detached from later mutations.
	require.NoError(t, r.SetState("a", plugin.StateRunning))
	assert.Equal(t, plugin.StateInitializing, snap["a"])
}

func TestRecordConfig(t *testing.T) {
	rec := loadRecord(t, "cfg")
	assert.Nil(t, rec.Config())
	rec.SetConfig([]byte(`{"answer":42}`))
	assert.JSONEq(t, `{"answer":42}`, string(rec.Config()))
	assert.GreaterOrEqual(t, rec.Uptime().Nanoseconds(), int64(0))
}
