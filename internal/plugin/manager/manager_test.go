// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package manager_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dynaplug/dynaplug/internal/bus"
	"github.com/dynaplug/dynaplug/internal/health"
	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/lifecycle"
	"github.com/dynaplug/dynaplug/internal/plugin/manager"
	"github.com/dynaplug/dynaplug/internal/plugin/plugintest"
	"github.com/dynaplug/dynaplug/internal/store"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dep(id string) pluginsdk.Dependency {
	return pluginsdk.Dependency{ID: id}
}

type fixture struct {
	m       *manager.Manager
	factory *plugintest.Factory
	root    string
}

func newFixture(t *testing.T, opts []manager.Option, fakes ...*plugintest.FakePlugin) *fixture {
	t.Helper()
	factory := plugintest.NewFactory()
	root := t.TempDir()
	for _, f := range fakes {
		factory.Register(f)
		plugintest.Install(t, root, f)
	}
	all := append([]manager.Option{
		manager.WithFactory(factory),
		manager.WithLogger(discard()),
	}, opts...)
	m := manager.New(all...)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return &fixture{m: m, factory: factory, root: root}
}

func (f *fixture) dir(id string) string {
	return filepath.Join(f.root, id)
}

func TestLoadInitializeExecuteUnload(t *testing.T) {
	echo := plugintest.NewFakePlugin("echo", "1.0.0")
	f := newFixture(t, nil, echo)
	ctx := context.Background()

	rec, err := f.m.LoadPlugin(ctx, f.dir("echo"), plugin.DefaultLoadOptions())
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, rec.State())
	inits, _ := echo.Counts()
	assert.Equal(t, 1, inits)

	out, err := f.m.ExecuteCommand(ctx, "echo", "echo", json.RawMessage(`{"hi":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hi":true}`, string(out))
	assert.Equal(t, uint64(1), rec.Counters.CommandsExecuted.Load())

	require.NoError(t, f.m.UnloadPlugin(ctx, "echo"))
	_, shutdowns := echo.Counts()
	assert.Equal(t, 1, shutdowns)
	assert.True(t, f.factory.Closed("echo"))

	_, err = f.m.GetPlugin("echo")
	assert.Equal(t, plugerr.CodePluginNotFound, plugerr.CodeOf(err))
}

func TestBatchLoadFollowsDependencyOrder(t *testing.T) {
	a := plugintest.NewFakePlugin("a", "1.0.0")
	b := plugintest.NewFakePlugin("b", "1.0.0", dep("a"))
	c := plugintest.NewFakePlugin("c", "1.0.0", dep("b"))
	f := newFixture(t, nil, a, b, c)
	ctx := context.Background()

	var mu sync.Mutex
	var loaded []string
	_, err := f.m.Bus().Subscribe("test", manager.TopicLoaded, func(msg bus.Message) {
		mu.Lock()
		defer mu.Unlock()
		ev, ok := msg.Payload.(manager.LifecycleEvent)
		if ok {
			loaded = append(loaded, ev.PluginID)
		}
	})
	require.NoError(t, err)

	// Scrambled input; the transaction must load dependencies first.
	err = f.m.BatchLoad(ctx, []string{f.dir("c"), f.dir("a"), f.dir("b")}, plugin.DefaultLoadOptions())
	require.NoError(t, err)

	mu.Lock()
	order := append([]string(nil), loaded...)
	mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)

	for _, id := range []string{"a", "b", "c"} {
		rec, err := f.m.GetPlugin(id)
		require.NoError(t, err)
		assert.Equal(t, plugin.StateRunning, rec.State())
	}
}

func TestBatchLoadRollsBackOnFailure(t *testing.T) {
	a := plugintest.NewFakePlugin("a", "1.0.0")
	b := plugintest.NewFakePlugin("b", "1.0.0")
	b.InitErr = plugerr.New(plugerr.CodeInitializationFailed, "scripted")
	f := newFixture(t, nil, a, b)
	ctx := context.Background()

	err := f.m.BatchLoad(ctx, []string{f.dir("a"), f.dir("b")}, plugin.DefaultLoadOptions())
	require.Error(t, err)
	assert.Equal(t, plugerr.CodeExecutionFailed, plugerr.CodeOf(err))

	// Nothing survives the rollback.
	assert.Zero(t, f.m.Registry().Len())
	assert.True(t, f.factory.Closed("a"))
	assert.True(t, f.factory.Closed("b"))
	_, shutdowns := a.Counts()
	assert.Equal(t, 1, shutdowns)
}

func TestUnloadRefusedWhileRequired(t *testing.T) {
	a := plugintest.NewFakePlugin("a", "1.0.0")
	b := plugintest.NewFakePlugin("b", "1.0.0", dep("a"))
	f := newFixture(t, nil, a, b)
	ctx := context.Background()

	_, err := f.m.LoadPlugin(ctx, f.dir("a"), plugin.DefaultLoadOptions())
	require.NoError(t, err)
	_, err = f.m.LoadPlugin(ctx, f.dir("b"), plugin.DefaultLoadOptions())
	require.NoError(t, err)

	err = f.m.UnloadPlugin(ctx, "a")
	assert.Equal(t, plugerr.CodeDependencyMissing, plugerr.CodeOf(err))

	require.NoError(t, f.m.UnloadPlugin(ctx, "b"))
	require.NoError(t, f.m.UnloadPlugin(ctx, "a"))
}

func TestLoadRefusedWithoutDependency(t *testing.T) {
	b := plugintest.NewFakePlugin("b", "1.0.0", dep("a"))
	f := newFixture(t, nil, b)

	_, err := f.m.LoadPlugin(context.Background(), f.dir("b"), plugin.DefaultLoadOptions())
	assert.Equal(t, plugerr.CodeDependencyMissing, plugerr.CodeOf(err))
	assert.Zero(t, f.m.Registry().Len())
}

func TestVersionConstraintEnforced(t *testing.T) {
	a := plugintest.NewFakePlugin("a", "1.2.0")
	b := plugintest.NewFakePlugin("b", "1.0.0", pluginsdk.Dependency{ID: "a", Version: "^2.0"})
	f := newFixture(t, nil, a, b)
	ctx := context.Background()

	_, err := f.m.LoadPlugin(ctx, f.dir("a"), plugin.DefaultLoadOptions())
	require.NoError(t, err)
	_, err = f.m.LoadPlugin(ctx, f.dir("b"), plugin.DefaultLoadOptions())
	assert.Equal(t, plugerr.CodeVersionMismatch, plugerr.CodeOf(err))
}

func TestDependentsNotifiedOnStateChange(t *testing.T) {
	a := plugintest.NewFakePlugin("a", "1.0.0")
	b := plugintest.NewFakePlugin("b", "1.0.0", dep("a"))
	f := newFixture(t, nil, a, b)
	ctx := context.Background()

	_, err := f.m.LoadPlugin(ctx, f.dir("a"), plugin.DefaultLoadOptions())
	require.NoError(t, err)
	_, err = f.m.LoadPlugin(ctx, f.dir("b"), plugin.DefaultLoadOptions())
	require.NoError(t, err)

	require.NoError(t, f.m.PausePlugin(ctx, "a"))
	assert.Contains(t, b.DependencyChanges(), "a:Paused")

	require.NoError(t, f.m.ResumePlugin(ctx, "a"))
	assert.Contains(t, b.DependencyChanges(), "a:Running")
}

func TestExecuteCommandRequiresRunning(t *testing.T) {
	echo := plugintest.NewFakePlugin("echo", "1.0.0")
	f := newFixture(t, nil, echo)
	ctx := context.Background()

	_, err := f.m.LoadPlugin(ctx, f.dir("echo"), plugin.DefaultLoadOptions())
	require.NoError(t, err)

	require.NoError(t, f.m.PausePlugin(ctx, "echo"))
	_, err = f.m.ExecuteCommand(ctx, "echo", "echo", nil)
	assert.Equal(t, plugerr.CodeStateError, plugerr.CodeOf(err))

	require.NoError(t, f.m.ResumePlugin(ctx, "echo"))
	_, err = f.m.ExecuteCommand(ctx, "echo", "no-such-command", nil)
	assert.Equal(t, plugerr.CodeCommandNotFound, plugerr.CodeOf(err))

	names, err := f.m.AvailableCommands(ctx, "echo")
	require.NoError(t, err)
	assert.Contains(t, names, "echo")
}

func TestConfigurationPersistsAcrossLoads(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	echo := plugintest.NewFakePlugin("echo", "1.0.0")
	f := newFixture(t, []manager.Option{manager.WithStore(st)}, echo)
	ctx := context.Background()

	_, err = f.m.LoadPlugin(ctx, f.dir("echo"), plugin.DefaultLoadOptions())
	require.NoError(t, err)

	blob := json.RawMessage(`{"volume":7}`)
	require.NoError(t, f.m.ConfigurePlugin(ctx, "echo", blob))
	assert.JSONEq(t, string(blob), string(echo.Config()))

	require.NoError(t, f.m.UnloadPlugin(ctx, "echo"))

	// The stored blob is reapplied on the next load.
	rec, err := f.m.LoadPlugin(ctx, f.dir("echo"), plugin.DefaultLoadOptions())
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, rec.State())
	assert.JSONEq(t, string(blob), string(rec.Config()))
}

func TestBatchUpdateConfigsRollsBack(t *testing.T) {
	a := plugintest.NewFakePlugin("a", "1.0.0")
	b := plugintest.NewFakePlugin("b", "1.0.0")
	b.ConfigErr = plugerr.New(plugerr.CodeConfigurationError, "scripted")
	f := newFixture(t, nil, a, b)
	ctx := context.Background()

	_, err := f.m.LoadPlugin(ctx, f.dir("a"), plugin.DefaultLoadOptions())
	require.NoError(t, err)
	_, err = f.m.LoadPlugin(ctx, f.dir("b"), plugin.DefaultLoadOptions())
	require.NoError(t, err)

	err = f.m.BatchUpdateConfigs(ctx, map[string]json.RawMessage{
		"a": json.RawMessage(`{"x":1}`),
		"b": json.RawMessage(`{"y":2}`),
	})
	require.Error(t, err)
	assert.Equal(t, plugerr.CodeExecutionFailed, plugerr.CodeOf(err))

	// a's configure was undone with its previous (empty) blob.
	assert.Empty(t, a.Config())
}

func TestReloadCarriesOptionsAndConfig(t *testing.T) {
	echo := plugintest.NewFakePlugin("echo", "1.0.0")
	f := newFixture(t, nil, echo)
	ctx := context.Background()

	_, err := f.m.LoadPlugin(ctx, f.dir("echo"), plugin.DefaultLoadOptions())
	require.NoError(t, err)
	blob := json.RawMessage(`{"volume":3}`)
	require.NoError(t, f.m.ConfigurePlugin(ctx, "echo", blob))

	// Subscriptions and endpoints do not survive the reload.
	_, err = f.m.Bus().Subscribe("echo", "news.*", func(bus.Message) {})
	require.NoError(t, err)

	rec, err := f.m.ReloadPlugin(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, rec.State())
	assert.Equal(t, 2, f.factory.Opens("echo"))
	inits, shutdowns := echo.Counts()
	assert.Equal(t, 2, inits)
	assert.Equal(t, 1, shutdowns)
	assert.JSONEq(t, string(blob), string(rec.Config()))

	for _, sub := range f.m.Bus().Subscriptions() {
		assert.NotEqual(t, "echo", sub.Subscriber())
	}
}

func TestHealthMonitorRestartsFailingPlugin(t *testing.T) {
	flaky := plugintest.NewFakePlugin("flaky", "1.0.0")
	f := newFixture(t, nil, flaky)
	ctx := context.Background()

	_, err := f.m.LoadPlugin(ctx, f.dir("flaky"), plugin.DefaultLoadOptions())
	require.NoError(t, err)

	flaky.SetHealthy(false, "degraded")
	require.NoError(t, f.m.EnableHealthMonitoring(health.Options{
		Interval:         20 * time.Millisecond,
		FailureThreshold: 2,
		ProbeTimeout:     time.Second,
		AutoRestart:      true,
	}))
	err = f.m.EnableHealthMonitoring(health.Options{})
	assert.Equal(t, plugerr.CodeInvalidOperation, plugerr.CodeOf(err))

	require.Eventually(t, func() bool {
		inits, _ := flaky.Counts()
		return inits >= 2
	}, 10*time.Second, 20*time.Millisecond, "plugin was not restarted")

	flaky.SetHealthy(true, "")
	require.Eventually(t, func() bool {
		rec, err := f.m.GetPlugin("flaky")
		return err == nil && rec.State() == plugin.StateRunning
	}, 10*time.Second, 20*time.Millisecond, "plugin did not settle after recovery")

	f.m.DisableHealthMonitoring()
	f.m.DisableHealthMonitoring() // second disable is a no-op
}

func TestTransactionNestingRefused(t *testing.T) {
	f := newFixture(t, nil)

	tx, err := f.m.BeginTransaction()
	require.NoError(t, err)

	_, err = f.m.BeginTransaction()
	assert.Equal(t, plugerr.CodeInvalidOperation, plugerr.CodeOf(err))

	require.NoError(t, tx.Abort())

	tx2, err := f.m.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx2.Abort())
}

func TestSignaturePolicy(t *testing.T) {
	t.Run("maximum requires a verifier", func(t *testing.T) {
		echo := plugintest.NewFakePlugin("echo", "1.0.0")
		f := newFixture(t, nil, echo)
		opts := plugin.DefaultLoadOptions()
		opts.SecurityLevel = plugin.SecurityMaximum
		_, err := f.m.LoadPlugin(context.Background(), f.dir("echo"), opts)
		assert.Equal(t, plugerr.CodeSecurityViolation, plugerr.CodeOf(err))
	})

	t.Run("rejecting verifier blocks the load", func(t *testing.T) {
		echo := plugintest.NewFakePlugin("echo", "1.0.0")
		verifier := func(_ context.Context, _, _ string, _ plugin.SecurityLevel) error {
			return plugerr.New(plugerr.CodeSignatureInvalid, "bad signature")
		}
		f := newFixture(t, []manager.Option{manager.WithVerifier(verifier)}, echo)
		opts := plugin.DefaultLoadOptions()
		opts.ValidateSignature = true
		_, err := f.m.LoadPlugin(context.Background(), f.dir("echo"), opts)
		assert.Equal(t, plugerr.CodeSignatureInvalid, plugerr.CodeOf(err))
		assert.Zero(t, f.m.Registry().Len())
		assert.True(t, f.factory.Closed("echo"))
	})

	t.Run("accepting verifier sees the digest", func(t *testing.T) {
		echo := plugintest.NewFakePlugin("echo", "1.0.0")
		var gotDigest string
		verifier := func(_ context.Context, _, digest string, _ plugin.SecurityLevel) error {
			gotDigest = digest
			return nil
		}
		f := newFixture(t, []manager.Option{manager.WithVerifier(verifier)}, echo)
		opts := plugin.DefaultLoadOptions()
		opts.SecurityLevel = plugin.SecurityMaximum
		rec, err := f.m.LoadPlugin(context.Background(), f.dir("echo"), opts)
		require.NoError(t, err)
		assert.Equal(t, rec.Digest, gotDigest)
		assert.NotEmpty(t, gotDigest)
	})
}

func TestTrustIndexCatchesChangedBinary(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	echo := plugintest.NewFakePlugin("echo", "1.0.0")
	f := newFixture(t, []manager.Option{manager.WithStore(st)}, echo)
	ctx := context.Background()

	opts := plugin.DefaultLoadOptions()
	opts.SecurityLevel = plugin.SecurityStrict
	_, err = f.m.LoadPlugin(ctx, f.dir("echo"), opts)
	require.NoError(t, err)
	require.NoError(t, f.m.UnloadPlugin(ctx, "echo"))

	// Tamper with the executable between loads.
	exec := filepath.Join(f.dir("echo"), "echo")
	require.NoError(t, os.WriteFile(exec, []byte("#!/bin/sh\nexit 1\n"), 0o700)) //nolint:gosec // test fixture

	_, err = f.m.LoadPlugin(ctx, f.dir("echo"), opts)
	assert.Equal(t, plugerr.CodeUntrustedSource, plugerr.CodeOf(err))
	assert.Zero(t, f.m.Registry().Len())
}

func TestDiscoverAndLoadByID(t *testing.T) {
	a := plugintest.NewFakePlugin("alpha", "1.0.0")
	b := plugintest.NewFakePlugin("beta", "2.0.0")
	f := newFixture(t, nil, a, b)

	require.NoError(t, f.m.AddSearchPath(f.root))
	require.NoError(t, f.m.AddSearchPath(f.root)) // idempotent
	assert.Len(t, f.m.SearchPaths(), 1)

	descs, err := f.m.DiscoverPlugins()
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].ID)
	assert.Equal(t, "beta", descs[1].ID)

	rec, err := f.m.LoadPluginByID(context.Background(), "beta", plugin.DefaultLoadOptions())
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, rec.State())

	_, err = f.m.LoadPluginByID(context.Background(), "gamma", plugin.DefaultLoadOptions())
	assert.Equal(t, plugerr.CodePluginNotFound, plugerr.CodeOf(err))
}

func TestLoadPluginDirectory(t *testing.T) {
	a := plugintest.NewFakePlugin("a", "1.0.0")
	b := plugintest.NewFakePlugin("b", "1.0.0", dep("a"))
	broken := plugintest.NewFakePlugin("broken", "1.0.0")
	broken.InitErr = plugerr.New(plugerr.CodeInitializationFailed, "scripted")
	f := newFixture(t, nil, a, b, broken)

	loaded, err := f.m.LoadPluginDirectory(context.Background(), f.root, plugin.DefaultLoadOptions())
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, loaded)

	// The broken plugin stays registered in Error for inspection.
	rec, err := f.m.GetPlugin("broken")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateError, rec.State())
}

func TestHotReloadOnBinaryChange(t *testing.T) {
	echo := plugintest.NewFakePlugin("echo", "1.0.0")
	echo.Meta.Capabilities = append(echo.Meta.Capabilities, "hot_reload")
	f := newFixture(t, nil, echo)
	ctx := context.Background()

	opts := plugin.DefaultLoadOptions()
	opts.EnableHotReload = true
	_, err := f.m.LoadPlugin(ctx, f.dir("echo"), opts)
	require.NoError(t, err)

	exec := filepath.Join(f.dir("echo"), "echo")
	require.NoError(t, os.WriteFile(exec, []byte("#!/bin/sh\n# v2\n"), 0o700)) //nolint:gosec // test fixture

	require.Eventually(t, func() bool {
		inits, _ := echo.Counts()
		if inits < 2 {
			return false
		}
		rec, err := f.m.GetPlugin("echo")
		return err == nil && rec.State() == plugin.StateRunning
	}, 10*time.Second, 50*time.Millisecond, "change did not trigger a reload")
}

func TestShutdownUnloadsEverything(t *testing.T) {
	a := plugintest.NewFakePlugin("a", "1.0.0")
	b := plugintest.NewFakePlugin("b", "1.0.0", dep("a"))
	f := newFixture(t, nil, a, b)
	ctx := context.Background()

	_, err := f.m.LoadPlugin(ctx, f.dir("a"), plugin.DefaultLoadOptions())
	require.NoError(t, err)
	_, err = f.m.LoadPlugin(ctx, f.dir("b"), plugin.DefaultLoadOptions())
	require.NoError(t, err)

	require.NoError(t, f.m.Shutdown(ctx))
	assert.Zero(t, f.m.Registry().Len())
	assert.True(t, f.factory.Closed("a"))
	assert.True(t, f.factory.Closed("b"))

	// Idempotent, and operations after shutdown are refused.
	require.NoError(t, f.m.Shutdown(ctx))
	_, err = f.m.LoadPlugin(ctx, f.dir("a"), plugin.DefaultLoadOptions())
	assert.Equal(t, plugerr.CodeInvalidOperation, plugerr.CodeOf(err))
	_, err = f.m.BeginTransaction()
	assert.Equal(t, plugerr.CodeInvalidOperation, plugerr.CodeOf(err))
}

func TestStatesSnapshot(t *testing.T) {
	echo := plugintest.NewFakePlugin("echo", "1.0.0")
	f := newFixture(t, nil, echo)
	ctx := context.Background()

	opts := plugin.DefaultLoadOptions()
	opts.InitializeImmediately = false
	_, err := f.m.LoadPlugin(ctx, f.dir("echo"), opts)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo": "Loaded"}, f.m.States())

	require.NoError(t, f.m.InitializePlugin(ctx, "echo"))
	assert.Equal(t, map[string]string{"echo": "Running"}, f.m.States())
}

func TestLifecycleHooks(t *testing.T) {
	echo := plugintest.NewFakePlugin("echo", "1.0.0")
	f := newFixture(t, nil, echo)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	postID := f.m.RegisterHook(lifecycle.PostLoad, func(_ context.Context, _ lifecycle.Point, desc *plugin.Descriptor) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, desc.ID)
		return nil
	})
	denyID := f.m.RegisterHook(lifecycle.PreLoad, func(context.Context, lifecycle.Point, *plugin.Descriptor) error {
		return plugerr.New(plugerr.CodePermissionDenied, "not today")
	})

	// A failing pre-load hook aborts the load before the process starts.
	_, err := f.m.LoadPlugin(ctx, f.dir("echo"), plugin.DefaultLoadOptions())
	require.Error(t, err)
	assert.Equal(t, plugerr.CodeLoadFailed, plugerr.CodeOf(err))
	assert.Zero(t, f.m.Registry().Len())

	f.m.UnregisterHook(denyID)
	_, err = f.m.LoadPlugin(ctx, f.dir("echo"), plugin.DefaultLoadOptions())
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"echo"}, seen)
	mu.Unlock()
	f.m.UnregisterHook(postID)
}
