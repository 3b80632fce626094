// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/dynaplug/dynaplug/internal/bus"
	"github.com/dynaplug/dynaplug/internal/health"
	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/manager"
	"github.com/dynaplug/dynaplug/internal/plugin/plugintest"
	"github.com/dynaplug/dynaplug/internal/reqresp"
	"github.com/dynaplug/dynaplug/internal/store"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

var _ = Describe("Plugin host", func() {
	var (
		ctx     context.Context
		root    string
		factory *plugintest.Factory
		m       *manager.Manager
	)

	logger := slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))

	install := func(p *plugintest.FakePlugin) string {
		dir := filepath.Join(root, p.Meta.ID)
		Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
		blob, err := json.Marshal(p.Meta)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(filepath.Join(dir, "plugin.json"), blob, 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, p.Meta.ID), []byte("#!/bin/sh\n"), 0o700)).To(Succeed())
		factory.Register(p)
		return dir
	}

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		factory = plugintest.NewFactory()
		m = manager.New(manager.WithFactory(factory), manager.WithLogger(logger))
	})

	AfterEach(func() {
		Expect(m.Shutdown(ctx)).To(Succeed())
	})

	Describe("lifecycle", func() {
		It("drives a plugin from load to unload", func() {
			fake := plugintest.NewFakePlugin("echo", "1.0.0")
			dir := install(fake)

			rec, err := m.LoadPlugin(ctx, dir, plugin.DefaultLoadOptions())
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.State()).To(Equal(plugin.StateRunning))

			out, err := m.ExecuteCommand(ctx, "echo", "echo", json.RawMessage(`{"n":1}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(MatchJSON(`{"n":1}`))

			Expect(m.PausePlugin(ctx, "echo")).To(Succeed())
			_, err = m.ExecuteCommand(ctx, "echo", "echo", nil)
			Expect(plugerr.CodeOf(err)).To(Equal(plugerr.CodeStateError))
			Expect(m.ResumePlugin(ctx, "echo")).To(Succeed())

			Expect(m.UnloadPlugin(ctx, "echo")).To(Succeed())
			inits, shutdowns := fake.Counts()
			Expect(inits).To(Equal(1))
			Expect(shutdowns).To(Equal(1))
			Expect(factory.Closed("echo")).To(BeTrue())
		})
	})

	Describe("dependency ordering", func() {
		var paths []string

		BeforeEach(func() {
			a := plugintest.NewFakePlugin("a", "1.0.0")
			b := plugintest.NewFakePlugin("b", "1.0.0", pluginsdk.Dependency{ID: "a", Version: "^1.0"})
			c := plugintest.NewFakePlugin("c", "1.0.0", pluginsdk.Dependency{ID: "b"})
			// Deliberately scrambled.
			paths = []string{install(c), install(a), install(b)}
		})

		It("loads dependencies first and unloads dependents first", func() {
			var mu sync.Mutex
			var loaded, unloaded []string
			_, err := m.Bus().Subscribe("probe", manager.TopicLoaded, func(msg bus.Message) {
				mu.Lock()
				defer mu.Unlock()
				loaded = append(loaded, msg.Payload.(manager.LifecycleEvent).PluginID)
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Bus().Subscribe("probe", manager.TopicUnloaded, func(msg bus.Message) {
				mu.Lock()
				defer mu.Unlock()
				unloaded = append(unloaded, msg.Payload.(manager.LifecycleEvent).PluginID)
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(m.BatchLoad(ctx, paths, plugin.DefaultLoadOptions())).To(Succeed())
			Expect(m.BatchUnload(ctx, []string{"a", "b", "c"})).To(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(loaded).To(Equal([]string{"a", "b", "c"}))
			Expect(unloaded).To(Equal([]string{"c", "b", "a"}))
		})

		It("notifies dependents of state changes", func() {
			Expect(m.BatchLoad(ctx, paths, plugin.DefaultLoadOptions())).To(Succeed())

			Expect(m.PausePlugin(ctx, "a")).To(Succeed())

			rec, err := m.GetPlugin("b")
			Expect(err).NotTo(HaveOccurred())
			fake := rec.Instance.(*plugintest.FakePlugin)
			Expect(fake.DependencyChanges()).To(ContainElement("a:Paused"))
		})
	})

	Describe("transactions", func() {
		It("rolls a failed batch back completely", func() {
			a := plugintest.NewFakePlugin("a", "1.0.0")
			b := plugintest.NewFakePlugin("b", "1.0.0")
			b.InitErr = plugerr.New(plugerr.CodeInitializationFailed, "refusing")
			paths := []string{install(a), install(b)}

			err := m.BatchLoad(ctx, paths, plugin.DefaultLoadOptions())
			Expect(plugerr.CodeOf(err)).To(Equal(plugerr.CodeExecutionFailed))

			Expect(m.ListPlugins()).To(BeEmpty())
			_, shutdowns := a.Counts()
			Expect(shutdowns).To(Equal(1))
			Expect(factory.Closed("a")).To(BeTrue())
			Expect(factory.Closed("b")).To(BeTrue())
		})
	})

	Describe("message fan-out", func() {
		It("delivers to every matching subscriber", func() {
			var delivered atomic.Int64
			for i := range 10 {
				_, err := m.Bus().Subscribe(fmt.Sprintf("sub-%d", i), "metric.*", func(bus.Message) {
					delivered.Add(1)
				})
				Expect(err).NotTo(HaveOccurred())
			}

			for i := range 100 {
				n, err := m.Bus().Publish(bus.Message{
					Type:    "metric.cpu",
					Sender:  "host",
					Payload: i,
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(10))
			}

			Eventually(delivered.Load).WithTimeout(5 * time.Second).Should(Equal(int64(1000)))
		})
	})

	Describe("request broker", func() {
		It("routes calls to registered endpoints", func() {
			err := m.Broker().Register("math", "double", "a", func(_ context.Context, req reqresp.Request) (any, error) {
				return req.Payload.(int) * 2, nil
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := m.Broker().Call(ctx, reqresp.Request{
				Service: "math",
				Method:  "double",
				Sender:  "b",
				Payload: 21,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Payload).To(Equal(42))
		})

		It("times requests out and discards late completions", func() {
			release := make(chan struct{})
			err := m.Broker().Register("slow", "wait", "a", func(context.Context, reqresp.Request) (any, error) {
				<-release
				return "late", nil
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := m.Broker().Call(ctx, reqresp.Request{
				Service:  "slow",
				Method:   "wait",
				Sender:   "b",
				Deadline: time.Now().Add(50 * time.Millisecond),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(plugerr.CodeOf(resp.Err)).To(Equal(plugerr.CodeTimeoutError))

			// The handler finishing after the timeout must not overwrite
			// the timed-out response.
			close(release)
			Eventually(func() uint64 {
				return m.Broker().Stats().LateCompletions
			}).WithTimeout(2 * time.Second).Should(Equal(uint64(1)))
		})
	})

	Describe("health monitoring", func() {
		It("restarts a plugin that keeps failing probes", func() {
			fake := plugintest.NewFakePlugin("flaky", "1.0.0")
			dir := install(fake)

			_, err := m.LoadPlugin(ctx, dir, plugin.DefaultLoadOptions())
			Expect(err).NotTo(HaveOccurred())

			Expect(m.EnableHealthMonitoring(health.Options{
				Interval:         20 * time.Millisecond,
				FailureThreshold: 2,
				AutoRestart:      true,
			})).To(Succeed())

			fake.SetHealthy(false, "simulated outage")
			Eventually(func() int {
				inits, _ := fake.Counts()
				return inits
			}).WithTimeout(5 * time.Second).Should(BeNumerically(">=", 2))

			fake.SetHealthy(true, "")
			Eventually(func() plugin.State {
				rec, err := m.GetPlugin("flaky")
				if err != nil {
					return plugin.StateUnloaded
				}
				return rec.State()
			}).WithTimeout(5 * time.Second).Should(Equal(plugin.StateRunning))
		})
	})

	Describe("configuration persistence", func() {
		It("reapplies stored configuration on the next load", func() {
			st, err := store.Open(GinkgoT().TempDir())
			Expect(err).NotTo(HaveOccurred())
			pm := manager.New(
				manager.WithFactory(factory),
				manager.WithLogger(logger),
				manager.WithStore(st),
			)
			defer func() {
				Expect(pm.Shutdown(ctx)).To(Succeed())
			}()

			fake := plugintest.NewFakePlugin("echo", "1.0.0")
			fake.Meta.Capabilities = append(fake.Meta.Capabilities, "configuration")
			dir := install(fake)

			_, err = pm.LoadPlugin(ctx, dir, plugin.DefaultLoadOptions())
			Expect(err).NotTo(HaveOccurred())
			Expect(pm.ConfigurePlugin(ctx, "echo", json.RawMessage(`{"prefix":"> "}`))).To(Succeed())
			Expect(pm.UnloadPlugin(ctx, "echo")).To(Succeed())

			_, err = pm.LoadPlugin(ctx, dir, plugin.DefaultLoadOptions())
			Expect(err).NotTo(HaveOccurred())
			Expect(fake.Config()).To(MatchJSON(`{"prefix":"> "}`))
		})
	})
})
