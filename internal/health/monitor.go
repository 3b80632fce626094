// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package health periodically probes monitoring-capable plugins and
// restarts the ones that fail too many probes in a row.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/registry"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

const (
	// DefaultProbeInterval is how often the monitor probes plugins.
	DefaultProbeInterval = time.Minute

	// DefaultFailureThreshold is how many consecutive failed probes
	// trigger a restart.
	DefaultFailureThreshold = 3

	// DefaultProbeTimeout bounds a single HealthCheck call.
	DefaultProbeTimeout = 5 * time.Second
)

// Restarter restarts a plugin in place. The manager implements this by
// running an unload+load transaction.
type Restarter interface {
	RestartPlugin(ctx context.Context, pluginID string) error
}

// Options configures a Monitor.
type Options struct {
	// Interval between probe sweeps. Zero means DefaultProbeInterval.
	Interval time.Duration

	// FailureThreshold is the consecutive-failure count that triggers a
	// restart. Zero means DefaultFailureThreshold.
	FailureThreshold int

	// ProbeTimeout bounds one HealthCheck call. Zero means
	// DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// AutoRestart enables restarting plugins that cross the threshold.
	AutoRestart bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultProbeInterval
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	return o
}

// Report is one plugin's health as of the last probe.
type Report struct {
	PluginID            string
	State               plugin.State
	Healthy             bool
	Message             string
	ConsecutiveFailures int
	LastProbe           time.Time
}

// Monitor drives the probe loop. Create with New; Start begins the
// loop, Stop halts it.
type Monitor struct {
	reg       *registry.Registry
	restarter Restarter
	logger    *slog.Logger
	opts      Options

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	wg       sync.WaitGroup
	restarts map[string]int
}

// New creates a stopped monitor.
func New(reg *registry.Registry, restarter Restarter, logger *slog.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		reg:       reg,
		restarter: restarter,
		logger:    logger,
		opts:      opts.withDefaults(),
		restarts:  make(map[string]int),
	}
}

// Start begins the probe loop. Starting a running monitor is an
// InvalidOperation.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return plugerr.New(plugerr.CodeInvalidOperation, "health monitor already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.loop(m.stop)
	return nil
}

// Stop halts the probe loop and waits for it. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}

// Running reports whether the probe loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(stop chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ProbeAll(context.Background())
		case <-stop:
			return
		}
	}
}

// ProbeAll probes every running plugin with the monitoring capability
// and returns how many probes failed. Plugins that cross the failure
// threshold are restarted when AutoRestart is set.
func (m *Monitor) ProbeAll(ctx context.Context) int {
	failedProbes := 0
	unhealthy := 0
	for _, rec := range m.reg.FindByCapability(plugin.CapMonitoring) {
		if rec.State() != plugin.StateRunning {
			continue
		}
		if !m.probe(ctx, rec) {
			failedProbes++
		}
		if h := rec.Health(); !h.Healthy && !h.LastProbe.IsZero() {
			unhealthy++
		}
	}
	unhealthyPlugins.Set(float64(unhealthy))
	return failedProbes
}

func (m *Monitor) probe(ctx context.Context, rec *registry.Record) bool {
	id := rec.Descriptor.ID
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	status, err := rec.Instance.HealthCheck(probeCtx)
	cancel()

	prev := rec.Health()
	now := time.Now()
	if err == nil && status.Healthy {
		rec.SetHealth(registry.HealthSnapshot{
			Healthy:     true,
			LastMessage: status.Message,
			LastProbe:   now,
		})
		probesTotal.WithLabelValues("healthy").Inc()
		return true
	}

	message := status.Message
	if err != nil {
		message = err.Error()
	}
	failures := prev.ConsecutiveFailures + 1
	rec.SetHealth(registry.HealthSnapshot{
		Healthy:             false,
		LastMessage:         message,
		ConsecutiveFailures: failures,
		LastProbe:           now,
	})
	probesTotal.WithLabelValues("unhealthy").Inc()
	rec.Counters.Errors.Add(1)
	m.logger.WarnContext(ctx, "health probe failed",
		slog.String("plugin_id", id),
		slog.Int("consecutive_failures", failures),
		slog.String("detail", message))

	if m.opts.AutoRestart && failures >= m.opts.FailureThreshold {
		m.restart(ctx, id)
	}
	return false
}

// restart asks the restarter to replace the plugin, retrying with
// exponential backoff.
func (m *Monitor) restart(ctx context.Context, id string) {
	if m.restarter == nil {
		return
	}
	m.mu.Lock()
	m.restarts[id]++
	attempt := m.restarts[id]
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "restarting unhealthy plugin",
		slog.String("plugin_id", id),
		slog.Int("restart_count", attempt))

	backoff := retry.WithMaxRetries(2, retry.NewExponential(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.restarter.RestartPlugin(ctx, id); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		restartsTotal.WithLabelValues("failed").Inc()
		m.logger.ErrorContext(ctx, "plugin restart failed",
			slog.String("plugin_id", id), slog.Any("error", err))
		return
	}
	restartsTotal.WithLabelValues("ok").Inc()
}

// RestartCount returns how many restarts the monitor has triggered for
// a plugin.
func (m *Monitor) RestartCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[id]
}

// Snapshot reports the last known health of every monitoring-capable
// plugin.
func (m *Monitor) Snapshot() []Report {
	recs := m.reg.FindByCapability(plugin.CapMonitoring)
	out := make([]Report, 0, len(recs))
	for _, rec := range recs {
		h := rec.Health()
		out = append(out, Report{
			PluginID:            rec.Descriptor.ID,
			State:               rec.State(),
			Healthy:             h.Healthy,
			Message:             h.LastMessage,
			ConsecutiveFailures: h.ConsecutiveFailures,
			LastProbe:           h.LastProbe,
		})
	}
	return out
}

// Healthy reports whether every probed plugin is currently healthy.
func (m *Monitor) Healthy() bool {
	for _, r := range m.Snapshot() {
		if r.State == plugin.StateRunning && !r.Healthy && !r.LastProbe.IsZero() {
			return false
		}
	}
	return true
}
