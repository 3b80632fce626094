// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package health

import "github.com/prometheus/client_golang/prometheus"

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynaplug_health_probes_total",
			Help: "Health probes by result.",
		},
		[]string{"result"},
	)

	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynaplug_health_restarts_total",
			Help: "Automatic restarts triggered by failing probes, by result.",
		},
		[]string{"result"},
	)

	unhealthyPlugins = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dynaplug_health_unhealthy_plugins",
			Help: "Plugins currently failing their health checks.",
		},
	)
)

// RegisterMetrics registers the health metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(probesTotal, restartsTotal, unhealthyPlugins)
}
