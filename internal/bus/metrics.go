// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package bus

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynaplug_bus_messages_published_total",
			Help: "Messages published to the bus, by message type.",
		},
		[]string{"type"},
	)

	messagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynaplug_bus_messages_delivered_total",
			Help: "Messages delivered to subscriptions, by delivery mode.",
		},
		[]string{"mode"},
	)

	filterPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dynaplug_bus_filter_panics_total",
			Help: "Subscription filters that panicked during matching.",
		},
	)

	handlerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dynaplug_bus_handler_panics_total",
			Help: "Subscription handlers that panicked during delivery.",
		},
	)

	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dynaplug_bus_subscriptions_active",
			Help: "Currently active subscriptions.",
		},
	)
)

// RegisterMetrics registers the bus metrics with reg. Call once per
// registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		messagesPublished,
		messagesDelivered,
		filterPanics,
		handlerPanics,
		activeSubscriptions,
	)
}
