// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package reqresp

import "github.com/prometheus/client_golang/prometheus"

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dynaplug_reqresp_request_duration_seconds",
			Help:    "Wall time from send to completion, by service.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"service"},
	)

	requestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynaplug_reqresp_requests_total",
			Help: "Request outcomes, by service and outcome.",
		},
		[]string{"service", "outcome"},
	)
)

// RegisterMetrics registers the request/response metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(requestDuration, requestOutcomes)
}
