// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument returns an http.Handler that passes requests through to
// next, and records their count and duration in the given registry.
func Instrument(registry *prometheus.Registry, next http.Handler) http.Handler {
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "cumulus",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	reqCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Number of requests received.",
	}, []string{"code", "method"})
	registry.MustRegister(reqDuration, reqCount)
	return promhttp.InstrumentHandlerDuration(reqDuration,
		promhttp.InstrumentHandlerCounter(reqCount, next))
}
