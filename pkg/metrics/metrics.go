// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors exported by edgeauth.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeauth"

// Exchange cache results.
const (
	CacheHit       = "hit"
	CacheMiss      = "miss"
	CacheStored    = "stored"
	CacheDropped   = "dropped"
	CacheReadError = "read_error"
	CacheWriteFail = "write_error"
)

// Metrics holds every collector edgeauth records.
type Metrics struct {
	registry prometheus.Gatherer

	keySetFetches    *prometheus.CounterVec
	keyImportErrors  *prometheus.CounterVec
	validations      *prometheus.CounterVec
	exchangeCache    *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with a fresh registry that
// also carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegisterer(reg, reg)
}

// NewWithRegisterer creates the collectors on reg. gatherer is used by Handler.
func NewWithRegisterer(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		registry: gatherer,
		keySetFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetches_total",
			Help:      "Discovery and key-set fetches by issuer and outcome.",
		}, []string{"issuer", "outcome"}),
		keyImportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_key_import_errors_total",
			Help:      "Key records skipped because they could not be imported.",
		}, []string{"issuer"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Bearer token validations by outcome.",
		}, []string{"outcome"}),
		exchangeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "obo_cache_operations_total",
			Help:      "On-Behalf-Of exchange cache operations by result.",
		}, []string{"result"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "obo_exchange_duration_seconds",
			Help:      "Latency of On-Behalf-Of token endpoint calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Gateway HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Gateway HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.keySetFetches,
		m.keyImportErrors,
		m.validations,
		m.exchangeCache,
		m.exchangeDuration,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveKeySetFetch records a discovery plus key-set fetch for issuer.
func (m *Metrics) ObserveKeySetFetch(issuer string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.keySetFetches.WithLabelValues(issuer, outcome).Inc()
}

// ObserveKeyImportError records a key record that was skipped.
func (m *Metrics) ObserveKeyImportError(issuer string) {
	if m == nil {
		return
	}
	m.keyImportErrors.WithLabelValues(issuer).Inc()
}

// ObserveValidation records a token validation outcome.
func (m *Metrics) ObserveValidation(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

// ObserveExchangeCache records an exchange cache operation.
func (m *Metrics) ObserveExchangeCache(result string) {
	if m == nil {
		return
	}
	m.exchangeCache.WithLabelValues(result).Inc()
}

// ObserveExchange records the latency of a token endpoint call.
func (m *Metrics) ObserveExchange(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.exchangeDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveHTTPRequest records a served gateway request.
func (m *Metrics) ObserveHTTPRequest(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
