// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg, reg)

	m.ObserveKeySetFetch("https://idp.example.com", nil)
	m.ObserveKeySetFetch("https://idp.example.com", errors.New("boom"))
	m.ObserveKeyImportError("https://idp.example.com")
	m.ObserveValidation("verified")
	m.ObserveExchangeCache(CacheHit)
	m.ObserveExchangeCache(CacheHit)
	m.ObserveExchange("200", 10*time.Millisecond)
	m.ObserveHTTPRequest(http.MethodGet, "/graph/me", "200", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.keySetFetches.WithLabelValues("https://idp.example.com", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keySetFetches.WithLabelValues("https://idp.example.com", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyImportErrors.WithLabelValues("https://idp.example.com")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validations.WithLabelValues("verified")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.exchangeCache.WithLabelValues(CacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/graph/me", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.exchangeDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveKeySetFetch("x", nil)
		m.ObserveKeyImportError("x")
		m.ObserveValidation("x")
		m.ObserveExchangeCache(CacheMiss)
		m.ObserveExchange("200", time.Second)
		m.ObserveHTTPRequest("GET", "/", "200", time.Second)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveValidation("expired")

	server := httptest.NewServer(m.Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `edgeauth_token_validations_total{outcome="expired"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
