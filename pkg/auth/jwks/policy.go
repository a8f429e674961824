// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RefreshPolicy controls when an issuer's cached key set is fetched again.
type RefreshPolicy struct {
	// TTL is how long a fetched key set is considered fresh. Zero means a key
	// set is fetched once and kept for the life of the store.
	TTL time.Duration

	// RefreshOnUnknownKID re-fetches a known issuer's key set once when a
	// token names a key id that is not cached.
	RefreshOnUnknownKID bool

	// MinRefreshInterval rate limits unknown-kid refreshes per issuer.
	MinRefreshInterval time.Duration
}

// DefaultRefreshPolicy returns the policy used when none is configured.
func DefaultRefreshPolicy() RefreshPolicy {
	return RefreshPolicy{
		TTL:                 24 * time.Hour,
		RefreshOnUnknownKID: true,
		MinRefreshInterval:  5 * time.Minute,
	}
}

func (p RefreshPolicy) stale(fetchedAt, now time.Time) bool {
	return p.TTL > 0 && now.Sub(fetchedAt) >= p.TTL
}

func (p RefreshPolicy) newLimiter() *rate.Limiter {
	if p.MinRefreshInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(p.MinRefreshInterval), 1)
}

// issuerMatcher matches issuers against exact URLs or "prefix*" patterns.
type issuerMatcher struct {
	exact    map[string]struct{}
	prefixes []string
}

func newIssuerMatcher(patterns []string) *issuerMatcher {
	m := &issuerMatcher{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			m.prefixes = append(m.prefixes, prefix)
			continue
		}
		m.exact[p] = struct{}{}
	}
	return m
}

func (m *issuerMatcher) empty() bool {
	return len(m.exact) == 0 && len(m.prefixes) == 0
}

func (m *issuerMatcher) matches(issuer string) bool {
	if m.empty() {
		return true
	}
	if _, ok := m.exact[issuer]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(issuer, prefix) {
			return true
		}
	}
	return false
}
