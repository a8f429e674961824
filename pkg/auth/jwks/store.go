// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwks maintains the per-issuer signing keys used to verify bearer
// tokens. Keys are discovered through the issuer's OpenID Connect metadata,
// imported as RS256 public keys and cached according to a RefreshPolicy.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stacklok/edgeauth/pkg/auth/oidc"
	"github.com/stacklok/edgeauth/pkg/logger"
	"github.com/stacklok/edgeauth/pkg/metrics"
)

const (
	// DefaultKeyID is used when a token header or key record carries no kid.
	DefaultKeyID = "default"

	// SigningAlgorithm is the only algorithm keys are imported for.
	SigningAlgorithm = "RS256"

	// rsaExponent is the fixed public exponent (65537) imported keys use.
	rsaExponent = "AQAB"

	// fetchTimeout bounds a coalesced discovery plus key-set fetch.
	fetchTimeout = 30 * time.Second
)

// KeyFetcher retrieves discovery documents and key sets. *oidc.Client
// implements it.
type KeyFetcher interface {
	GetMetadata(ctx context.Context, issuer string) (*oidc.DiscoveryDocument, error)
	GetKeySet(ctx context.Context, jwksURI string) (*oidc.KeySet, error)
}

// SigningKey is an imported verification key. It is never mutated after
// import; a later import of the same kid replaces it.
type SigningKey struct {
	Issuer    string
	KeyID     string
	Algorithm string
	PublicKey *rsa.PublicKey
}

type issuerKeySet struct {
	keys      map[string]*SigningKey
	fetchedAt time.Time
}

// TrustStore caches signing keys per issuer. It is safe for concurrent use.
type TrustStore struct {
	fetcher KeyFetcher
	policy  RefreshPolicy
	issuers *issuerMatcher
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sets     map[string]*issuerKeySet
	limiters map[string]*rate.Limiter

	flight singleflight.Group
}

// Option configures a TrustStore.
type Option func(*TrustStore)

// WithRefreshPolicy sets the key set refresh policy.
func WithRefreshPolicy(p RefreshPolicy) Option {
	return func(s *TrustStore) {
		s.policy = p
	}
}

// WithTrustedIssuers restricts the issuers keys are fetched for. Patterns are
// exact issuer URLs or prefixes ending in "*". No patterns trusts any issuer.
func WithTrustedIssuers(patterns ...string) Option {
	return func(s *TrustStore) {
		s.issuers = newIssuerMatcher(patterns)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TrustStore) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TrustStore) {
		s.logger = l
	}
}

// WithMetrics records fetch and import outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *TrustStore) {
		s.metrics = m
	}
}

// NewTrustStore creates an empty TrustStore backed by fetcher.
func NewTrustStore(fetcher KeyFetcher, opts ...Option) *TrustStore {
	s := &TrustStore{
		fetcher:  fetcher,
		policy:   DefaultRefreshPolicy(),
		issuers:  newIssuerMatcher(nil),
		now:      time.Now,
		logger:   logger.Component("jwks"),
		sets:     make(map[string]*issuerKeySet),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.issuers.empty() {
		s.logger.Warn("no trusted issuers configured; keys will be fetched for any issuer a token names")
	}
	return s
}

// Trusts reports whether keys may be fetched for issuer.
func (s *TrustStore) Trusts(issuer string) bool {
	return issuer != "" && s.issuers.matches(issuer)
}

// ImportKey imports a raw JWKS record for issuer and upserts it under its
// kid. The record's modulus is used with a fixed exponent and algorithm.
func (s *TrustStore) ImportKey(issuer string, raw oidc.JSONWebKey) error {
	key, err := importKey(issuer, raw)
	if err != nil {
		return err
	}

	// published sets are read without the lock, so copy on write
	s.mu.Lock()
	defer s.mu.Unlock()
	next := &issuerKeySet{keys: make(map[string]*SigningKey), fetchedAt: s.now()}
	if set, ok := s.sets[issuer]; ok {
		maps.Copy(next.keys, set.keys)
		next.fetchedAt = set.fetchedAt
	}
	next.keys[key.KeyID] = key
	s.sets[issuer] = next
	return nil
}

// Lookup returns a cached key without any network access.
func (s *TrustStore) Lookup(issuer, kid string) (*SigningKey, bool) {
	if kid == "" {
		kid = DefaultKeyID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[issuer]
	if !ok {
		return nil, false
	}
	key, ok := set.keys[kid]
	return key, ok
}

// ResolveKey returns the signing key for issuer and kid, fetching the
// issuer's key set when it is not cached or is stale. Concurrent fetches for
// one issuer are coalesced.
func (s *TrustStore) ResolveKey(ctx context.Context, issuer, kid string) (*SigningKey, error) {
	if !s.Trusts(issuer) {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, issuer)
	}
	if kid == "" {
		kid = DefaultKeyID
	}

	set, ok := s.keySet(issuer)
	fetched := false
	if !ok || s.policy.stale(set.fetchedAt, s.now()) {
		refreshed, err := s.refresh(ctx, issuer, false)
		switch {
		case err == nil:
			set, fetched = refreshed, true
		case ok:
			s.logger.Warn("key set refresh failed; serving cached keys",
				"issuer", issuer, "error", err)
		default:
			return nil, err
		}
	}

	if key, found := set.keys[kid]; found {
		return key, nil
	}

	if !fetched && s.allowUnknownKIDRefresh(issuer, set) {
		s.logger.Debug("unknown key id; refreshing key set", "issuer", issuer, "kid", kid)
		refreshed, err := s.refresh(ctx, issuer, true)
		if err != nil {
			s.logger.Warn("key set refresh for unknown kid failed", "issuer", issuer, "error", err)
		} else if key, found := refreshed.keys[kid]; found {
			return key, nil
		}
	}

	return nil, &KeyNotFoundError{Issuer: issuer, KeyID: kid}
}

func (s *TrustStore) keySet(issuer string) (*issuerKeySet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[issuer]
	return set, ok
}

func (s *TrustStore) allowUnknownKIDRefresh(issuer string, set *issuerKeySet) bool {
	if !s.policy.RefreshOnUnknownKID {
		return false
	}
	if s.now().Sub(set.fetchedAt) < s.policy.MinRefreshInterval {
		return false
	}

	s.mu.Lock()
	limiter, ok := s.limiters[issuer]
	if !ok {
		limiter = s.policy.newLimiter()
		s.limiters[issuer] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}

// refresh fetches and swaps in the issuer's key set. Unless force is set, a
// set made fresh by a concurrent caller is returned without fetching.
func (s *TrustStore) refresh(ctx context.Context, issuer string, force bool) (*issuerKeySet, error) {
	result, err, _ := s.flight.Do(issuer, func() (any, error) {
		if !force {
			if set, ok := s.keySet(issuer); ok && !s.policy.stale(set.fetchedAt, s.now()) {
				return set, nil
			}
		}

		// The fetch is shared by every waiter, so it must not die with the
		// first caller's request.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		set, err := s.fetch(fetchCtx, issuer)
		s.metrics.ObserveKeySetFetch(issuer, err)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.sets[issuer] = set
		s.mu.Unlock()

		s.logger.Info("key set loaded", "issuer", issuer, "keys", len(set.keys))
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*issuerKeySet), nil
}

func (s *TrustStore) fetch(ctx context.Context, issuer string) (*issuerKeySet, error) {
	doc, err := s.fetcher.GetMetadata(ctx, issuer)
	if err != nil {
		return nil, err
	}
	raw, err := s.fetcher.GetKeySet(ctx, doc.JWKSURI)
	if err != nil {
		return nil, err
	}

	imported := make([]*SigningKey, len(raw.Keys))
	var g errgroup.Group
	for i, record := range raw.Keys {
		g.Go(func() error {
			key, err := importKey(issuer, record)
			if err != nil {
				s.metrics.ObserveKeyImportError(issuer)
				s.logger.Warn("skipping key record", "issuer", issuer, "kid", record.KeyID, "error", err)
				return nil
			}
			imported[i] = key
			return nil
		})
	}
	_ = g.Wait()

	// document order decides duplicate kids: last write wins
	set := &issuerKeySet{keys: make(map[string]*SigningKey, len(imported)), fetchedAt: s.now()}
	for _, key := range imported {
		if key != nil {
			set.keys[key.KeyID] = key
		}
	}
	return set, nil
}

func importKey(issuer string, raw oidc.JSONWebKey) (*SigningKey, error) {
	if raw.KeyType != "" && raw.KeyType != "RSA" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, raw.KeyType)
	}
	if raw.N == "" {
		return nil, ErrMissingModulus
	}

	doc, err := json.Marshal(map[string]string{
		"kty": "RSA",
		"n":   raw.N,
		"e":   rsaExponent,
		"alg": SigningAlgorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode key record: %w", err)
	}

	key, err := jwk.ParseKey(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key: %w", err)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	pub, ok := rawKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: exported %T", ErrUnsupportedKeyType, rawKey)
	}

	kid := raw.KeyID
	if kid == "" {
		kid = DefaultKeyID
	}
	return &SigningKey{
		Issuer:    issuer,
		KeyID:     kid,
		Algorithm: SigningAlgorithm,
		PublicKey: pub,
	}, nil
}
