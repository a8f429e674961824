// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package obo performs OAuth 2.0 On-Behalf-Of token exchanges and caches
// the results.
//
// Responses are cached under a content-addressed key: the SHA-256 of the
// exact request body appended to the tenant's token endpoint. Two requests
// with the same assertion, client and scope therefore share one entry, and
// any change to the body produces a different key. Successful responses are
// written through a cache.Populator so the caller never waits on the store.
package obo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/edgeauth/pkg/cache"
	"github.com/stacklok/edgeauth/pkg/logger"
	"github.com/stacklok/edgeauth/pkg/metrics"
	"github.com/stacklok/edgeauth/pkg/networking"
)

const (
	// DefaultAuthority is the Microsoft identity platform authority.
	DefaultAuthority = "https://login.microsoftonline.com"

	// DefaultScope requests a Microsoft Graph token.
	DefaultScope = "https://graph.microsoft.com/.default"

	// defaultHTTPTimeout is the timeout for token endpoint requests
	defaultHTTPTimeout = 30 * time.Second
)

// Config holds the configuration for On-Behalf-Of exchanges.
type Config struct {
	// Authority is the base URL tenants are resolved against
	Authority string

	// ClientID is the OAuth 2.0 client identifier of this gateway
	ClientID string

	// ClientSecret is the OAuth 2.0 client secret of this gateway
	ClientSecret string

	// Scope is requested for the delegated token
	Scope string

	// CacheTTL is the freshness window of a cached response. A shorter
	// expires_in in the response takes precedence.
	CacheTTL time.Duration
}

// String implements fmt.Stringer for Config, redacting the client secret.
func (c Config) String() string {
	clientSecret := redactedPlaceholder
	if c.ClientSecret == "" {
		clientSecret = emptyPlaceholder
	}
	return fmt.Sprintf("Config{Authority: %s, ClientID: %s, ClientSecret: %s, Scope: %s, CacheTTL: %s}",
		c.Authority, c.ClientID, clientSecret, c.Scope, c.CacheTTL)
}

// Validate checks if the Config contains all required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("ClientID is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("ClientSecret is required"))
	}
	if c.Authority != "" {
		if u, err := url.Parse(c.Authority); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("Authority is not a valid URL: %q", c.Authority))
		}
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("CacheTTL cannot be negative"))
	}
	return errors.Join(errs...)
}

// Exchanger obtains delegated tokens for validated inbound tokens.
type Exchanger struct {
	config    Config
	client    networking.HTTPClient
	store     cache.Store
	populator *cache.Populator
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures an Exchanger.
type Option func(*Exchanger)

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(client networking.HTTPClient) Option {
	return func(e *Exchanger) {
		e.client = client
	}
}

// WithClock overrides the time source used for cache timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Exchanger) {
		e.now = now
	}
}

// WithMetrics records cache results and exchange latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exchanger) {
		e.metrics = m
	}
}

// NewExchanger creates an Exchanger that caches responses in store and
// writes new entries through populator.
func NewExchanger(config Config, store cache.Store, populator *cache.Populator, opts ...Option) (*Exchanger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OBO configuration: %w", err)
	}
	if store == nil || populator == nil {
		return nil, errors.New("cache store and populator are required")
	}
	if config.Authority == "" {
		config.Authority = DefaultAuthority
	}
	if config.Scope == "" {
		config.Scope = DefaultScope
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = cache.DefaultTTL
	}

	e := &Exchanger{
		config:    config,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		store:     store,
		populator: populator,
		now:       time.Now,
		logger:    logger.Component("obo"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CacheKey returns the cache key for exchanging assertion in tenant.
func (e *Exchanger) CacheKey(tenant, assertion string) CacheKey {
	tokenURL := TokenEndpoint(e.config.Authority, tenant)
	return newCacheKey(tokenURL, e.request(assertion).encode())
}

func (e *Exchanger) request(assertion string) exchangeRequest {
	return exchangeRequest{
		ClientID:     e.config.ClientID,
		ClientSecret: e.config.ClientSecret,
		Assertion:    assertion,
		Scope:        e.config.Scope,
	}
}

// Exchange returns a delegated token for assertion in tenant, from the
// cache when a fresh entry exists. Non-2xx responses are returned as
// *ExchangeError and are never cached.
func (e *Exchanger) Exchange(ctx context.Context, tenant, assertion string) (*TokenResponse, error) {
	if tenant == "" {
		return nil, errors.New("tenant is required")
	}
	if assertion == "" {
		return nil, errors.New("assertion is required")
	}

	tokenURL := TokenEndpoint(e.config.Authority, tenant)
	body := e.request(assertion).encode()
	key := newCacheKey(tokenURL, body)

	if cached, ok := e.lookup(ctx, key); ok {
		return cached, nil
	}

	start := time.Now()
	raw, err := networking.Fetch(ctx, e.client, tokenURL,
		networking.WithMethod(http.MethodPost),
		networking.WithHeader("Content-Type", networking.ContentTypeFormURLEncoded),
		networking.WithHeader("Accept", networking.ContentTypeJSON),
		networking.WithBody(strings.NewReader(body)),
		networking.WithErrorHandler(newExchangeError),
	)
	e.metrics.ObserveExchange(statusLabel(raw, err), time.Since(start))
	if err != nil {
		var exchangeErr *ExchangeError
		if errors.As(err, &exchangeErr) {
			e.logger.Warn("token endpoint rejected OBO request",
				"tenant", tenant, "assertion", logger.Redact(assertion), "status", exchangeErr.StatusCode,
				"oauth_error", exchangeErr.OAuthError, "description", exchangeErr.Description)
			return nil, err
		}
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}

	resp, err := parseTokenResponse(raw.Body)
	if err != nil {
		return nil, err
	}

	e.populate(ctx, key, raw, resp)
	return resp, nil
}

// lookup returns the cached response for key. Read failures and
// undecodable entries are treated as misses.
func (e *Exchanger) lookup(ctx context.Context, key CacheKey) (*TokenResponse, bool) {
	entry, err := e.store.Get(ctx, key.String())
	if err != nil {
		e.metrics.ObserveExchangeCache(metrics.CacheReadError)
		e.logger.Warn("exchange cache read failed; treating as miss", "error", err)
		return nil, false
	}
	if entry == nil {
		e.metrics.ObserveExchangeCache(metrics.CacheMiss)
		return nil, false
	}

	resp, err := parseTokenResponse(entry.Body)
	if err != nil {
		e.metrics.ObserveExchangeCache(metrics.CacheReadError)
		e.logger.Warn("discarding unreadable exchange cache entry", "error", err)
		return nil, false
	}
	e.metrics.ObserveExchangeCache(metrics.CacheHit)
	return resp, true
}

func (e *Exchanger) populate(ctx context.Context, key CacheKey, raw *networking.Response, resp *TokenResponse) {
	ttl := e.config.CacheTTL
	if expiresIn := time.Duration(resp.ExpiresIn) * time.Second; expiresIn > 0 && expiresIn < ttl {
		ttl = expiresIn
	}

	e.populator.Submit(ctx, key.String(), &cache.Entry{
		Body:         raw.Body,
		StatusCode:   raw.StatusCode,
		CacheControl: "max-age=" + strconv.Itoa(int(ttl/time.Second)),
		StoredAt:     e.now(),
		TTL:          ttl,
	})
}

func statusLabel(raw *networking.Response, err error) string {
	var exchangeErr *ExchangeError
	switch {
	case err == nil:
		return strconv.Itoa(raw.StatusCode)
	case errors.As(err, &exchangeErr):
		return strconv.Itoa(exchangeErr.StatusCode)
	default:
		return "error"
	}
}
