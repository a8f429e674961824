// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidc fetches OpenID Connect discovery documents and JSON Web Key
// Sets from identity providers.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/edgeauth/pkg/logger"
	"github.com/stacklok/edgeauth/pkg/networking"
)

// UserAgent is the user agent for discovery and key-set requests
const UserAgent = "edgeauth/1.0"

const wellKnownPath = ".well-known/openid-configuration"

// DefaultMaxTries bounds the attempts made for a single discovery or key-set fetch.
const DefaultMaxTries = 3

// DiscoveryDocument represents the OIDC discovery document fields edgeauth uses
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                    string   `json:"token_endpoint,omitempty"`
	JWKSURI                          string   `json:"jwks_uri"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// JSONWebKey is a raw key record as published in a JWKS document.
type JSONWebKey struct {
	KeyID     string   `json:"kid,omitempty"`
	KeyType   string   `json:"kty"`
	Use       string   `json:"use,omitempty"`
	Algorithm string   `json:"alg,omitempty"`
	N         string   `json:"n,omitempty"`
	E         string   `json:"e,omitempty"`
	X5C       []string `json:"x5c,omitempty"`
	X5T       string   `json:"x5t,omitempty"`
}

// KeySet is a JWKS document.
type KeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// Client fetches discovery documents and key sets with bounded retries.
type Client struct {
	httpClient      networking.HTTPClient
	maxTries        uint
	initialInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTries sets the maximum number of attempts per fetch, including the first.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) Option {
	return func(c *Client) {
		c.initialInterval = d
	}
}

// NewClient returns a Client using httpClient for all requests. A nil
// httpClient falls back to a client with the default timeout.
func NewClient(httpClient networking.HTTPClient, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: networking.HttpTimeout}
	}
	c := &Client{
		httpClient:      httpClient,
		maxTries:        DefaultMaxTries,
		initialInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WellKnownURL returns the discovery document URL for issuer. The issuer is
// normalized to end with a slash before the well-known suffix is appended.
func WellKnownURL(issuer string) string {
	if !strings.HasSuffix(issuer, "/") {
		issuer += "/"
	}
	return issuer + wellKnownPath
}

// GetMetadata fetches the discovery document for issuer.
func (c *Client) GetMetadata(ctx context.Context, issuer string) (*DiscoveryDocument, error) {
	discoveryURL := WellKnownURL(issuer)
	if err := validateEndpoint(discoveryURL); err != nil {
		return nil, &DiscoveryError{URL: discoveryURL, Err: err}
	}

	doc, err := fetchWithRetry[DiscoveryDocument](ctx, c, discoveryURL)
	if err != nil {
		return nil, newDiscoveryError(discoveryURL, err)
	}

	if doc.JWKSURI == "" {
		return nil, &DiscoveryError{URL: discoveryURL, Err: ErrMissingJWKSURI}
	}
	if doc.Issuer != "" && strings.TrimSuffix(doc.Issuer, "/") != strings.TrimSuffix(issuer, "/") {
		return nil, &DiscoveryError{
			URL: discoveryURL,
			Err: fmt.Errorf("%w: expected %s, got %s", ErrIssuerMismatch, issuer, doc.Issuer),
		}
	}
	if err := validateEndpoint(doc.JWKSURI); err != nil {
		return nil, &DiscoveryError{URL: discoveryURL, Err: fmt.Errorf("invalid jwks_uri: %w", err)}
	}

	return doc, nil
}

// GetKeySet fetches the JWKS document at jwksURI.
func (c *Client) GetKeySet(ctx context.Context, jwksURI string) (*KeySet, error) {
	set, err := fetchWithRetry[KeySet](ctx, c, jwksURI)
	if err != nil {
		return nil, newKeySetFetchError(jwksURI, err)
	}
	return set, nil
}

// fetchWithRetry GETs a JSON document, retrying transport failures, 5xx and
// 429 responses. Other HTTP errors are returned immediately.
func fetchWithRetry[T any](ctx context.Context, c *Client, target string) (*T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.initialInterval
	expBackoff.MaxInterval = 10 * c.initialInterval
	expBackoff.Reset()

	attempt := 0
	operation := func() (*T, error) {
		attempt++
		result, err := networking.FetchJSON[T](ctx, c.httpClient, target,
			networking.WithHeader("User-Agent", UserAgent),
			networking.WithoutContentTypeValidation(),
		)
		if err == nil {
			return &result.Data, nil
		}

		if ctx.Err() != nil || !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		logger.Debugw("fetch attempt failed", "url", target, "attempt", attempt, "error", err)
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(_ error, d time.Duration) {
			logger.Debugf("Retrying %s after %v", target, d)
		}),
	)
}

// retryable reports whether err is a transport failure or a transient HTTP status.
func retryable(err error) bool {
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// validateEndpoint requires HTTPS except for loopback hosts used in development.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host: %s", endpoint)
	}
	if u.Scheme != "https" && !(u.Scheme == "http" && networking.IsLocalhost(u.Host)) {
		return fmt.Errorf("URL must use HTTPS: %s", endpoint)
	}
	return nil
}
