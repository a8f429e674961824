// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/edgeauth/pkg/networking"
)

var (
	// ErrMissingJWKSURI is returned when a discovery document has no jwks_uri
	ErrMissingJWKSURI = errors.New("discovery document is missing jwks_uri")

	// ErrIssuerMismatch is returned when a discovery document names a different issuer
	ErrIssuerMismatch = errors.New("discovery document issuer mismatch")
)

// DiscoveryError reports a failed discovery document fetch. StatusCode is
// zero when the failure happened before a response was received.
type DiscoveryError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *DiscoveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oidc discovery failed for %s: %d %s", e.URL, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("oidc discovery failed for %s: %v", e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// KeySetFetchError reports a failed JWKS fetch.
type KeySetFetchError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *KeySetFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("jwks fetch failed for %s: %d %s", e.URL, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("jwks fetch failed for %s: %v", e.URL, e.Err)
}

func (e *KeySetFetchError) Unwrap() error {
	return e.Err
}

func statusOf(err error) (int, string) {
	var httpErr *networking.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, http.StatusText(httpErr.StatusCode)
	}
	return 0, ""
}

func newDiscoveryError(target string, err error) *DiscoveryError {
	code, status := statusOf(err)
	return &DiscoveryError{URL: target, StatusCode: code, Status: status, Err: err}
}

func newKeySetFetchError(target string, err error) *KeySetFetchError {
	code, status := statusOf(err)
	return &KeySetFetchError{URL: target, StatusCode: code, Status: status, Err: err}
}
