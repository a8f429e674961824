// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/edgeauth/pkg/networking"
)

const (
	// grantTypeJWTBearer is the JWT bearer assertion grant used for On-Behalf-Of (RFC 7523)
	//nolint:gosec // G101: False positive - this is an OAuth2 URN identifier, not a credential
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// requestedTokenUseOBO asks the authority for a delegated token
	requestedTokenUseOBO = "on_behalf_of"

	// redactedPlaceholder is used to redact sensitive values in string representations
	redactedPlaceholder = "[REDACTED]"

	// emptyPlaceholder is used to indicate empty/missing values in string representations
	emptyPlaceholder = "<empty>"
)

// exchangeRequest contains the form fields of an On-Behalf-Of token request.
type exchangeRequest struct {
	ClientID     string
	ClientSecret string
	Assertion    string
	Scope        string
}

// String implements fmt.Stringer for exchangeRequest, redacting the
// assertion and the client secret.
func (r exchangeRequest) String() string {
	assertion := redactedPlaceholder
	if r.Assertion == "" {
		assertion = emptyPlaceholder
	}
	clientSecret := redactedPlaceholder
	if r.ClientSecret == "" {
		clientSecret = emptyPlaceholder
	}
	return fmt.Sprintf("exchangeRequest{ClientID: %s, ClientSecret: %s, Assertion: %s, Scope: %s}",
		r.ClientID, clientSecret, assertion, r.Scope)
}

// encode serializes the request as application/x-www-form-urlencoded with
// a fixed field order. url.Values sorts keys, so the body is built by hand:
// the cache key is derived from these exact bytes.
func (r exchangeRequest) encode() string {
	fields := [][2]string{
		{"grant_type", grantTypeJWTBearer},
		{"client_id", r.ClientID},
		{"client_secret", r.ClientSecret},
		{"assertion", r.Assertion},
		{"scope", r.Scope},
		{"requested_token_use", requestedTokenUseOBO},
	}

	var b strings.Builder
	for i, field := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(field[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(field[1]))
	}
	return b.String()
}

// CacheKey identifies a cached exchange response. It mirrors a GET request
// for the token endpoint with the body digest appended to the path, carrying
// the headers of the original POST.
type CacheKey struct {
	Method string
	URL    string
	Header http.Header
}

// String returns the storage key, {token-endpoint}/{body-digest}. The method
// and headers are the same for every exchange and do not contribute.
func (k CacheKey) String() string {
	return k.URL
}

// newCacheKey derives the cache key for body sent to tokenURL. Identical
// bodies always map to the same key.
func newCacheKey(tokenURL, body string) CacheKey {
	sum := sha256.Sum256([]byte(body))
	header := http.Header{}
	header.Set("Content-Type", networking.ContentTypeFormURLEncoded)
	return CacheKey{
		Method: http.MethodGet,
		URL:    tokenURL + "/" + hex.EncodeToString(sum[:]),
		Header: header,
	}
}

// TokenEndpoint returns the v2.0 token endpoint of tenant under authority.
func TokenEndpoint(authority, tenant string) string {
	return strings.TrimSuffix(authority, "/") + "/" + url.PathEscape(tenant) + "/oauth2/v2.0/token"
}
