// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/edgeauth/pkg/auth/jwks"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// EscapeQuotes escapes quotes in a string for use in a quoted-string context.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// buildWWWAuthenticate builds an RFC 6750 compliant WWW-Authenticate value.
// If includeError is true, it appends error="invalid_token" and an optional description.
func (v *TokenValidator) buildWWWAuthenticate(includeError bool, errDescription string) string {
	var parts []string

	if v.realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, EscapeQuotes(v.realm)))
	}

	// error fields (RFC 6750 §3)
	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(errDescription)))
		}
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// Challenge writes a 401 response with a WWW-Authenticate challenge.
func (v *TokenValidator) Challenge(w http.ResponseWriter, includeError bool, description string) {
	w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(includeError, description))
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// Middleware validates the bearer token of each request and stores the
// verified claims in the request context. Rejections never echo the
// underlying error to the client.
func (v *TokenValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			v.Challenge(w, false, "")
			return
		}

		valid, claims, err := v.Validate(r.Context(), token)
		if err != nil {
			if errors.Is(err, jwks.ErrUntrustedIssuer) || jwks.IsKeyNotFound(err) {
				v.Challenge(w, true, "signing key not recognized")
				return
			}
			v.logger.Error("unable to resolve signing key", "error", err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		if !valid {
			v.Challenge(w, true, "token is invalid or expired")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
