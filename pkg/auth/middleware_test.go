// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/edgeauth/pkg/auth/authtest"
	"github.com/stacklok/edgeauth/pkg/auth/jwks"
)

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{name: "bearer", header: "Bearer abc.def.ghi", want: "abc.def.ghi", wantOK: true},
		{name: "lowercase scheme", header: "bearer abc", want: "abc", wantOK: true},
		{name: "missing header", header: ""},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz"},
		{name: "scheme only", header: "Bearer"},
		{name: "blank token", header: "Bearer    "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, ok := BearerToken(req)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEscapeQuotes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `say \"hi\" \\o/`, EscapeQuotes(`say "hi" \o/`))
}

func TestTokenValidator_Middleware(t *testing.T) {
	t.Parallel()

	shared := authtest.NewIssuer(t)

	tests := []struct {
		name          string
		authorization func(t *testing.T, iss *authtest.Issuer) string
		fail          int
		wantStatus    int
		wantChallenge string
		wantSubject   string
	}{
		{
			name:          "no credentials",
			authorization: func(*testing.T, *authtest.Issuer) string { return "" },
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="edgeauth"`,
		},
		{
			name: "valid token",
			authorization: func(t *testing.T, iss *authtest.Issuer) string {
				return "Bearer " + iss.Token(t, iss.Claims("user-1", testAudience))
			},
			wantStatus:  http.StatusOK,
			wantSubject: "user-1",
		},
		{
			name: "wrong audience",
			authorization: func(t *testing.T, iss *authtest.Issuer) string {
				return "Bearer " + iss.Token(t, iss.Claims("user-1", "api://other"))
			},
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="edgeauth", error="invalid_token", error_description="token is invalid or expired"`,
		},
		{
			name:          "malformed token",
			authorization: func(*testing.T, *authtest.Issuer) string { return "Bearer not-a-jwt" },
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="edgeauth", error="invalid_token", error_description="token is invalid or expired"`,
		},
		{
			name: "unknown signing key",
			authorization: func(t *testing.T, iss *authtest.Issuer) string {
				return "Bearer " + iss.TokenWithKey(t, "rotated-away", iss.Claims("user-1", testAudience))
			},
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="edgeauth", error="invalid_token", error_description="signing key not recognized"`,
		},
		{
			name: "issuer unreachable",
			authorization: func(t *testing.T, iss *authtest.Issuer) string {
				return "Bearer " + iss.Token(t, iss.Claims("user-1", testAudience))
			},
			fail:       http.StatusServiceUnavailable,
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// the failing case needs its own issuer so the shared one keeps serving
			issuer := shared
			if tt.fail != 0 {
				issuer = authtest.NewIssuer(t)
				issuer.Fail(tt.fail)
			}
			validator := newTestValidator(t, issuer, jwks.WithTrustedIssuers(issuer.URL()))

			var gotSubject string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				claims, ok := ClaimsFromContext(r.Context())
				require.True(t, ok)
				gotSubject = claims.Subject
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			authorization := tt.authorization(t, issuer)
			if authorization != "" {
				req.Header.Set("Authorization", authorization)
			}
			rec := httptest.NewRecorder()

			validator.Middleware(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantChallenge, rec.Header().Get("WWW-Authenticate"))
			assert.Equal(t, tt.wantSubject, gotSubject)
			assert.NotContains(t, rec.Body.String(), "503")
			assert.NotContains(t, rec.Body.String(), issuer.URL())
		})
	}
}
