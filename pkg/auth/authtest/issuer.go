// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authtest provides an in-process OpenID Connect issuer for tests.
// It serves a discovery document and a JWKS over TLS, counts how often each
// is fetched and signs RS256 tokens that validate against the served keys.
//
// Example usage:
//
//	issuer := authtest.NewIssuer(t)
//	store := jwks.NewTrustStore(oidc.NewClient(issuer.Client()))
//	token := issuer.Token(t, issuer.Claims("user-1", "api://edgeauth"))
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// TenantID is the tenant embedded in the issuer URL and the tid claim.
const TenantID = "9188040d-6c67-4c5b-b112-36a304b66dad"

// DefaultKeyID is the kid of the key created with the issuer.
const DefaultKeyID = "test-key-1"

// Issuer is a test identity provider.
type Issuer struct {
	server *httptest.Server

	mu         sync.Mutex
	keys       map[string]*rsa.PrivateKey
	order      []string
	failStatus int
	gate       chan struct{}

	discoveryHits atomic.Int32
	jwksHits      atomic.Int32
}

// NewIssuer starts a TLS issuer with one signing key. The server is closed
// when the test finishes.
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()

	iss := &Issuer{keys: make(map[string]*rsa.PrivateKey)}
	iss.AddKey(t, DefaultKeyID)

	mux := http.NewServeMux()
	mux.HandleFunc("/"+TenantID+"/v2.0/.well-known/openid-configuration", iss.handleDiscovery)
	mux.HandleFunc("/discovery/v2.0/keys", iss.handleJWKS)

	iss.server = httptest.NewTLSServer(mux)
	t.Cleanup(iss.server.Close)
	return iss
}

// URL returns the issuer identifier as it appears in the iss claim.
func (i *Issuer) URL() string {
	return i.server.URL + "/" + TenantID + "/v2.0"
}

// JWKSURL returns the key-set endpoint advertised by discovery.
func (i *Issuer) JWKSURL() string {
	return i.server.URL + "/discovery/v2.0/keys"
}

// Client returns an HTTP client that trusts the issuer's certificate.
func (i *Issuer) Client() *http.Client {
	return i.server.Client()
}

// DiscoveryHits returns how many discovery requests were served.
func (i *Issuer) DiscoveryHits() int {
	return int(i.discoveryHits.Load())
}

// JWKSHits returns how many key-set requests were served.
func (i *Issuer) JWKSHits() int {
	return int(i.jwksHits.Load())
}

// AddKey generates a new signing key published under kid.
func (i *Issuer) AddKey(t testing.TB, kid string) *rsa.PrivateKey {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key pair: %v", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.keys[kid]; !exists {
		i.order = append(i.order, kid)
	}
	i.keys[kid] = privateKey
	return privateKey
}

// PrivateKey returns the signing key for kid, or nil.
func (i *Issuer) PrivateKey(kid string) *rsa.PrivateKey {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.keys[kid]
}

// Fail makes discovery and key-set requests respond with status. Zero restores normal responses.
func (i *Issuer) Fail(status int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failStatus = status
}

// Hold blocks discovery requests until the returned function is called.
func (i *Issuer) Hold() (release func()) {
	gate := make(chan struct{})
	i.mu.Lock()
	i.gate = gate
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			i.gate = nil
			i.mu.Unlock()
			close(gate)
		})
	}
}

// Claims returns a valid claim set for subject and audience, expiring in an hour.
func (i *Issuer) Claims(subject, audience string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": i.URL(),
		"sub": subject,
		"aud": audience,
		"tid": TenantID,
		"iat": now.Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

// Token signs claims with the default key.
func (i *Issuer) Token(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return i.TokenWithKey(t, DefaultKeyID, claims)
}

// TokenWithKey signs claims with the key published under kid.
func (i *Issuer) TokenWithKey(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()

	privateKey := i.PrivateKey(kid)
	if privateKey == nil {
		// sign with a throwaway key so the kid is unknown to the JWKS
		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("Failed to generate RSA key pair: %v", err)
		}
	}
	return Sign(t, privateKey, kid, claims)
}

// Sign signs claims with privateKey using RS256 and sets kid in the header
// when it is not empty.
func Sign(t testing.TB, privateKey *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func (i *Issuer) failure() (int, chan struct{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.failStatus, i.gate
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	i.discoveryHits.Add(1)

	status, gate := i.failure()
	if gate != nil {
		<-gate
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                i.URL(),
		"jwks_uri":                              i.JWKSURL(),
		"token_endpoint":                        i.server.URL + "/" + TenantID + "/oauth2/v2.0/token",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	i.jwksHits.Add(1)

	if status, _ := i.failure(); status != 0 {
		w.WriteHeader(status)
		return
	}

	keySet := jwk.NewSet()
	i.mu.Lock()
	for _, kid := range i.order {
		key, err := jwk.Import(&i.keys[kid].PublicKey)
		if err != nil {
			i.mu.Unlock()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = key.Set(jwk.KeyIDKey, kid)
		_ = key.Set(jwk.AlgorithmKey, "RS256")
		_ = key.Set(jwk.KeyUsageKey, "sig")
		_ = keySet.AddKey(key)
	}
	i.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(keySet)
}
