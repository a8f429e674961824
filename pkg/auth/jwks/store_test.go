// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/edgeauth/pkg/auth/authtest"
	"github.com/stacklok/edgeauth/pkg/auth/oidc"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(iss *authtest.Issuer, opts ...Option) *TrustStore {
	client := oidc.NewClient(iss.Client(), oidc.WithInitialInterval(time.Millisecond))
	return NewTrustStore(client, opts...)
}

func modulus(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(privateKey.N.Bytes()), &privateKey.PublicKey
}

func TestTrustStore_ImportKey(t *testing.T) {
	t.Parallel()

	const issuer = "https://login.example.com/tenant/v2.0"

	t.Run("last write wins", func(t *testing.T) {
		t.Parallel()

		store := NewTrustStore(nil)
		firstN, _ := modulus(t)
		secondN, second := modulus(t)

		require.NoError(t, store.ImportKey(issuer, oidc.JSONWebKey{KeyID: "k1", KeyType: "RSA", N: firstN, E: "AQAB"}))
		require.NoError(t, store.ImportKey(issuer, oidc.JSONWebKey{KeyID: "k1", KeyType: "RSA", N: secondN, E: "AQAB"}))

		key, ok := store.Lookup(issuer, "k1")
		require.True(t, ok)
		assert.Equal(t, 0, second.N.Cmp(key.PublicKey.N))
		assert.Equal(t, 65537, key.PublicKey.E)
		assert.Equal(t, SigningAlgorithm, key.Algorithm)
		assert.Equal(t, issuer, key.Issuer)
	})

	t.Run("missing kid defaults", func(t *testing.T) {
		t.Parallel()

		store := NewTrustStore(nil)
		n, _ := modulus(t)
		require.NoError(t, store.ImportKey(issuer, oidc.JSONWebKey{N: n}))

		key, ok := store.Lookup(issuer, "")
		require.True(t, ok)
		assert.Equal(t, DefaultKeyID, key.KeyID)
	})

	t.Run("exponent in record is ignored", func(t *testing.T) {
		t.Parallel()

		store := NewTrustStore(nil)
		n, _ := modulus(t)
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(3).Bytes())
		require.NoError(t, store.ImportKey(issuer, oidc.JSONWebKey{KeyID: "k", KeyType: "RSA", N: n, E: e}))

		key, _ := store.Lookup(issuer, "k")
		assert.Equal(t, 65537, key.PublicKey.E)
	})

	t.Run("invalid records", func(t *testing.T) {
		t.Parallel()

		store := NewTrustStore(nil)
		assert.ErrorIs(t, store.ImportKey(issuer, oidc.JSONWebKey{KeyType: "EC", N: "abc"}), ErrUnsupportedKeyType)
		assert.ErrorIs(t, store.ImportKey(issuer, oidc.JSONWebKey{KeyType: "RSA"}), ErrMissingModulus)
		assert.Error(t, store.ImportKey(issuer, oidc.JSONWebKey{KeyType: "RSA", N: "!!not-base64!!"}))

		_, ok := store.Lookup(issuer, DefaultKeyID)
		assert.False(t, ok)
	})
}

func TestTrustStore_ResolveKey_FetchesOnce(t *testing.T) {
	t.Parallel()

	iss := authtest.NewIssuer(t)
	store := newTestStore(iss, WithRefreshPolicy(RefreshPolicy{}))
	ctx := context.Background()

	for range 5 {
		key, err := store.ResolveKey(ctx, iss.URL(), authtest.DefaultKeyID)
		require.NoError(t, err)
		assert.Equal(t, 0, iss.PrivateKey(authtest.DefaultKeyID).N.Cmp(key.PublicKey.N))
	}

	assert.Equal(t, 1, iss.DiscoveryHits())
	assert.Equal(t, 1, iss.JWKSHits())
}

func TestTrustStore_ResolveKey_SingleFlight(t *testing.T) {
	t.Parallel()

	iss := authtest.NewIssuer(t)
	store := newTestStore(iss)
	release := iss.Hold()

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ResolveKey(context.Background(), iss.URL(), authtest.DefaultKeyID)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return iss.DiscoveryHits() == 1 }, 5*time.Second, 5*time.Millisecond)
	// give the remaining callers time to join the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, iss.DiscoveryHits())
	assert.Equal(t, 1, iss.JWKSHits())
}

func TestTrustStore_ResolveKey_TTL(t *testing.T) {
	t.Parallel()

	iss := authtest.NewIssuer(t)
	clock := newFakeClock()
	store := newTestStore(iss,
		WithClock(clock.Now),
		WithRefreshPolicy(RefreshPolicy{TTL: time.Hour}),
	)
	ctx := context.Background()

	_, err := store.ResolveKey(ctx, iss.URL(), authtest.DefaultKeyID)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	_, err = store.ResolveKey(ctx, iss.URL(), authtest.DefaultKeyID)
	require.NoError(t, err)
	assert.Equal(t, 1, iss.JWKSHits(), "fresh key set is served from cache")

	clock.Advance(time.Hour)
	_, err = store.ResolveKey(ctx, iss.URL(), authtest.DefaultKeyID)
	require.NoError(t, err)
	assert.Equal(t, 2, iss.JWKSHits(), "stale key set is fetched again")

	// a failed refresh of a stale set keeps serving the cached keys
	clock.Advance(2 * time.Hour)
	iss.Fail(http.StatusNotFound)
	key, err := store.ResolveKey(ctx, iss.URL(), authtest.DefaultKeyID)
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestTrustStore_ResolveKey_UnknownKID(t *testing.T) {
	t.Parallel()

	t.Run("refreshes once for a rotated key", func(t *testing.T) {
		t.Parallel()

		iss := authtest.NewIssuer(t)
		clock := newFakeClock()
		store := newTestStore(iss,
			WithClock(clock.Now),
			WithRefreshPolicy(RefreshPolicy{RefreshOnUnknownKID: true, MinRefreshInterval: 5 * time.Minute}),
		)
		ctx := context.Background()

		_, err := store.ResolveKey(ctx, iss.URL(), authtest.DefaultKeyID)
		require.NoError(t, err)

		iss.AddKey(t, "rotated")
		clock.Advance(10 * time.Minute)

		key, err := store.ResolveKey(ctx, iss.URL(), "rotated")
		require.NoError(t, err)
		assert.Equal(t, "rotated", key.KeyID)
		assert.Equal(t, 2, iss.JWKSHits())

		_, err = store.ResolveKey(ctx, iss.URL(), "forged")
		require.Error(t, err)
		assert.True(t, IsKeyNotFound(err))
		assert.Equal(t, 2, iss.JWKSHits(), "refresh is rate limited")
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		iss := authtest.NewIssuer(t)
		store := newTestStore(iss, WithRefreshPolicy(RefreshPolicy{}))

		_, err := store.ResolveKey(context.Background(), iss.URL(), "missing")
		var notFound *KeyNotFoundError
		require.True(t, errors.As(err, &notFound))
		assert.Equal(t, iss.URL(), notFound.Issuer)
		assert.Equal(t, "missing", notFound.KeyID)

		_, err = store.ResolveKey(context.Background(), iss.URL(), "missing")
		require.Error(t, err)
		assert.Equal(t, 1, iss.JWKSHits())
	})
}

func TestTrustStore_ResolveKey_Errors(t *testing.T) {
	t.Parallel()

	t.Run("untrusted issuer never fetches", func(t *testing.T) {
		t.Parallel()

		iss := authtest.NewIssuer(t)
		store := newTestStore(iss, WithTrustedIssuers("https://login.example.com/*"))

		_, err := store.ResolveKey(context.Background(), iss.URL(), authtest.DefaultKeyID)
		assert.ErrorIs(t, err, ErrUntrustedIssuer)
		assert.Zero(t, iss.DiscoveryHits())
	})

	t.Run("discovery failure without cached keys", func(t *testing.T) {
		t.Parallel()

		iss := authtest.NewIssuer(t)
		iss.Fail(http.StatusNotFound)
		store := newTestStore(iss)

		_, err := store.ResolveKey(context.Background(), iss.URL(), authtest.DefaultKeyID)
		var discoveryErr *oidc.DiscoveryError
		require.True(t, errors.As(err, &discoveryErr))
		assert.Equal(t, http.StatusNotFound, discoveryErr.StatusCode)
		assert.Zero(t, iss.JWKSHits())
	})

	t.Run("manually imported issuer is not fetched", func(t *testing.T) {
		t.Parallel()

		iss := authtest.NewIssuer(t)
		store := newTestStore(iss, WithRefreshPolicy(RefreshPolicy{}))
		n, _ := modulus(t)
		require.NoError(t, store.ImportKey(iss.URL(), oidc.JSONWebKey{KeyID: "manual", N: n}))

		key, err := store.ResolveKey(context.Background(), iss.URL(), "manual")
		require.NoError(t, err)
		assert.Equal(t, "manual", key.KeyID)
		assert.Zero(t, iss.DiscoveryHits())
	})
}

func TestTrustStore_Trusts(t *testing.T) {
	t.Parallel()

	store := NewTrustStore(nil, WithTrustedIssuers(
		"https://sts.example.com/tenant-a/",
		"https://login.example.com/*",
		" ",
	))

	tests := []struct {
		issuer string
		want   bool
	}{
		{"https://sts.example.com/tenant-a/", true},
		{"https://sts.example.com/tenant-b/", false},
		{"https://login.example.com/tenant/v2.0", true},
		{"https://login.example.com.evil.com/tenant/v2.0", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, store.Trusts(tt.issuer), tt.issuer)
	}

	assert.True(t, NewTrustStore(nil).Trusts("https://anything.example.com"))
}
