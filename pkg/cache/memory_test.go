// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_GetSet(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	entry := &Entry{Body: []byte(`{"access_token":"x"}`), StatusCode: 200, CacheControl: "max-age=60", TTL: time.Minute}
	require.NoError(t, store.Set(ctx, "k", entry))

	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Body, got.Body)
	assert.Equal(t, clock.Now(), got.StoredAt)
	assert.True(t, entry.StoredAt.IsZero(), "caller's entry must not be modified")

	clock.Advance(59 * time.Second)
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, got)

	clock.Advance(time.Second)
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got, "entry is stale at exactly its TTL")

	require.NoError(t, store.Delete(ctx, "k"))
	assert.Zero(t, store.Len())
}

func TestMemoryStore_SetValidation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	assert.Error(t, store.Set(context.Background(), "k", nil))
	assert.Error(t, store.Set(context.Background(), "k", &Entry{Body: []byte("x")}))
}

func TestMemoryStore_Cleanup(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now), WithCleanupInterval(5*time.Millisecond))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", &Entry{TTL: time.Second}))
	require.NoError(t, store.Set(ctx, "long", &Entry{TTL: time.Hour}))
	clock.Advance(2 * time.Second)

	assert.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
	got, err := store.Get(ctx, "long")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestMemoryStore_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
