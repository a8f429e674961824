// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/edgeauth/pkg/cache"
	"github.com/stacklok/edgeauth/pkg/cache/mocks"
	"github.com/stacklok/edgeauth/pkg/metrics"
)

func TestPopulator_WritesOutliveRequest(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	p := cache.NewPopulator(store, cache.PopulatorConfig{Workers: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.True(t, p.Submit(ctx, "k", &cache.Entry{Body: []byte("{}"), TTL: time.Minute}))
	p.Wait()

	got, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.NotNil(t, got)
	require.NoError(t, p.Close(context.Background()))
}

func TestPopulator_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	started := make(chan struct{})
	release := make(chan struct{})
	store.EXPECT().Set(gomock.Any(), "first", gomock.Any()).DoAndReturn(
		func(context.Context, string, *cache.Entry) error {
			close(started)
			<-release
			return nil
		})
	store.EXPECT().Set(gomock.Any(), "second", gomock.Any()).Return(nil)

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegisterer(reg, reg)
	p := cache.NewPopulator(store, cache.PopulatorConfig{Workers: 1, QueueSize: 1}, m)

	entry := &cache.Entry{TTL: time.Minute}
	require.True(t, p.Submit(context.Background(), "first", entry))
	<-started
	// the single worker is busy, so the queue holds exactly one more write
	require.True(t, p.Submit(context.Background(), "second", entry))
	assert.False(t, p.Submit(context.Background(), "third", entry))

	close(release)
	p.Wait()
	require.NoError(t, p.Close(context.Background()))

	expected := `
# HELP edgeauth_obo_cache_operations_total On-Behalf-Of exchange cache operations by result.
# TYPE edgeauth_obo_cache_operations_total counter
edgeauth_obo_cache_operations_total{result="dropped"} 1
edgeauth_obo_cache_operations_total{result="stored"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "edgeauth_obo_cache_operations_total"))
}

func TestPopulator_WriteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Set(gomock.Any(), "k", gomock.Any()).Return(errors.New("connection refused"))

	p := cache.NewPopulator(store, cache.PopulatorConfig{}, nil)
	require.True(t, p.Submit(context.Background(), "k", &cache.Entry{TTL: time.Minute}))
	p.Wait()
	require.NoError(t, p.Close(context.Background()))
}

func TestPopulator_WriteTimeout(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Set(gomock.Any(), "k", gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ *cache.Entry) error {
			<-ctx.Done()
			return ctx.Err()
		})

	p := cache.NewPopulator(store, cache.PopulatorConfig{WriteTimeout: 10 * time.Millisecond}, nil)
	require.True(t, p.Submit(context.Background(), "k", &cache.Entry{TTL: time.Minute}))
	p.Wait()
	require.NoError(t, p.Close(context.Background()))
}

func TestPopulator_Close(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	store.EXPECT().Set(gomock.Any(), "slow", gomock.Any()).DoAndReturn(
		func(context.Context, string, *cache.Entry) error {
			<-block
			return nil
		})

	p := cache.NewPopulator(store, cache.PopulatorConfig{Workers: 1}, nil)
	require.True(t, p.Submit(context.Background(), "slow", &cache.Entry{TTL: time.Minute}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	assert.False(t, p.Submit(context.Background(), "late", &cache.Entry{TTL: time.Minute}))
}

func TestPopulator_Defaults(t *testing.T) {
	t.Parallel()

	// the populator bounds a whole write, the redis timeout a single command
	assert.Equal(t, 5*time.Second, cache.DefaultPopulateTimeout)
	assert.Equal(t, 3*time.Second, cache.DefaultWriteTimeout)
	assert.Equal(t, 4, cache.DefaultWorkers)
	assert.Equal(t, 256, cache.DefaultQueueSize)
}

func TestPopulator_WaitDuringSubmit(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	p := cache.NewPopulator(store, cache.PopulatorConfig{Workers: 4, QueueSize: 512}, nil)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	const writes = 200
	var submitters sync.WaitGroup
	for i := range 4 {
		submitters.Add(1)
		go func() {
			defer submitters.Done()
			for j := range writes / 4 {
				key := fmt.Sprintf("key-%d-%d", i, j)
				assert.True(t, p.Submit(context.Background(), key, &cache.Entry{Body: []byte("{}"), TTL: time.Minute}))
			}
		}()
	}

	stop := make(chan struct{})
	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		for {
			select {
			case <-stop:
				return
			default:
				p.Wait()
			}
		}
	}()

	submitters.Wait()
	p.Wait()
	close(stop)
	<-waiterDone

	assert.Equal(t, writes, store.Len())
}
