// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the shared response cache used for delegated token
// exchanges.
//
// Entries are keyed by an opaque string (the exchange package builds a
// content-addressed key) and expire after their TTL. The package provides
// pluggable backends (memory, Redis) through the Store interface, and a
// Populator that performs writes off the request path.
package cache

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=cache.go Store

// Type defines the type of cache backend.
type Type string

const (
	// TypeMemory keeps entries in process memory (default).
	TypeMemory Type = "memory"

	// TypeRedis keeps entries in Redis, shared across replicas.
	TypeRedis Type = "redis"

	// DefaultTTL is the freshness window of a cached exchange response.
	DefaultTTL = 60 * time.Second

	// DefaultCleanupInterval is how often the memory store sweeps expired entries.
	DefaultCleanupInterval = time.Minute
)

// Store is a TTL cache for exchange responses.
type Store interface {
	// Get returns the entry stored under key.
	// Returns nil if the entry doesn't exist or has expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores entry under key for entry.TTL.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry stored under key.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}

// Entry is a cached upstream response.
type Entry struct {
	// Body is the raw response body.
	Body []byte `json:"body"`

	// StatusCode is the upstream HTTP status.
	StatusCode int `json:"status_code"`

	// CacheControl is the Cache-Control value the entry was stored with.
	CacheControl string `json:"cache_control,omitempty"`

	// StoredAt is when the entry was written.
	StoredAt time.Time `json:"stored_at"`

	// TTL is how long the entry stays fresh.
	TTL time.Duration `json:"ttl"`
}

// ExpiresAt returns the time the entry stops being fresh.
func (e *Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// IsExpired checks if the entry has expired at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}
