// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
)

// Config selects and configures the cache backend.
type Config struct {
	// Type specifies the backend. Defaults to memory.
	Type Type

	// Redis is used when Type is TypeRedis.
	Redis RedisConfig
}

// NewStore creates the backend described by cfg.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStore(), nil
	case TypeRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported cache type: %q", cfg.Type)
	}
}
