// Package cache holds the externally visible read cache for save records.
// The ingestion pipeline only ever invalidates entries; the read API fills
// them. Two backends exist: an in-process TTL cache and redis.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Store is the read-cache surface. Implementations apply their configured
// TTL on Set.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and tunes the backend.
type Config struct {
	StandardTTL time.Duration
	RedisAddr   string
}
