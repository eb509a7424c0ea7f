// Package cache holds serialized query results for a short time.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calmerge/internal/config"
)

// Cache stores opaque byte values with a per-entry TTL. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the value and true on a live hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Purge drops every entry.
	Purge(ctx context.Context) error
}

// New builds the backend selected in cfg.
func New(cfg config.CacheConfig) (Cache, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.CacheMemory:
		return NewMemory(), nil
	case config.CacheRedis:
		return NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("cache: unsupported backend %q", cfg.Backend)
	}
}
