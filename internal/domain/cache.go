package domain

import (
	"context"
	"time"
)

// Cache stores short-lived derived data, chiefly account spending
// baselines, so the signal collector does not rescan history on every
// assessment. Keys are always scoped by tenant.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// GetProfile returns the cached baseline for an account, or nil, nil.
	GetProfile(ctx context.Context, tenantID string, accountID string) (*AccountProfile, error)
	SetProfile(ctx context.Context, tenantID string, profile *AccountProfile, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	// Type is "memory" (community) or "redis" (pro).
	Type string

	// In-process LRU.
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts the LRU in front of Redis.
	EnableTwoPhase bool
}
