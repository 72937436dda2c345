package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// PolicyCacheKey is the cache key of a policy body.
func PolicyCacheKey(kind PolicyKind, policyID string) string {
	return "policy:" + string(kind) + ":" + policyID
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `envconfig:"TYPE"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `envconfig:"LOCAL_MAX_SIZE"`
	LocalTTL     time.Duration `envconfig:"LOCAL_TTL"`

	// Redis settings (Pro tier)
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB"`

	// Two-phase settings
	EnableTwoPhase bool `envconfig:"TWO_PHASE"` // If true, check local first, then Redis

	// PolicyTTL bounds how long a fetched policy body is served from cache.
	PolicyTTL time.Duration `envconfig:"POLICY_TTL"`
}
