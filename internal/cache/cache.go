package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// New builds the cache named by cfg.Type. "memory" keeps bodies in process;
// "redis" shares them between nodes, fronted by a per-node LRU when
// EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if !cfg.EnableTwoPhase {
			return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		}
		return NewTwoPhaseCache(cfg)
	}
	return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
}

// TwoPhaseCache serves policy bodies from a node-local LRU and falls back
// to a cache shared by the cluster. The shared layer is advisory: when it
// is unreachable reads miss and the body is fetched from its origin.
type TwoPhaseCache struct {
	near    *LRUCache
	shared  domain.Cache
	nearTTL time.Duration
}

// NewTwoPhaseCache connects the shared Redis layer and puts an LRU in front.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	shared, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), shared, cfg.LocalTTL), nil
}

func newTwoPhase(near *LRUCache, shared domain.Cache, nearTTL time.Duration) *TwoPhaseCache {
	if nearTTL <= 0 {
		nearTTL = time.Minute
	}
	return &TwoPhaseCache{near: near, shared: shared, nearTTL: nearTTL}
}

// Get returns the body from the LRU, or from the shared layer, copying it
// into the LRU on the way back.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.near.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}

	val, err := c.shared.Get(ctx, tenantID, key)
	if err != nil {
		slog.Warn("shared policy cache unavailable", "tenant_id", tenantID, "key", key, "error", err)
		return nil, nil
	}
	if val != nil {
		_ = c.near.Set(ctx, tenantID, key, val, c.nearTTL)
	}
	return val, nil
}

// Set stores the body in both layers. The LRU keeps it for at most nearTTL
// so an invalidation missed by this node still expires quickly.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	nearTTL := c.nearTTL
	if ttl > 0 && ttl < nearTTL {
		nearTTL = ttl
	}
	if err := c.near.Set(ctx, tenantID, key, value, nearTTL); err != nil {
		return err
	}
	return c.shared.Set(ctx, tenantID, key, value, ttl)
}

// Delete drops the body from both layers. The LRU entry is always removed,
// even when the shared layer fails.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	return errors.Join(
		c.near.Delete(ctx, tenantID, key),
		c.shared.Delete(ctx, tenantID, key),
	)
}

// Ping reports the health of the shared layer; the LRU cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.shared.Ping(ctx); err != nil {
		return fmt.Errorf("shared policy cache: %w", err)
	}
	return nil
}

// Close releases both layers.
func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.near.Close(), c.shared.Close())
}

// Stats returns the LRU statistics.
func (c *TwoPhaseCache) Stats() Stats {
	return c.near.Stats()
}
