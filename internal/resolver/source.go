package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
)

// RuleApplier selects a policy id for one kind. A missing rules endpoint
// or rule table is reported as domain.ErrNotFound.
type RuleApplier interface {
	ApplyRule(ctx context.Context, tenantID string, kind domain.PolicyKind, c domain.Criteria) (domain.AppliedRule, error)
}

// PolicySource fetches a raw policy body. A missing policy is reported as
// domain.ErrNotFound.
type PolicySource interface {
	FetchPolicy(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) (json.RawMessage, error)
}

// EngineApplier applies rules with the in-process engine.
type EngineApplier struct {
	Engine *rules.Engine
}

// ApplyRule implements RuleApplier.
func (a EngineApplier) ApplyRule(ctx context.Context, tenantID string, kind domain.PolicyKind, c domain.Criteria) (domain.AppliedRule, error) {
	return a.Engine.Apply(ctx, tenantID, kind, c)
}

// RepositorySource reads policy bodies straight from the repository.
type RepositorySource struct {
	Repo domain.Repository
}

// FetchPolicy implements PolicySource.
func (s RepositorySource) FetchPolicy(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) (json.RawMessage, error) {
	record, err := s.Repo.GetPolicy(ctx, tenantID, kind, policyID)
	if err != nil {
		return nil, err
	}
	return record.Body, nil
}

// CachedSource puts the cache in front of another policy source, either
// the local repository or a remote policy store.
type CachedSource struct {
	origin PolicySource
	cache  domain.Cache
	ttl    time.Duration
}

// NewCachedSource creates a source reading through to origin. cache may be nil.
func NewCachedSource(origin PolicySource, cache domain.Cache, ttl time.Duration) *CachedSource {
	return &CachedSource{origin: origin, cache: cache, ttl: ttl}
}

// FetchPolicy implements PolicySource. Only found bodies are cached.
func (s *CachedSource) FetchPolicy(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) (json.RawMessage, error) {
	key := domain.PolicyCacheKey(kind, policyID)

	if s.cache != nil {
		data, err := s.cache.Get(ctx, tenantID, key)
		if err != nil {
			slog.Warn("policy cache read failed", "tenant_id", tenantID, "policy_id", policyID, "error", err)
		} else if data != nil {
			return data, nil
		}
	}

	body, err := s.origin.FetchPolicy(ctx, tenantID, kind, policyID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, tenantID, key, body, s.ttl); err != nil {
			slog.Warn("policy cache write failed", "tenant_id", tenantID, "policy_id", policyID, "error", err)
		}
	}
	return body, nil
}

// Invalidate drops a cached policy body.
func (s *CachedSource) Invalidate(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, tenantID, domain.PolicyCacheKey(kind, policyID))
}

// Exists reports whether a policy is stored. It serves rule validation.
func (s *CachedSource) Exists(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) (bool, error) {
	_, err := s.FetchPolicy(ctx, tenantID, kind, policyID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s policy %s: %w", kind, policyID, err)
	}
	return true, nil
}
