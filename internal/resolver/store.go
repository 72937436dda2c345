// Package resolver turns an item and patron into typed circulation
// policies: it applies the rule table, fetches the selected policy body
// and maps it.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/heron/internal/domain"
)

var tracer = otel.Tracer("heron-resolver")

// Item validation messages.
const (
	MsgUnknownItem     = "Unable to apply circulation rules for unknown item"
	MsgUnknownHolding  = "Unable to apply circulation rules for unknown holding"
	MsgUnknownLocation = "Unable to apply circulation rules for unknown location"
	MsgRulesNotApplied = "Unable to apply circulation rules"
)

// PolicyStore resolves and fetches policies of one kind.
type PolicyStore[P any] interface {
	Kind() domain.PolicyKind
	ResolveID(ctx context.Context, tenantID string, c domain.Criteria) (domain.AppliedRule, error)
	FetchByID(ctx context.Context, tenantID, policyID string) (json.RawMessage, error)
	MapBody(policyID string, body json.RawMessage) (P, error)
}

// kindStore implements PolicyStore by composing a rule applier, a policy
// source and a mapper.
type kindStore[P any] struct {
	kind    domain.PolicyKind
	rules   RuleApplier
	source  PolicySource
	mapBody func(body json.RawMessage) (P, error)
}

func newKindStore[P any](kind domain.PolicyKind, rules RuleApplier, source PolicySource) *kindStore[P] {
	return &kindStore[P]{
		kind:   kind,
		rules:  rules,
		source: source,
		mapBody: func(body json.RawMessage) (P, error) {
			var p P
			err := json.Unmarshal(body, &p)
			return p, err
		},
	}
}

func (s *kindStore[P]) Kind() domain.PolicyKind {
	return s.kind
}

func (s *kindStore[P]) ResolveID(ctx context.Context, tenantID string, c domain.Criteria) (domain.AppliedRule, error) {
	applied, err := s.rules.ApplyRule(ctx, tenantID, s.kind, c)
	if err == nil {
		return applied, nil
	}

	var forwarded *domain.ForwardedError
	if errors.As(err, &forwarded) {
		return domain.AppliedRule{}, err
	}
	return domain.AppliedRule{}, domain.NewServerError(MsgRulesNotApplied, err)
}

func (s *kindStore[P]) FetchByID(ctx context.Context, tenantID, policyID string) (json.RawMessage, error) {
	body, err := s.source.FetchPolicy(ctx, tenantID, s.kind, policyID)
	if err == nil {
		return body, nil
	}

	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewValidationError(
			fmt.Sprintf("%s policy %s could not be found, please check circulation rules", s.kind.DisplayName(), policyID),
			s.kind.ParameterKey(), policyID,
		)
	}
	return nil, domain.NewServerError(fmt.Sprintf("failed to fetch %s policy %s", s.kind, policyID), err)
}

func (s *kindStore[P]) MapBody(policyID string, body json.RawMessage) (P, error) {
	p, err := s.mapBody(body)
	if err != nil {
		var zero P
		return zero, domain.NewValidationError(
			fmt.Sprintf("%s policy %s is malformed: %v", s.kind.DisplayName(), policyID, err),
			s.kind.ParameterKey(), policyID,
		)
	}
	return p, nil
}

// ValidateItem checks that an item can be matched against the rule table.
func ValidateItem(item *domain.Item) error {
	switch {
	case item == nil:
		return domain.NewServerError(MsgUnknownItem, nil)
	case item.Holding == nil:
		return domain.NewServerError(MsgUnknownHolding, nil)
	case item.LocationID() == "":
		return domain.NewServerError(MsgUnknownLocation, nil)
	}
	return nil
}

// Lookup resolves the policy of store's kind for an item and patron.
func Lookup[P any](ctx context.Context, store PolicyStore[P], tenantID string, item *domain.Item, user *domain.User) (P, domain.AppliedRule, error) {
	var zero P

	ctx, span := tracer.Start(ctx, "resolver.Lookup")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("policy.kind", string(store.Kind())),
	)

	if err := ValidateItem(item); err != nil {
		return zero, domain.AppliedRule{}, err
	}

	applied, err := store.ResolveID(ctx, tenantID, domain.CriteriaFor(item, user))
	if err != nil {
		return zero, domain.AppliedRule{}, err
	}
	span.SetAttributes(attribute.String("policy.id", applied.PolicyID))

	body, err := store.FetchByID(ctx, tenantID, applied.PolicyID)
	if err != nil {
		return zero, applied, err
	}

	policy, err := store.MapBody(applied.PolicyID, body)
	if err != nil {
		return zero, applied, err
	}

	slog.Debug("policy resolved",
		"tenant_id", tenantID,
		"kind", store.Kind(),
		"policy_id", applied.PolicyID,
		"item_id", item.ID,
	)
	return policy, applied, nil
}
