// Package rules matches item and patron attributes against a tenant's
// circulation rule table to select a policy id per policy kind.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/heron/internal/domain"
)

var tracer = otel.Tracer("heron-rules")

// ErrNoRules is returned when a tenant has no rule table loaded.
var ErrNoRules = fmt.Errorf("circulation rules not loaded: %w", domain.ErrNotFound)

// PolicyChecker reports whether a policy of the given kind exists.
type PolicyChecker func(ctx context.Context, kind domain.PolicyKind, policyID string) (bool, error)

// Engine holds the compiled rule table of every tenant. Matching reads an
// immutable snapshot and takes no locks; loads replace the snapshot.
type Engine struct {
	env    *cel.Env
	writes sync.Mutex
	tables atomic.Pointer[map[string]*compiledTable]
}

// NewEngine creates an engine with no tables loaded.
func NewEngine() (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	e := &Engine{env: env}
	empty := make(map[string]*compiledTable)
	e.tables.Store(&empty)
	return e, nil
}

// Validate parses text and checks that every referenced policy exists.
func (e *Engine) Validate(ctx context.Context, text string, exists PolicyChecker) (*Table, error) {
	table, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if _, err := compile(e.env, text, table); err != nil {
		return nil, err
	}
	if exists == nil {
		return table, nil
	}

	for _, ref := range table.PolicyRefs() {
		ok, err := exists(ctx, ref.Kind, ref.ID)
		if err != nil {
			return nil, domain.NewServerError("failed to check policy "+ref.ID, err)
		}
		if !ok {
			return nil, domain.NewValidationError(
				fmt.Sprintf("The policy %s does not exist", ref.Kind.Letter()),
				ref.Kind.ParameterKey(), ref.ID,
			)
		}
	}
	return table, nil
}

// Load compiles text and installs it as the tenant's table.
func (e *Engine) Load(tenantID, text string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	table, err := Parse(text)
	if err != nil {
		return err
	}
	compiled, err := compile(e.env, text, table)
	if err != nil {
		return err
	}

	e.swap(func(tables map[string]*compiledTable) {
		tables[tenantID] = compiled
	})

	slog.Info("circulation rules loaded",
		"tenant_id", tenantID,
		"rules", len(compiled.rules),
	)
	return nil
}

// Remove drops the tenant's table.
func (e *Engine) Remove(tenantID string) {
	e.swap(func(tables map[string]*compiledTable) {
		delete(tables, tenantID)
	})
}

func (e *Engine) swap(mutate func(map[string]*compiledTable)) {
	e.writes.Lock()
	defer e.writes.Unlock()

	current := *e.tables.Load()
	next := make(map[string]*compiledTable, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	mutate(next)
	e.tables.Store(&next)
}

func (e *Engine) table(tenantID string) (*compiledTable, error) {
	t, ok := (*e.tables.Load())[tenantID]
	if !ok {
		return nil, ErrNoRules
	}
	return t, nil
}

// Text returns the tenant's loaded rule table text.
func (e *Engine) Text(tenantID string) (string, bool) {
	t, err := e.table(tenantID)
	if err != nil {
		return "", false
	}
	return t.text, true
}

// Tenants lists tenants with a loaded table.
func (e *Engine) Tenants() []string {
	tables := *e.tables.Load()
	out := make([]string, 0, len(tables))
	for k := range tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RulesCount returns the number of criteria rules loaded for the tenant.
func (e *Engine) RulesCount(tenantID string) int {
	t, err := e.table(tenantID)
	if err != nil {
		return 0
	}
	return len(t.rules)
}

// Apply selects the policy of one kind for the criteria. The first ranked
// rule that matches and names the kind wins; otherwise the fallback applies.
func (e *Engine) Apply(ctx context.Context, tenantID string, kind domain.PolicyKind, c domain.Criteria) (domain.AppliedRule, error) {
	_, span := tracer.Start(ctx, "rules.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("policy.kind", string(kind)),
	)

	t, err := e.table(tenantID)
	if err != nil {
		return domain.AppliedRule{}, err
	}

	vars := activation(c)
	for _, r := range t.rules {
		id, names := r.rule.Policies[kind]
		if !names {
			continue
		}
		ok, err := r.matches(vars)
		if err != nil {
			return domain.AppliedRule{}, err
		}
		if ok {
			span.SetAttributes(attribute.Int("rule.line", r.rule.Line))
			return domain.AppliedRule{
				Kind:       kind,
				PolicyID:   id,
				Conditions: r.conditions,
				Line:       r.rule.Line,
			}, nil
		}
	}

	id, ok := t.fallback[kind]
	if !ok {
		return domain.AppliedRule{}, fmt.Errorf("unknown policy kind %q", kind)
	}
	return domain.AppliedRule{
		Kind:       kind,
		PolicyID:   id,
		Conditions: []string{},
		Fallback:   true,
	}, nil
}

// ApplyAll selects the policy of every kind. Conditions are those of the
// rule that selected the loan policy.
func (e *Engine) ApplyAll(ctx context.Context, tenantID string, c domain.Criteria) (domain.AppliedPolicies, error) {
	ctx, span := tracer.Start(ctx, "rules.ApplyAll")
	defer span.End()

	var out domain.AppliedPolicies
	for _, kind := range domain.PolicyKinds {
		applied, err := e.Apply(ctx, tenantID, kind, c)
		if err != nil {
			return domain.AppliedPolicies{}, err
		}
		out.Set(kind, applied.PolicyID)
		if kind == domain.KindLoan {
			out.Conditions = applied.Conditions
		}
	}
	return out, nil
}

// IsNoRules reports whether err means the tenant has no rule table.
func IsNoRules(err error) bool {
	return errors.Is(err, ErrNoRules)
}
