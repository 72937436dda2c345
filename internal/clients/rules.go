package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Rules applies circulation rules on a remote rules service.
type Rules struct {
	*client
}

// NewRules creates a remote rules client.
func NewRules(baseURL string, timeout time.Duration) *Rules {
	return &Rules{client: newClient("circulation-rules", baseURL, timeout)}
}

// CriteriaQuery encodes criteria as rule application query parameters.
func CriteriaQuery(c domain.Criteria) url.Values {
	q := url.Values{}
	q.Set("loan_type_id", c.LoanTypeID)
	q.Set("location_id", c.LocationID)
	q.Set("item_type_id", c.MaterialTypeID)
	q.Set("patron_type_id", c.PatronGroupID)
	if c.InstitutionID != "" {
		q.Set("institution_id", c.InstitutionID)
	}
	if c.CampusID != "" {
		q.Set("campus_id", c.CampusID)
	}
	if c.LibraryID != "" {
		q.Set("library_id", c.LibraryID)
	}
	return q
}

// AppliedRuleBody is the wire form of a single-kind rule application: the
// policy id under the kind's parameter key plus the matched conditions.
func AppliedRuleBody(applied domain.AppliedRule) map[string]any {
	conditions := applied.Conditions
	if conditions == nil {
		conditions = []string{}
	}
	return map[string]any{
		applied.Kind.ParameterKey(): applied.PolicyID,
		"conditions":                conditions,
		"line":                      applied.Line,
		"fallback":                  applied.Fallback,
	}
}

// ApplyRule implements the resolver's RuleApplier against a remote service.
// A 404 is reported as domain.ErrNotFound; other non-200 responses are
// forwarded unchanged.
func (c *Rules) ApplyRule(ctx context.Context, tenantID string, kind domain.PolicyKind, criteria domain.Criteria) (domain.AppliedRule, error) {
	path := "/circulation/rules/" + kind.URLName() + "-policy"
	resp, err := c.get(ctx, tenantID, path, CriteriaQuery(criteria))
	if err != nil {
		return domain.AppliedRule{}, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.AppliedRule{}, fmt.Errorf("%s: %w", path, domain.ErrNotFound)
	default:
		return domain.AppliedRule{}, resp.forwarded()
	}

	var body map[string]json.RawMessage
	if err := resp.decode(&body); err != nil {
		return domain.AppliedRule{}, domain.NewServerError("invalid rule application response", err)
	}

	applied := domain.AppliedRule{Kind: kind, Conditions: []string{}}
	if err := json.Unmarshal(body[kind.ParameterKey()], &applied.PolicyID); err != nil || applied.PolicyID == "" {
		return domain.AppliedRule{}, domain.NewServerError("rule application response names no "+kind.ParameterKey(), err)
	}
	optional := []struct {
		key    string
		target any
	}{
		{"conditions", &applied.Conditions},
		{"line", &applied.Line},
		{"fallback", &applied.Fallback},
	}
	for _, field := range optional {
		raw, ok := body[field.key]
		if !ok || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, field.target); err != nil {
			return domain.AppliedRule{}, domain.NewServerError("rule application response has invalid "+field.key, err)
		}
	}
	return applied, nil
}
