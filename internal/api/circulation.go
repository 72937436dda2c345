package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/heron/internal/clients"
	"github.com/opensource-finance/heron/internal/domain"
)

// GetCirculationRules returns the tenant's stored rule table.
func (h *Handler) GetCirculationRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	stored, err := h.repo.GetCirculationRules(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			err = domain.NewServerError("failed to read circulation rules", err)
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

// PutCirculationRules validates, stores and installs a new rule table, then
// tells the other nodes to reload it.
func (h *Handler) PutCirculationRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.CirculationRules
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var exists func(ctx context.Context, kind domain.PolicyKind, policyID string) (bool, error)
	if h.index != nil {
		exists = func(ctx context.Context, kind domain.PolicyKind, policyID string) (bool, error) {
			return h.index.Exists(ctx, tenantID, kind, policyID)
		}
	}
	if _, err := h.engine.Validate(ctx, req.Text, exists); err != nil {
		writeError(w, r, err)
		return
	}

	req.UpdatedAt = time.Now().UTC()
	if err := h.repo.SaveCirculationRules(ctx, tenantID, &req); err != nil {
		writeError(w, r, domain.NewServerError("failed to save circulation rules", err))
		return
	}
	if err := h.engine.Load(tenantID, req.Text); err != nil {
		writeError(w, r, err)
		return
	}

	h.publish(ctx, domain.TopicRulesUpdated, domain.RulesUpdatedEvent{
		TenantID: tenantID,
		NodeID:   h.nodeID,
	})

	slog.Info("circulation rules updated",
		"tenant_id", tenantID,
		"rules", h.engine.RulesCount(tenantID),
	)
	w.WriteHeader(http.StatusNoContent)
}

// ApplyRules matches the query criteria for every policy kind.
func (h *Handler) ApplyRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	criteria, err := criteriaFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	applied, err := h.engine.ApplyAll(ctx, GetTenantID(ctx), criteria)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, applied)
}

// ApplyKindRule matches the query criteria for a single policy kind.
func (h *Handler) ApplyKindRule(kind domain.PolicyKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		criteria, err := criteriaFromQuery(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		applied, err := h.engine.Apply(ctx, GetTenantID(ctx), kind, criteria)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, clients.AppliedRuleBody(applied))
	}
}

// criteriaFromQuery reads the parameters clients.CriteriaQuery writes.
func criteriaFromQuery(r *http.Request) (domain.Criteria, error) {
	q := r.URL.Query()
	c := domain.Criteria{
		LoanTypeID:     q.Get("loan_type_id"),
		LocationID:     q.Get("location_id"),
		MaterialTypeID: q.Get("item_type_id"),
		PatronGroupID:  q.Get("patron_type_id"),
		InstitutionID:  q.Get("institution_id"),
		CampusID:       q.Get("campus_id"),
		LibraryID:      q.Get("library_id"),
	}

	required := []struct {
		name  string
		value string
	}{
		{"loan_type_id", c.LoanTypeID},
		{"location_id", c.LocationID},
		{"item_type_id", c.MaterialTypeID},
		{"patron_type_id", c.PatronGroupID},
	}
	for _, p := range required {
		if p.value == "" {
			return c, fmt.Errorf("%s is required: %w", p.name, domain.ErrInvalidInput)
		}
	}
	return c, nil
}
