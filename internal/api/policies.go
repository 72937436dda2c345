package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
)

// policyKind reads the {kind} path parameter.
func policyKind(r *http.Request) (domain.PolicyKind, error) {
	name := chi.URLParam(r, "kind")
	kind, ok := domain.ParsePolicyKind(name)
	if !ok {
		return "", fmt.Errorf("unknown policy kind %q: %w", name, domain.ErrNotFound)
	}
	return kind, nil
}

// policyTarget returns the typed value a body of kind must decode into.
func policyTarget(kind domain.PolicyKind) any {
	switch kind {
	case domain.KindLoan:
		return &domain.LoanPolicy{}
	case domain.KindRequest:
		return &domain.RequestPolicy{}
	case domain.KindNotice:
		return &domain.NoticePolicy{}
	case domain.KindOverdueFine:
		return &domain.OverdueFinePolicy{}
	default:
		return &domain.LostItemFeePolicy{}
	}
}

// CreatePolicy stores a policy of the path's kind. A missing id is
// generated and written into the stored body.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	kind, err := policyKind(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to read body: %w", domain.ErrInvalidInput))
		return
	}

	// UseNumber keeps decimal amounts exact through the round trip.
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		writeError(w, r, &domain.ValidationError{Message: fmt.Sprintf("invalid JSON request body: %v", err)})
		return
	}
	if fields == nil {
		writeError(w, r, &domain.ValidationError{Message: "policy body must be a JSON object"})
		return
	}

	id, _ := fields["id"].(string)
	if id == "" {
		id = uuid.New().String()
		fields["id"] = id
	}
	name, _ := fields["name"].(string)
	if name == "" {
		writeError(w, r, domain.NewValidationError("Policy name is required", "name", ""))
		return
	}
	description, _ := fields["description"].(string)

	body, err := json.Marshal(fields)
	if err != nil {
		writeError(w, r, domain.NewServerError("failed to encode policy", err))
		return
	}
	if err := json.Unmarshal(body, policyTarget(kind)); err != nil {
		writeError(w, r, domain.NewValidationError(
			fmt.Sprintf("%s policy is malformed: %v", kind.DisplayName(), err),
			kind.ParameterKey(), id,
		))
		return
	}

	record := &domain.PolicyRecord{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Description: description,
		Body:        body,
	}
	if existing, err := h.repo.GetPolicy(ctx, tenantID, kind, id); err == nil {
		record.CreatedAt = existing.CreatedAt
	}
	if err := h.repo.SavePolicy(ctx, tenantID, record); err != nil {
		writeError(w, r, err)
		return
	}

	h.policyChanged(r, kind, id, false)

	slog.Info("policy saved", "tenant_id", tenantID, "kind", kind, "policy_id", id)
	writeJSON(w, http.StatusCreated, record)
}

// ListPolicies returns every stored policy of the path's kind.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := policyKind(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	records, err := h.repo.ListPolicies(ctx, GetTenantID(ctx), kind)
	if err != nil {
		writeError(w, r, domain.NewServerError("failed to list policies", err))
		return
	}
	if records == nil {
		records = []*domain.PolicyRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policies":     records,
		"totalRecords": len(records),
	})
}

// GetPolicy returns one stored policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := policyKind(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	record, err := h.repo.GetPolicy(ctx, GetTenantID(ctx), kind, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// DeletePolicy removes a stored policy.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	kind, err := policyKind(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.repo.DeletePolicy(ctx, tenantID, kind, id); err != nil {
		writeError(w, r, err)
		return
	}

	h.policyChanged(r, kind, id, true)

	slog.Info("policy deleted", "tenant_id", tenantID, "kind", kind, "policy_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// policyChanged drops the local cached body and tells the other nodes to
// do the same.
func (h *Handler) policyChanged(r *http.Request, kind domain.PolicyKind, policyID string, deleted bool) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.source != nil {
		if err := h.source.Invalidate(ctx, tenantID, kind, policyID); err != nil {
			slog.Warn("failed to invalidate cached policy",
				"tenant_id", tenantID,
				"policy_id", policyID,
				"error", err,
			)
		}
	}

	h.publish(ctx, domain.TopicPolicyUpdated, domain.PolicyUpdatedEvent{
		TenantID: tenantID,
		Kind:     kind,
		PolicyID: policyID,
		Deleted:  deleted,
		NodeID:   h.nodeID,
	})
}

// CreateSchedule stores a fixed due date schedule.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var schedule domain.FixedDueDateSchedule
	if err := decodeJSON(r, &schedule); err != nil {
		writeError(w, r, err)
		return
	}

	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.Name == "" {
		writeError(w, r, domain.NewValidationError("Schedule name is required", "name", ""))
		return
	}
	for i, band := range schedule.Schedules {
		if !band.From.Before(band.To) {
			writeError(w, r, domain.NewValidationError(
				"Schedule band must start before it ends", "schedules", strconv.Itoa(i),
			))
			return
		}
	}

	schedule.UpdatedAt = time.Now().UTC()
	if err := h.repo.SaveFixedDueDateSchedule(ctx, tenantID, &schedule); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("fixed due date schedule saved",
		"tenant_id", tenantID,
		"schedule_id", schedule.ID,
		"bands", len(schedule.Schedules),
	)
	writeJSON(w, http.StatusCreated, schedule)
}

// GetSchedule returns one fixed due date schedule.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	schedule, err := h.repo.GetFixedDueDateSchedule(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			err = domain.NewServerError("failed to read schedule", err)
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, schedule)
}
