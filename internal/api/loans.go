package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/duedate"
	"github.com/opensource-finance/heron/internal/overdue"
	"github.com/opensource-finance/heron/internal/resolver"
)

const (
	// maxBulkLoans bounds a POST /loans/policies page.
	maxBulkLoans = 500

	// attachLimit bounds concurrent item and patron fetches of a page.
	attachLimit = 8
)

// ItemPayload is an item sent inline with its holding and location.
type ItemPayload struct {
	domain.Item
	Holding  *domain.Holding  `json:"holding,omitempty"`
	Location *domain.Location `json:"location,omitempty"`
}

func (p *ItemPayload) item() *domain.Item {
	item := p.Item
	item.Holding = p.Holding
	item.Location = p.Location
	return &item
}

// LoanRequest describes a loan. Item and patron are given inline or
// fetched from the sibling services by the loan's itemId and userId.
type LoanRequest struct {
	Loan domain.Loan  `json:"loan"`
	Item *ItemPayload `json:"item,omitempty"`
	User *domain.User `json:"user,omitempty"`
}

// attach resolves the loan's item and patron. An item that cannot be found
// is left nil so the resolver reports it.
func (h *Handler) attach(ctx context.Context, tenantID string, req LoanRequest) (domain.Loan, error) {
	loan := req.Loan

	switch {
	case req.Item != nil:
		loan.Item = req.Item.item()
	case loan.Item == nil && h.items != nil && loan.ItemID != "":
		item, err := h.items.GetItem(ctx, tenantID, loan.ItemID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return loan, err
		}
		loan.Item = item
	}

	switch {
	case req.User != nil:
		loan.User = req.User
	case loan.User == nil && h.users != nil && loan.UserID != "":
		user, err := h.users.GetUser(ctx, tenantID, loan.UserID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return loan, err
		}
		loan.User = user
	}

	return loan, nil
}

// schedulesFor loads the schedule a loan policy names. A missing schedule
// yields no bands, which the due date calculator reports.
func (h *Handler) schedulesFor(ctx context.Context, tenantID string, policy *domain.LoanPolicy) (*duedate.Schedules, error) {
	if policy.FixedDueDateScheduleID == "" {
		return duedate.NoSchedules, nil
	}

	schedule, err := h.repo.GetFixedDueDateSchedule(ctx, tenantID, policy.FixedDueDateScheduleID)
	if errors.Is(err, domain.ErrNotFound) {
		return duedate.NoSchedules, nil
	}
	if err != nil {
		return nil, domain.NewServerError("failed to read schedule "+policy.FixedDueDateScheduleID, err)
	}
	return duedate.NewSchedules(schedule, h.dueDates.Location()), nil
}

// DueDateResponse is the response for POST /loans/due-date.
type DueDateResponse struct {
	LoanID                 string    `json:"loanId,omitempty"`
	DueDate                time.Time `json:"dueDate"`
	LoanPolicyID           string    `json:"loanPolicyId"`
	FixedDueDateScheduleID string    `json:"fixedDueDateScheduleId,omitempty"`
	Conditions             []string  `json:"conditions"`
}

// DueDate resolves the loan policy of a loan and computes its due date.
func (h *Handler) DueDate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req LoanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Loan.LoanDate.IsZero() {
		writeError(w, r, fmt.Errorf("loan.loanDate is required: %w", domain.ErrInvalidInput))
		return
	}

	loan, err := h.attach(ctx, tenantID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	policy, applied, err := h.resolver.LoanPolicy(ctx, tenantID, loan.Item, loan.User)
	if err != nil {
		writeError(w, r, err)
		return
	}

	schedules, err := h.schedulesFor(ctx, tenantID, policy)
	if err != nil {
		writeError(w, r, err)
		return
	}

	due, err := h.dueDates.Calculate(policy, loan.LoanDate, schedules)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DueDateResponse{
		LoanID:                 loan.ID,
		DueDate:                due,
		LoanPolicyID:           applied.PolicyID,
		FixedDueDateScheduleID: policy.FixedDueDateScheduleID,
		Conditions:             applied.Conditions,
	})
}

// OverdueRequest is the request body for POST /loans/overdue.
type OverdueRequest struct {
	LoanRequest

	// SystemTime replaces the current time when set.
	SystemTime *time.Time `json:"systemTime,omitempty"`

	// Renewal marks the charge as raised by a renewal.
	Renewal bool `json:"renewal"`
}

// OverdueResponse is the response for POST /loans/overdue.
type OverdueResponse struct {
	LoanID              string        `json:"loanId,omitempty"`
	Applicable          bool          `json:"applicable"`
	OverdueMinutes      int           `json:"overdueMinutes"`
	Fine                *overdue.Fine `json:"fine,omitempty"`
	LoanPolicyID        string        `json:"loanPolicyId"`
	OverdueFinePolicyID string        `json:"overdueFinePolicyId"`
}

// Overdue computes the chargeable overdue minutes and fine of a loan.
func (h *Handler) Overdue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req OverdueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	loan, err := h.attach(ctx, tenantID, req.LoanRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var (
		loanPolicy  *domain.LoanPolicy
		finePolicy  *domain.OverdueFinePolicy
		loanApplied domain.AppliedRule
		fineApplied domain.AppliedRule
	)
	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		loanPolicy, loanApplied, err = h.resolver.LoanPolicy(groupCtx, tenantID, loan.Item, loan.User)
		return err
	})
	g.Go(func() error {
		var err error
		finePolicy, fineApplied, err = h.resolver.OverdueFinePolicy(groupCtx, tenantID, loan.Item, loan.User)
		return err
	})
	if err := g.Wait(); err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	if req.SystemTime != nil {
		now = *req.SystemTime
	}

	minutes, applicable, err := h.overdue.OverdueMinutes(ctx, tenantID, loan, now, loanPolicy, finePolicy)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := OverdueResponse{
		LoanID:              loan.ID,
		Applicable:          applicable,
		OverdueMinutes:      minutes,
		LoanPolicyID:        loanApplied.PolicyID,
		OverdueFinePolicyID: fineApplied.PolicyID,
	}
	if applicable {
		fine := h.fines.Calculate(loan, finePolicy, minutes, req.Renewal)
		resp.Fine = &fine
	}

	writeJSON(w, http.StatusOK, resp)
}

// BulkLoansRequest is the request body for POST /loans/policies.
type BulkLoansRequest struct {
	Loans []LoanRequest `json:"loans"`
}

// LoanPolicies resolves the loan and overdue fine policies of a page of
// loans.
func (h *Handler) LoanPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkLoansRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Loans) > maxBulkLoans {
		writeError(w, r, fmt.Errorf("at most %d loans per request: %w", maxBulkLoans, domain.ErrInvalidInput))
		return
	}

	loans := make([]domain.Loan, len(req.Loans))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(attachLimit)
	for i, lr := range req.Loans {
		g.Go(func() error {
			loan, err := h.attach(groupCtx, tenantID, lr)
			loans[i] = loan
			return err
		})
	}
	if err := g.Wait(); err != nil {
		writeError(w, r, err)
		return
	}

	resolved, err := h.resolver.ResolveLoans(ctx, tenantID, loans)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if resolved == nil {
		resolved = []resolver.LoanPolicies{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"loanPolicies": resolved,
		"totalRecords": len(resolved),
	})
}
