// Package overdue converts lateness into billable minutes and fine amounts.
package overdue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/heron/internal/domain"
)

var tracer = otel.Tracer("heron-overdue")

// Calculator computes overdue minutes for loans.
type Calculator struct {
	calendar OpeningDaysSource
	loc      *time.Location
}

// NewCalculator creates a calculator. calendar may be nil when no policy
// excludes closed days. loc is the circulation time zone that opening days
// are dated in; nil means UTC.
func NewCalculator(calendar OpeningDaysSource, loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{calendar: calendar, loc: loc}
}

// PreconditionsAreMet reports whether an overdue period can be computed:
// the loan has a due date strictly before now and the policy states whether
// closed days count.
func PreconditionsAreMet(loan domain.Loan, now time.Time, countClosed *bool) bool {
	return loan.DueDate != nil && loan.DueDate.Before(now) && countClosed != nil
}

// OverdueMinutes returns the grace-adjusted overdue minutes of loan at now.
// The second result is false when the preconditions are not met.
func (c *Calculator) OverdueMinutes(ctx context.Context, tenantID string, loan domain.Loan, now time.Time,
	loanPolicy *domain.LoanPolicy, finePolicy *domain.OverdueFinePolicy) (int, bool, error) {

	ctx, span := tracer.Start(ctx, "overdue.OverdueMinutes")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("loan.id", loan.ID),
	)

	var countClosed *bool
	if finePolicy != nil {
		countClosed = finePolicy.CountClosed
	}
	if !PreconditionsAreMet(loan, now, countClosed) {
		return 0, false, nil
	}

	minutes, err := c.rawMinutes(ctx, tenantID, loan, now, *countClosed)
	if err != nil {
		return 0, false, err
	}

	adjusted := AdjustForGracePeriod(loan, loanPolicy, finePolicy, minutes)
	span.SetAttributes(attribute.Int("overdue.minutes", adjusted))

	slog.Debug("overdue minutes computed",
		"tenant_id", tenantID,
		"loan_id", loan.ID,
		"raw_minutes", minutes,
		"minutes", adjusted,
	)
	return adjusted, true, nil
}

func (c *Calculator) rawMinutes(ctx context.Context, tenantID string, loan domain.Loan, now time.Time, countClosed bool) (int, error) {
	if countClosed {
		return int(now.Sub(*loan.DueDate) / time.Minute), nil
	}
	if c.calendar == nil {
		return 0, domain.NewServerError("no calendar configured for closed day exclusion", nil)
	}

	days, err := c.calendar.OpeningDays(ctx, tenantID, loan.CheckoutServicePointID, loan.DueDate.In(c.loc), now.In(c.loc))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch opening days: %w", err)
	}
	return OpeningDaysDurationMinutes(days), nil
}

// AdjustForGracePeriod waives the whole overdue period when it does not
// exceed the loan policy grace period. Loans whose due date was changed by a
// recall skip the grace period only when the fine policy says so.
func AdjustForGracePeriod(loan domain.Loan, loanPolicy *domain.LoanPolicy, finePolicy *domain.OverdueFinePolicy, minutes int) int {
	if loan.DueDateChangedByRecall && finePolicy.IgnoresGracePeriodForRecalls() {
		return minutes
	}

	grace := loanPolicy.GracePeriodMinutes()
	if grace > 0 && minutes <= grace {
		return 0
	}
	return minutes
}
