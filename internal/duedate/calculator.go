package duedate

import (
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Validation messages for due date failures.
const (
	MsgNotLoanable       = "item is not loanable"
	MsgOutsideLimit      = "loan date is not within the loan policy's due date limit schedule"
	MsgOutsideFixed      = "loan date is not within a fixed due date schedule"
	MsgUnknownProfile    = "loan policy has an unknown profile"
	MsgInvalidLoanPeriod = "loan policy period is not valid"
)

// Calculator derives due dates in a tenant time zone.
type Calculator struct {
	loc *time.Location
}

// NewCalculator creates a calculator for the zone. A nil zone means UTC.
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// Location returns the calculator's time zone.
func (c *Calculator) Location() *time.Location {
	return c.loc
}

// Calculate returns the due date of a loan made at loanDate under policy.
// schedules is the policy's fixed schedule or due date limit and may be
// NoSchedules.
func (c *Calculator) Calculate(policy *domain.LoanPolicy, loanDate time.Time, schedules *Schedules) (time.Time, error) {
	if policy == nil {
		return time.Time{}, fmt.Errorf("%w: loan policy is required", domain.ErrInvalidInput)
	}
	if !policy.Loanable {
		return time.Time{}, domain.NewValidationError(MsgNotLoanable, "loanPolicyId", policy.ID)
	}
	if schedules == nil {
		schedules = NoSchedules
	}

	switch policy.Profile {
	case domain.ProfileRolling:
		return c.rolling(policy, loanDate, schedules)
	case domain.ProfileFixed:
		return c.fixed(policy, loanDate, schedules)
	}
	return time.Time{}, domain.NewValidationError(MsgUnknownProfile, "profileId", string(policy.Profile))
}

func (c *Calculator) rolling(policy *domain.LoanPolicy, loanDate time.Time, schedules *Schedules) (time.Time, error) {
	if !policy.Period.Valid() {
		return time.Time{}, domain.NewValidationError(MsgInvalidLoanPeriod, "loanPolicyId", policy.ID)
	}

	due := policy.Period.AddTo(loanDate.In(c.loc))
	if policy.Period.IsCalendarBased() {
		due = endOfDay(due)
	}

	if !policy.HasDueDateLimit() {
		return due, nil
	}
	return schedules.Truncate(due, loanDate, func() error {
		return domain.NewValidationError(MsgOutsideLimit, "fixedDueDateScheduleId", policy.FixedDueDateScheduleID)
	})
}

func (c *Calculator) fixed(policy *domain.LoanPolicy, loanDate time.Time, schedules *Schedules) (time.Time, error) {
	due, ok := schedules.DueDateFor(loanDate)
	if !ok {
		return time.Time{}, domain.NewValidationError(MsgOutsideFixed, "fixedDueDateScheduleId", policy.FixedDueDateScheduleID)
	}
	return due, nil
}
