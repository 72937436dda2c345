package overdue

import (
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
)

// FineCalculator turns overdue minutes into a fine amount.
type FineCalculator struct{}

// Fine is a computed overdue charge.
type Fine struct {
	Amount    decimal.Decimal `json:"amount"`
	Intervals int64           `json:"intervals"`
	Recall    bool            `json:"recall"`
	Capped    bool            `json:"capped"`
	Forgiven  bool            `json:"forgiven"`
}

// Calculate charges every started interval of the policy's rate. Recalled
// loans use the recall rate and maximum. renewal forgives the fine when the
// policy allows it.
func (FineCalculator) Calculate(loan domain.Loan, policy *domain.OverdueFinePolicy, minutes int, renewal bool) Fine {
	fine := Fine{Amount: decimal.Zero}
	if policy == nil || minutes <= 0 {
		return fine
	}
	if renewal && policy.ForgiveOverdueFine {
		fine.Forgiven = true
		return fine
	}

	rate, limit := policy.OverdueFine, policy.MaxOverdueFine
	if loan.DueDateChangedByRecall && policy.OverdueRecallFine != nil {
		rate, limit = policy.OverdueRecallFine, policy.MaxOverdueRecallFine
		fine.Recall = true
	}
	if rate == nil {
		return fine
	}

	interval := rate.IntervalMinutes()
	if interval <= 0 {
		return fine
	}

	fine.Intervals = int64((minutes + interval - 1) / interval)
	fine.Amount = rate.Quantity.Mul(decimal.NewFromInt(fine.Intervals))
	if limit.IsPositive() && fine.Amount.GreaterThan(limit) {
		fine.Amount = limit
		fine.Capped = true
	}
	return fine
}
