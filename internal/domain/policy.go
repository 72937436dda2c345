package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PolicyKind identifies one of the five circulation policy families.
type PolicyKind string

const (
	KindLoan        PolicyKind = "loan"
	KindRequest     PolicyKind = "request"
	KindNotice      PolicyKind = "notice"
	KindOverdueFine PolicyKind = "overdue_fine"
	KindLostItemFee PolicyKind = "lost_item_fee"
)

// PolicyKinds lists every kind in rule-table letter order.
var PolicyKinds = []PolicyKind{KindLoan, KindRequest, KindNotice, KindOverdueFine, KindLostItemFee}

// Letter is the single-letter tag of the kind in rule table text.
func (k PolicyKind) Letter() string {
	switch k {
	case KindLoan:
		return "l"
	case KindRequest:
		return "r"
	case KindNotice:
		return "n"
	case KindOverdueFine:
		return "o"
	case KindLostItemFee:
		return "i"
	}
	return ""
}

// DisplayName is used in error messages.
func (k PolicyKind) DisplayName() string {
	switch k {
	case KindLoan:
		return "Loan"
	case KindRequest:
		return "Request"
	case KindNotice:
		return "Notice"
	case KindOverdueFine:
		return "Overdue fine"
	case KindLostItemFee:
		return "Lost item fee"
	}
	return string(k)
}

// ParameterKey names the policy id in validation error parameters.
func (k PolicyKind) ParameterKey() string {
	switch k {
	case KindLoan:
		return "loanPolicyId"
	case KindRequest:
		return "requestPolicyId"
	case KindNotice:
		return "noticePolicyId"
	case KindOverdueFine:
		return "overdueFinePolicyId"
	case KindLostItemFee:
		return "lostItemFeePolicyId"
	}
	return "policyId"
}

// KindFromLetter maps a rule table tag to its kind.
func KindFromLetter(letter string) (PolicyKind, bool) {
	for _, k := range PolicyKinds {
		if k.Letter() == letter {
			return k, true
		}
	}
	return "", false
}

// ParsePolicyKind accepts the kind name, its letter, or a URL form such as
// "overdue-fine".
func ParsePolicyKind(s string) (PolicyKind, bool) {
	if k, ok := KindFromLetter(s); ok {
		return k, true
	}
	for _, k := range PolicyKinds {
		if string(k) == s || k.URLName() == s {
			return k, true
		}
	}
	return "", false
}

// URLName is the kind as it appears in HTTP paths.
func (k PolicyKind) URLName() string {
	switch k {
	case KindOverdueFine:
		return "overdue-fine"
	case KindLostItemFee:
		return "lost-item-fee"
	}
	return string(k)
}

// PolicyRecord is the stored representation of a policy of any kind.
type PolicyRecord struct {
	ID          string          `json:"id"`
	Kind        PolicyKind      `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Body        json.RawMessage `json:"body"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// LoanProfile selects how a loan policy computes due dates.
type LoanProfile string

const (
	ProfileRolling LoanProfile = "Rolling"
	ProfileFixed   LoanProfile = "Fixed"
)

// LoanPolicy governs loan periods and due dates.
type LoanPolicy struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Loanable bool   `json:"loanable"`

	Profile LoanProfile `json:"profileId"`
	Period  Period      `json:"period"`

	// FixedDueDateScheduleID is the schedule of a Fixed profile, or the due
	// date limit of a Rolling profile.
	FixedDueDateScheduleID string `json:"fixedDueDateScheduleId,omitempty"`

	GracePeriod *Period `json:"gracePeriod,omitempty"`

	Renewable          bool    `json:"renewable"`
	RenewalLimit       int     `json:"renewalLimit,omitempty"`
	RenewFromSystemDay bool    `json:"renewFromSystemDate,omitempty"`
	RecallMinimumLoan  *Period `json:"recallMinimumGuaranteedLoanPeriod,omitempty"`
}

// GracePeriodMinutes returns the configured grace period in minutes, zero
// when none is set or its interval is unknown.
func (p *LoanPolicy) GracePeriodMinutes() int {
	if p == nil || p.GracePeriod == nil {
		return 0
	}
	return p.GracePeriod.ToMinutes()
}

// HasDueDateLimit reports whether a rolling loan is bounded by a schedule.
func (p *LoanPolicy) HasDueDateLimit() bool {
	return p.Profile == ProfileRolling && p.FixedDueDateScheduleID != ""
}

// RequestPolicy lists the request types allowed for matched items.
type RequestPolicy struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	RequestTypes []string `json:"requestTypes"`
}

// Allows reports whether the request type is permitted.
func (p *RequestPolicy) Allows(requestType string) bool {
	for _, t := range p.RequestTypes {
		if t == requestType {
			return true
		}
	}
	return false
}

// NoticeConfig is one notice sent for a loan event.
type NoticeConfig struct {
	TemplateID string  `json:"templateId"`
	Format     string  `json:"format"`
	Event      string  `json:"sendEvent"`
	Timing     string  `json:"sendHow,omitempty"`
	Offset     *Period `json:"sendBy,omitempty"`
	Recurring  bool    `json:"recurring,omitempty"`
}

// NoticePolicy configures patron notices. Rendering and delivery happen
// elsewhere.
type NoticePolicy struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Active      bool           `json:"active"`
	LoanNotices []NoticeConfig `json:"loanNotices,omitempty"`
}

// NoticesFor returns the notices configured for an event.
func (p *NoticePolicy) NoticesFor(event string) []NoticeConfig {
	if !p.Active {
		return nil
	}
	var out []NoticeConfig
	for _, n := range p.LoanNotices {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

// FineRate is a charge per interval.
type FineRate struct {
	Quantity   decimal.Decimal `json:"quantity"`
	IntervalID string          `json:"intervalId"`
}

// IntervalMinutes is the length of the charging interval in minutes.
func (r *FineRate) IntervalMinutes() int {
	return NewPeriod(1, r.IntervalID).ToMinutes()
}

// OverdueFinePolicy governs how lateness is charged.
type OverdueFinePolicy struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	OverdueFine          *FineRate       `json:"overdueFine,omitempty"`
	MaxOverdueFine       decimal.Decimal `json:"maxOverdueFine"`
	OverdueRecallFine    *FineRate       `json:"overdueRecallFine,omitempty"`
	MaxOverdueRecallFine decimal.Decimal `json:"maxOverdueRecallFine"`

	// CountClosed includes closed-facility time in the charge. Nil means
	// the policy cannot be charged.
	CountClosed *bool `json:"countClosed,omitempty"`

	// GracePeriodRecall ignores the loan policy grace period for loans
	// whose due date was changed by a recall.
	GracePeriodRecall *bool `json:"gracePeriodRecall,omitempty"`

	ForgiveOverdueFine bool `json:"forgiveOverdueFine"`
}

// IgnoresGracePeriodForRecalls reports the explicit recall grace flag.
func (p *OverdueFinePolicy) IgnoresGracePeriodForRecalls() bool {
	return p != nil && p.GracePeriodRecall != nil && *p.GracePeriodRecall
}

// ChargeAmount is a fixed or actual-cost charge.
type ChargeAmount struct {
	ChargeType string          `json:"chargeType"`
	Amount     decimal.Decimal `json:"amount"`
}

// LostItemFeePolicy governs aged-to-lost processing and replacement fees.
type LostItemFeePolicy struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	ItemAgedLostOverdue   *Period         `json:"itemAgedLostOverdue,omitempty"`
	PatronBilledAfterAged *Period         `json:"patronBilledAfterAgedLost,omitempty"`
	ChargeAmountItem      *ChargeAmount   `json:"chargeAmountItem,omitempty"`
	LostItemProcessingFee decimal.Decimal `json:"lostItemProcessingFee"`
	ChargeProcessingFee   bool            `json:"chargeAmountItemPatron"`
	ReturnedLostItem      string          `json:"returnedLostItem,omitempty"`
}

// AgedToLostAt returns when an item overdue since dueDate ages to lost.
func (p *LostItemFeePolicy) AgedToLostAt(dueDate time.Time) (time.Time, bool) {
	if p.ItemAgedLostOverdue == nil || !p.ItemAgedLostOverdue.Valid() {
		return time.Time{}, false
	}
	return p.ItemAgedLostOverdue.AddTo(dueDate), true
}

// PolicyIDs maps each kind to a policy id.
type PolicyIDs map[PolicyKind]string
