package domain

import "time"

// CirculationRules is a tenant's rule table in its text form.
type CirculationRules struct {
	Text      string    `json:"rulesAsText"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Criteria is the tuple of item and patron attributes a rule table matches.
type Criteria struct {
	LoanTypeID     string `json:"loanTypeId"`
	LocationID     string `json:"locationId"`
	MaterialTypeID string `json:"materialTypeId"`
	PatronGroupID  string `json:"patronGroupId"`
	InstitutionID  string `json:"institutionId,omitempty"`
	CampusID       string `json:"campusId,omitempty"`
	LibraryID      string `json:"libraryId,omitempty"`
}

// CriteriaFor derives the match tuple from a resolved item and patron.
func CriteriaFor(item *Item, user *User) Criteria {
	c := Criteria{
		LoanTypeID:     item.LoanTypeID(),
		LocationID:     item.LocationID(),
		MaterialTypeID: item.MaterialTypeID,
	}
	if user != nil {
		c.PatronGroupID = user.PatronGroupID
	}
	if loc := item.Location; loc != nil {
		c.InstitutionID = loc.InstitutionID
		c.CampusID = loc.CampusID
		c.LibraryID = loc.LibraryID
	}
	return c
}

// AppliedRule is the outcome of matching one policy kind.
type AppliedRule struct {
	Kind       PolicyKind `json:"kind"`
	PolicyID   string     `json:"policyId"`
	Conditions []string   `json:"conditions"`
	Line       int        `json:"line"`
	Fallback   bool       `json:"fallback"`
}

// AppliedPolicies is the outcome of matching every kind.
type AppliedPolicies struct {
	LoanPolicyID        string   `json:"loanPolicyId"`
	RequestPolicyID     string   `json:"requestPolicyId"`
	NoticePolicyID      string   `json:"noticePolicyId"`
	OverdueFinePolicyID string   `json:"overdueFinePolicyId"`
	LostItemFeePolicyID string   `json:"lostItemFeePolicyId"`
	Conditions          []string `json:"conditions"`
}

// Set records the policy id of a kind.
func (a *AppliedPolicies) Set(kind PolicyKind, id string) {
	switch kind {
	case KindLoan:
		a.LoanPolicyID = id
	case KindRequest:
		a.RequestPolicyID = id
	case KindNotice:
		a.NoticePolicyID = id
	case KindOverdueFine:
		a.OverdueFinePolicyID = id
	case KindLostItemFee:
		a.LostItemFeePolicyID = id
	}
}

// Get returns the policy id of a kind.
func (a *AppliedPolicies) Get(kind PolicyKind) string {
	switch kind {
	case KindLoan:
		return a.LoanPolicyID
	case KindRequest:
		return a.RequestPolicyID
	case KindNotice:
		return a.NoticePolicyID
	case KindOverdueFine:
		return a.OverdueFinePolicyID
	case KindLostItemFee:
		return a.LostItemFeePolicyID
	}
	return ""
}
