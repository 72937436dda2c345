package domain

import (
	"context"
	"time"
)

// Location is a shelving location and its place in the library hierarchy.
type Location struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	InstitutionID         string `json:"institutionId"`
	CampusID              string `json:"campusId"`
	LibraryID             string `json:"libraryId"`
	PrimaryServicePointID string `json:"primaryServicePoint,omitempty"`
}

// Holding is the holdings record an item belongs to.
type Holding struct {
	ID                  string `json:"id"`
	PermanentLocationID string `json:"permanentLocationId"`
}

// Item is an inventory item with its holding and effective location
// attached once fetched.
type Item struct {
	ID                  string `json:"id"`
	Barcode             string `json:"barcode,omitempty"`
	HoldingsRecordID    string `json:"holdingsRecordId"`
	MaterialTypeID      string `json:"materialTypeId"`
	PermanentLoanTypeID string `json:"permanentLoanTypeId"`
	TemporaryLoanTypeID string `json:"temporaryLoanTypeId,omitempty"`
	EffectiveLocationID string `json:"effectiveLocationId"`

	Holding  *Holding  `json:"-"`
	Location *Location `json:"-"`
}

// LoanTypeID returns the temporary loan type when set, else the permanent one.
func (i *Item) LoanTypeID() string {
	if i.TemporaryLoanTypeID != "" {
		return i.TemporaryLoanTypeID
	}
	return i.PermanentLoanTypeID
}

// LocationID returns the effective location, falling back to the
// holding's permanent location.
func (i *Item) LocationID() string {
	if i.EffectiveLocationID != "" {
		return i.EffectiveLocationID
	}
	if i.Holding != nil {
		return i.Holding.PermanentLocationID
	}
	return ""
}

// User is a patron.
type User struct {
	ID            string `json:"id"`
	Barcode       string `json:"barcode,omitempty"`
	PatronGroupID string `json:"patronGroup"`
	Active        bool   `json:"active"`
}

// Loan is a checkout. Heron derives values from loans but never changes them.
type Loan struct {
	ID                     string     `json:"id"`
	ItemID                 string     `json:"itemId"`
	UserID                 string     `json:"userId"`
	LoanDate               time.Time  `json:"loanDate"`
	DueDate                *time.Time `json:"dueDate,omitempty"`
	DueDateChangedByRecall bool       `json:"dueDateChangedByRecall"`
	CheckoutServicePointID string     `json:"checkoutServicePointId,omitempty"`

	Item *Item `json:"item,omitempty"`
	User *User `json:"user,omitempty"`
}

// WithDueDate returns a copy of the loan with a new due date.
func (l Loan) WithDueDate(due time.Time) Loan {
	l.DueDate = &due
	return l
}

// WithItem returns a copy of the loan with the item attached.
func (l Loan) WithItem(item *Item) Loan {
	l.Item = item
	return l
}

// ItemSource fetches an item with its holding and location attached.
// A missing item is reported as ErrNotFound.
type ItemSource interface {
	GetItem(ctx context.Context, tenantID, itemID string) (*Item, error)
}

// UserSource fetches a patron.
type UserSource interface {
	GetUser(ctx context.Context, tenantID, userID string) (*User, error)
}
