package resolver

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/heron/internal/domain"
)

// Resolver resolves every policy kind for items and patrons.
type Resolver struct {
	loans        PolicyStore[domain.LoanPolicy]
	requests     PolicyStore[domain.RequestPolicy]
	notices      PolicyStore[domain.NoticePolicy]
	overdueFines PolicyStore[domain.OverdueFinePolicy]
	lostItemFees PolicyStore[domain.LostItemFeePolicy]

	// bulkLimit bounds concurrent lookups in ResolveLoans.
	bulkLimit int
}

// New creates a resolver over a rule applier and a policy source.
func New(rules RuleApplier, source PolicySource) *Resolver {
	return &Resolver{
		loans:        newKindStore[domain.LoanPolicy](domain.KindLoan, rules, source),
		requests:     newKindStore[domain.RequestPolicy](domain.KindRequest, rules, source),
		notices:      newKindStore[domain.NoticePolicy](domain.KindNotice, rules, source),
		overdueFines: newKindStore[domain.OverdueFinePolicy](domain.KindOverdueFine, rules, source),
		lostItemFees: newKindStore[domain.LostItemFeePolicy](domain.KindLostItemFee, rules, source),
		bulkLimit:    16,
	}
}

// LoanPolicy resolves the loan policy.
func (r *Resolver) LoanPolicy(ctx context.Context, tenantID string, item *domain.Item, user *domain.User) (*domain.LoanPolicy, domain.AppliedRule, error) {
	p, applied, err := Lookup(ctx, r.loans, tenantID, item, user)
	if err != nil {
		return nil, applied, err
	}
	return &p, applied, nil
}

// RequestPolicy resolves the request policy.
func (r *Resolver) RequestPolicy(ctx context.Context, tenantID string, item *domain.Item, user *domain.User) (*domain.RequestPolicy, domain.AppliedRule, error) {
	p, applied, err := Lookup(ctx, r.requests, tenantID, item, user)
	if err != nil {
		return nil, applied, err
	}
	return &p, applied, nil
}

// NoticePolicy resolves the notice policy.
func (r *Resolver) NoticePolicy(ctx context.Context, tenantID string, item *domain.Item, user *domain.User) (*domain.NoticePolicy, domain.AppliedRule, error) {
	p, applied, err := Lookup(ctx, r.notices, tenantID, item, user)
	if err != nil {
		return nil, applied, err
	}
	return &p, applied, nil
}

// OverdueFinePolicy resolves the overdue fine policy.
func (r *Resolver) OverdueFinePolicy(ctx context.Context, tenantID string, item *domain.Item, user *domain.User) (*domain.OverdueFinePolicy, domain.AppliedRule, error) {
	p, applied, err := Lookup(ctx, r.overdueFines, tenantID, item, user)
	if err != nil {
		return nil, applied, err
	}
	return &p, applied, nil
}

// LostItemFeePolicy resolves the lost item fee policy.
func (r *Resolver) LostItemFeePolicy(ctx context.Context, tenantID string, item *domain.Item, user *domain.User) (*domain.LostItemFeePolicy, domain.AppliedRule, error) {
	p, applied, err := Lookup(ctx, r.lostItemFees, tenantID, item, user)
	if err != nil {
		return nil, applied, err
	}
	return &p, applied, nil
}

// Policies holds every resolved policy of an item and patron.
type Policies struct {
	Loan        *domain.LoanPolicy        `json:"loanPolicy"`
	Request     *domain.RequestPolicy     `json:"requestPolicy"`
	Notice      *domain.NoticePolicy      `json:"noticePolicy"`
	OverdueFine *domain.OverdueFinePolicy `json:"overdueFinePolicy"`
	LostItemFee *domain.LostItemFeePolicy `json:"lostItemFeePolicy"`
}

// All resolves the five policies concurrently.
func (r *Resolver) All(ctx context.Context, tenantID string, item *domain.Item, user *domain.User) (*Policies, error) {
	if err := ValidateItem(item); err != nil {
		return nil, err
	}

	var out Policies
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.Loan, _, err = r.LoanPolicy(ctx, tenantID, item, user)
		return err
	})
	g.Go(func() (err error) {
		out.Request, _, err = r.RequestPolicy(ctx, tenantID, item, user)
		return err
	})
	g.Go(func() (err error) {
		out.Notice, _, err = r.NoticePolicy(ctx, tenantID, item, user)
		return err
	})
	g.Go(func() (err error) {
		out.OverdueFine, _, err = r.OverdueFinePolicy(ctx, tenantID, item, user)
		return err
	})
	g.Go(func() (err error) {
		out.LostItemFee, _, err = r.LostItemFeePolicy(ctx, tenantID, item, user)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoanPolicies is the loan and overdue fine policy of one loan.
type LoanPolicies struct {
	LoanID      string                    `json:"loanId"`
	Loan        *domain.LoanPolicy        `json:"loanPolicy"`
	OverdueFine *domain.OverdueFinePolicy `json:"overdueFinePolicy"`
}

// ResolveLoans resolves the loan and overdue fine policies of a page of
// loans. Results are index-aligned with loans; the first failure cancels
// the remaining lookups.
func (r *Resolver) ResolveLoans(ctx context.Context, tenantID string, loans []domain.Loan) ([]LoanPolicies, error) {
	out := make([]LoanPolicies, len(loans))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.bulkLimit)
	for i, loan := range loans {
		out[i].LoanID = loan.ID
		g.Go(func() error {
			p, _, err := r.LoanPolicy(ctx, tenantID, loan.Item, loan.User)
			if err != nil {
				return fmt.Errorf("loan %s: %w", loan.ID, err)
			}
			out[i].Loan = p
			return nil
		})
		g.Go(func() error {
			p, _, err := r.OverdueFinePolicy(ctx, tenantID, loan.Item, loan.User)
			if err != nil {
				return fmt.Errorf("loan %s: %w", loan.ID, err)
			}
			out[i].OverdueFine = p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
