package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// policyPaths are the storage collections of each kind.
var policyPaths = map[domain.PolicyKind]string{
	domain.KindLoan:        "/loan-policy-storage/loan-policies/",
	domain.KindRequest:     "/request-policy-storage/request-policies/",
	domain.KindNotice:      "/patron-notice-policy-storage/patron-notice-policies/",
	domain.KindOverdueFine: "/overdue-fines-policies/",
	domain.KindLostItemFee: "/lost-item-fees-policies/",
}

// PolicyStorage fetches policy bodies from a remote policy store.
type PolicyStorage struct {
	*client
}

// NewPolicyStorage creates a policy storage client.
func NewPolicyStorage(baseURL string, timeout time.Duration) *PolicyStorage {
	return &PolicyStorage{client: newClient("policy-storage", baseURL, timeout)}
}

// FetchPolicy returns the raw policy body. A 404 is reported as
// domain.ErrNotFound; any other failure is a server error.
func (c *PolicyStorage) FetchPolicy(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) (json.RawMessage, error) {
	base, ok := policyPaths[kind]
	if !ok {
		return nil, domain.NewServerError("unknown policy kind "+string(kind), nil)
	}

	resp, err := c.get(ctx, tenantID, base+url.PathEscape(policyID), nil)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return json.RawMessage(resp.Body), nil
	case http.StatusNotFound:
		return nil, domain.ErrNotFound
	}
	return nil, c.unexpected(resp, string(kind)+" policy "+policyID)
}
