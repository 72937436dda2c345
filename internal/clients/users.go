package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Users fetches patrons.
type Users struct {
	*client
}

// NewUsers creates a users client.
func NewUsers(baseURL string, timeout time.Duration) *Users {
	return &Users{client: newClient("users", baseURL, timeout)}
}

// GetUser fetches one patron.
func (c *Users) GetUser(ctx context.Context, tenantID, userID string) (*domain.User, error) {
	resp, err := c.get(ctx, tenantID, "/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var user domain.User
		if err := resp.decode(&user); err != nil {
			return nil, err
		}
		return &user, nil
	case http.StatusNotFound:
		return nil, domain.ErrNotFound
	}
	return nil, c.unexpected(resp, "user "+userID)
}
