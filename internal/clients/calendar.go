package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Calendar fetches service point opening days.
type Calendar struct {
	*client
}

// NewCalendar creates a calendar client.
func NewCalendar(baseURL string, timeout time.Duration) *Calendar {
	return &Calendar{client: newClient("calendar", baseURL, timeout)}
}

type openingDaysResponse struct {
	OpeningDays []domain.OpeningDay `json:"openingDays"`
}

// OpeningDays returns every opening day of the service point between the
// dates of from and to, inclusive.
func (c *Calendar) OpeningDays(ctx context.Context, tenantID, servicePointID string, from, to time.Time) ([]domain.OpeningDay, error) {
	query := url.Values{}
	query.Set("startDate", from.Format(time.DateOnly))
	query.Set("endDate", to.Format(time.DateOnly))
	query.Set("includeClosedDays", "true")

	path := "/calendar/periods/" + url.PathEscape(servicePointID) + "/opening-days"
	resp, err := c.get(ctx, tenantID, path, query)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out openingDaysResponse
		if err := resp.decode(&out); err != nil {
			return nil, err
		}
		return out.OpeningDays, nil
	case http.StatusNotFound:
		// No calendar means the service point was never open.
		return nil, nil
	}
	return nil, c.unexpected(resp, "opening days of "+servicePointID)
}
