// Package clients talks to the sibling services Heron depends on: inventory,
// users, calendar, policy storage and a remote rules service. Every client
// sends the tenant in the X-Okapi-Tenant header and fails fast through a
// circuit breaker. Nothing is retried.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/heron/internal/domain"
)

// TenantHeader carries the tenant id on every request.
const TenantHeader = "X-Okapi-Tenant"

// errUpstream marks 5xx responses so the breaker counts them as failures.
var errUpstream = errors.New("upstream failure")

// response is a completed upstream call.
type response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (r *response) forwarded() *domain.ForwardedError {
	return &domain.ForwardedError{
		StatusCode:  r.StatusCode,
		ContentType: r.ContentType,
		Body:        string(r.Body),
	}
}

func (r *response) decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// client is the shared transport of every sibling client.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newClient(name, baseURL string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed",
					"client", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// get performs a GET through the breaker. Any status is returned to the
// caller; only transport errors and 5xx responses trip the breaker.
func (c *client) get(ctx context.Context, tenantID, path string, query url.Values) (*response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var resp *response
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set(TenantHeader, tenantID)
		req.Header.Set("Accept", "application/json")

		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}
		resp = &response{
			StatusCode:  httpResp.StatusCode,
			ContentType: httpResp.Header.Get("Content-Type"),
			Body:        body,
		}
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return nil, errUpstream
		}
		return nil, nil
	})

	if errors.Is(err, errUpstream) {
		return resp, nil
	}
	if err != nil {
		return nil, domain.NewServerError(fmt.Sprintf("%s request failed", c.name), err)
	}
	return resp, nil
}

func (c *client) unexpected(resp *response, what string) error {
	return domain.NewServerError(
		fmt.Sprintf("%s returned %d for %s", c.name, resp.StatusCode, what),
		resp.forwarded(),
	)
}
