package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/heron/internal/domain"
)

// Inventory fetches items with their holding and location.
type Inventory struct {
	*client
}

// NewInventory creates an inventory client.
func NewInventory(baseURL string, timeout time.Duration) *Inventory {
	return &Inventory{client: newClient("inventory", baseURL, timeout)}
}

// GetItem fetches the item, then its holding, then its location. A missing
// holding or location leaves the field nil and skips the later fetches.
func (c *Inventory) GetItem(ctx context.Context, tenantID, itemID string) (*domain.Item, error) {
	var item domain.Item
	found, err := c.fetch(ctx, tenantID, "/item-storage/items/"+url.PathEscape(itemID), &item)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrNotFound
	}

	if item.HoldingsRecordID == "" {
		return &item, nil
	}
	var holding domain.Holding
	found, err = c.fetch(ctx, tenantID, "/holdings-storage/holdings/"+url.PathEscape(item.HoldingsRecordID), &holding)
	if err != nil {
		return nil, err
	}
	if !found {
		return &item, nil
	}
	item.Holding = &holding

	locationID := item.LocationID()
	if locationID == "" {
		return &item, nil
	}
	var location domain.Location
	found, err = c.fetch(ctx, tenantID, "/locations/"+url.PathEscape(locationID), &location)
	if err != nil {
		return nil, err
	}
	if found {
		item.Location = &location
	}
	return &item, nil
}

// GetItems fetches several items concurrently. Results are index-aligned
// with itemIDs.
func (c *Inventory) GetItems(ctx context.Context, tenantID string, itemIDs []string) ([]*domain.Item, error) {
	out := make([]*domain.Item, len(itemIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range itemIDs {
		g.Go(func() error {
			item, err := c.GetItem(ctx, tenantID, id)
			if err != nil {
				return err
			}
			out[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Inventory) fetch(ctx context.Context, tenantID, path string, v any) (bool, error) {
	resp, err := c.get(ctx, tenantID, path, nil)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return true, resp.decode(v)
	case http.StatusNotFound:
		return false, nil
	}
	return false, c.unexpected(resp, path)
}
