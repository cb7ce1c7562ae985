// Package campaign fetches and accepts update campaigns offered by
// the backend, a feature the distilled wire list only half-covers
// (listing, not acceptance); both halves are implemented here.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// Client talks to the campaigner backend.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	h := retryablehttp.NewClient()
	h.RetryMax = 1
	h.Logger = nil
	return &Client{http: h, baseURL: baseURL}
}

// List retrieves the campaigns currently offered to this device.
func (c *Client) List(ctx context.Context) ([]types.Campaign, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/campaigner/campaigns", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build campaigns request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d listing campaigns", resp.StatusCode)
	}
	var out struct {
		Campaigns []types.Campaign `json:"campaigns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode campaigns: %w", err)
	}
	return out.Campaigns, nil
}

// Accept marks a campaign as accepted, the other half of the
// campaign feature alongside List: a campaign fetched but never
// accepted never reaches the update cycle.
func (c *Client) Accept(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/campaigner/campaigns/"+id+"/accepted", nil)
	if err != nil {
		return fmt.Errorf("failed to build accept request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to accept campaign %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d accepting campaign %s", resp.StatusCode, id)
	}
	return nil
}
