/**
 * @description
 * This package provides a client for the catalog collaborator, which owns the
 * award definitions and premium pricing tables. The economy-service treats
 * these as read-only lookups by identifier and performs no pricing logic of
 * its own.
 */
package catalogclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the catalog has no definition for an id.
var ErrNotFound = errors.New("catalog item not found")

// Client is a client for the catalog service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new catalog client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// AwardDefinition is a catalog award: what it costs the giver and what it
// grants the recipient.
type AwardDefinition struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Cost            int64      `json:"cost"` // coins
	CoinReward      int64      `json:"coin_reward"`
	EntitlementDays int        `json:"entitlement_days"`
	AwardeeKarma    int64      `json:"awardee_karma"`
	AwarderKarma    int64      `json:"awarder_karma"`
	CommunityID     *uuid.UUID `json:"community_id,omitempty"` // set when scoped to one community
	IsActive        bool       `json:"is_active"`
}

// CoinPackage is a purchasable bundle of coins.
type CoinPackage struct {
	ID       string `json:"id"`
	Coins    int64  `json:"coins"`
	Price    int64  `json:"price"` // smallest currency unit
	Currency string `json:"currency"`
}

// PremiumPlan is a purchasable premium period.
type PremiumPlan struct {
	ID         string `json:"id"`
	Days       int    `json:"days"`
	PriceCoins int64  `json:"price_coins"` // 0 when not purchasable with coins
	Price      int64  `json:"price"`       // smallest currency unit
	Currency   string `json:"currency"`
	CoinBonus  int64  `json:"coin_bonus"` // coins granted alongside the plan
}

// GetAward fetches an award definition by id.
func (c *Client) GetAward(ctx context.Context, awardID string) (*AwardDefinition, error) {
	var award AwardDefinition
	if err := c.get(ctx, "/v1/awards/"+awardID, &award); err != nil {
		return nil, err
	}
	return &award, nil
}

// GetCoinPackage fetches a coin package by id.
func (c *Client) GetCoinPackage(ctx context.Context, packageID string) (*CoinPackage, error) {
	var pkg CoinPackage
	if err := c.get(ctx, "/v1/coin-packages/"+packageID, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// GetPremiumPlan fetches a premium plan by id.
func (c *Client) GetPremiumPlan(ctx context.Context, planID string) (*PremiumPlan, error) {
	var plan PremiumPlan
	if err := c.get(ctx, "/v1/premium-plans/"+planID, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-internal-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute catalog request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("catalog request failed with status %d", resp.StatusCode)
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read catalog response: %w", err)
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return nil
}
