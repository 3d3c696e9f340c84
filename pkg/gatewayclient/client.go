/**
 * @description
 * This package provides a client for the external payment-gateway API. It
 * encapsulates the logic for making authenticated HTTP requests to initiate
 * charges and refunds. The gateway settles asynchronously: every initiation
 * returns an external reference that later arrives back on the reconciliation
 * webhook.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the payment-gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment-gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest is the payload for initiating a charge.
type ChargeRequest struct {
	Amount   int64  `json:"amount"` // smallest currency unit
	Currency string `json:"currency"`
	Method   string `json:"method"`
}

// ChargeResponse is the gateway's acknowledgement of an initiated charge.
type ChargeResponse struct {
	ExternalReference string `json:"external_reference"`
	RedirectURL       string `json:"redirect_url,omitempty"`
	Status            string `json:"status"`
}

// RefundRequest is the payload for initiating a refund of a settled charge.
type RefundRequest struct {
	ExternalReference string `json:"external_reference"`
	Amount            int64  `json:"amount"`
}

// RefundResponse is the gateway's acknowledgement of an initiated refund.
type RefundResponse struct {
	RefundReference string `json:"refund_reference"`
	Status          string `json:"status"`
}

// ErrorResponse represents an error from the gateway API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("gateway api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown gateway api error"
}

// InitiateCharge asks the gateway to start a charge. The returned external
// reference is the idempotency key every later webhook carries.
func (c *Client) InitiateCharge(ctx context.Context, amount int64, currency, method string) (*ChargeResponse, error) {
	payload := ChargeRequest{Amount: amount, Currency: currency, Method: method}

	var resp ChargeResponse
	if err := c.do(ctx, "POST", "/v1/charges", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InitiateRefund asks the gateway to refund a previously settled charge.
func (c *Client) InitiateRefund(ctx context.Context, externalReference string, amount int64) (*RefundResponse, error) {
	payload := RefundRequest{ExternalReference: externalReference, Amount: amount}

	var resp RefundResponse
	if err := c.do(ctx, "POST", "/v1/refunds", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute gateway request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode success response: %w", err)
	}
	return nil
}
