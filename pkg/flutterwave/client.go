/**
 * @description
 * This package provides a client for the Flutterwave v3 payments API. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * gateway's endpoints, handling request body construction, and parsing
 * responses.
 *
 * The client is stateless. All calls authenticate with the server-held
 * secret key; a bearer token is never accepted from the browser. Gateway-
 * reported failures (non-2xx with a parsable body) surface as *APIError so
 * callers can distinguish "the gateway said no" from "the gateway was
 * unreachable".
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, net/url, time: Standard Go libraries.
 */
package flutterwave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is a client for the Flutterwave API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new Flutterwave API client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Customer identifies the paying customer on the hosted checkout page.
type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// InitializeRequest is the payload for the server-initiated redirect flow.
// The amount is always the server-resolved plan price.
type InitializeRequest struct {
	TxRef          string         `json:"tx_ref"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	RedirectURL    string         `json:"redirect_url"`
	Customer       Customer       `json:"customer"`
	Customizations Customizations `json:"customizations"`
}

// Customizations controls the checkout page presentation.
type Customizations struct {
	Title string `json:"title"`
}

// InitializeResponse is the expected response from the payments endpoint.
type InitializeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

// VerifyResponse is the expected response from the verify endpoints. Data
// echoes the reference and charge details the gateway recorded.
type VerifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID       string `json:"id"`
		TxRef    string `json:"tx_ref"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Status   string `json:"status"`
	} `json:"data"`
}

// APIError represents a non-2xx response from the Flutterwave API.
type APIError struct {
	StatusCode int
	Status     string `json:"status"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flutterwave api error (status %d): %s", e.StatusCode, e.Message)
}

// InitializePayment asks the gateway to create a hosted checkout session and
// returns the redirect link for the browser.
func (c *Client) InitializePayment(ctx context.Context, payload InitializeRequest) (*InitializeResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v3/payments", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create initialize request: %w", err)
	}
	c.setHeaders(req)

	var out InitializeResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyTransaction fetches the gateway's record of a charge by the
// gateway-assigned transaction id.
func (c *Client) VerifyTransaction(ctx context.Context, transactionID string) (*VerifyResponse, error) {
	endpoint := fmt.Sprintf("%s/v3/transactions/%s/verify", c.BaseURL, url.PathEscape(transactionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	c.setHeaders(req)

	var out VerifyResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyTransactionByReference fetches the gateway's record of a charge by
// the locally generated reference. Used by the reconciliation sweep for
// payments whose callback never arrived, where no gateway id is known.
func (c *Client) VerifyTransactionByReference(ctx context.Context, txRef string) (*VerifyResponse, error) {
	endpoint := fmt.Sprintf("%s/v3/transactions/verify_by_reference?tx_ref=%s", c.BaseURL, url.QueryEscape(txRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	c.setHeaders(req)

	var out VerifyResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
}

func (c *Client) do(req *http.Request, out interface{}) error {
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
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			return fmt.Errorf("gateway returned status %d with unparsable body", resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
