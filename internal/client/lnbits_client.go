package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/genselfie/api/internal/config"
)

// Invoice is a Lightning invoice handle. CheckingID is the payment
// credential id on our side.
type Invoice struct {
	CheckingID     string `json:"checking_id"`
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
	AmountSats     int64  `json:"amount_sats"`
}

// LightningProvider defines the interface for Lightning invoice payments.
type LightningProvider interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)
	GetInvoiceStatus(ctx context.Context, checkingID string) (bool, error)
	IsConfigured() bool
}

// LNBitsClient implements LightningProvider against the LNbits wallet API.
type LNBitsClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewLNBitsClient creates a new LNbits API client
func NewLNBitsClient(cfg *config.LNBitsConfig) *LNBitsClient {
	return &LNBitsClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// CreateInvoice requests an incoming invoice for the given amount.
func (c *LNBitsClient) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	if amountSats < 1 {
		amountSats = 1
	}
	payload := map[string]interface{}{
		"out":    false,
		"amount": amountSats,
		"memo":   memo,
		"unit":   "sat",
	}

	var result struct {
		PaymentRequest string `json:"payment_request"`
		PaymentHash    string `json:"payment_hash"`
		CheckingID     string `json:"checking_id"`
	}
	if err := c.post(ctx, "/api/v1/payments", payload, &result); err != nil {
		return nil, err
	}
	return &Invoice{
		CheckingID:     result.CheckingID,
		PaymentRequest: result.PaymentRequest,
		PaymentHash:    result.PaymentHash,
		AmountSats:     amountSats,
	}, nil
}

// GetInvoiceStatus reports whether the invoice has settled.
func (c *LNBitsClient) GetInvoiceStatus(ctx context.Context, checkingID string) (bool, error) {
	var result struct {
		Paid bool `json:"paid"`
	}
	endpoint := fmt.Sprintf("/api/v1/payments/%s", url.PathEscape(checkingID))
	if err := c.get(ctx, endpoint, &result); err != nil {
		return false, err
	}
	return result.Paid, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *LNBitsClient) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

func (c *LNBitsClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *LNBitsClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *LNBitsClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	log.Printf("[LNbits API] → %s %s", req.Method, req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[LNbits API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.Path)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("lnbits API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
