package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/genselfie/api/internal/config"
)

// CheckoutSession is a hosted card-checkout handle.
type CheckoutSession struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"url"`
}

// CardProvider defines the interface for hosted card-checkout payments.
type CardProvider interface {
	CreateSession(ctx context.Context, amountCents int64, currency, productName, returnURL string) (*CheckoutSession, error)
	GetSessionStatus(ctx context.Context, sessionID string) (bool, error)
	IsConfigured() bool
}

// StripeClient implements CardProvider against the Stripe Checkout API.
type StripeClient struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
}

// NewStripeClient creates a new Stripe API client
func NewStripeClient(cfg *config.StripeConfig) *StripeClient {
	return &StripeClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
	}
}

// CreateSession opens a hosted checkout session. The returned URL is where
// the client browser is redirected; the session id is the payment
// credential id on our side.
func (c *StripeClient) CreateSession(ctx context.Context, amountCents int64, currency, productName, returnURL string) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", returnURL)
	form.Set("cancel_url", returnURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(amountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", productName)

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.postForm(ctx, "/v1/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: session.ID, CheckoutURL: session.URL}, nil
}

// GetSessionStatus reports whether the checkout session has been paid.
// Side-effect free; safe to call from status polling and from the claim.
func (c *StripeClient) GetSessionStatus(ctx context.Context, sessionID string) (bool, error) {
	var session struct {
		PaymentStatus string `json:"payment_status"`
	}
	endpoint := fmt.Sprintf("/v1/checkout/sessions/%s", url.PathEscape(sessionID))
	if err := c.get(ctx, endpoint, &session); err != nil {
		return false, err
	}
	return session.PaymentStatus == "paid", nil
}

// IsConfigured returns true if the client has valid configuration
func (c *StripeClient) IsConfigured() bool {
	return c.secretKey != ""
}

func (c *StripeClient) postForm(ctx context.Context, endpoint string, form url.Values, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.doRequest(req, result)
}

func (c *StripeClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *StripeClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	log.Printf("[Stripe API] → %s %s", req.Method, req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Stripe API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.Path)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stripe API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
