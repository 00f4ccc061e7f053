// Package gateway talks to the hosted-checkout card payment processor: it opens
// checkouts, queries transaction status by tracking id, and decodes the
// processor's webhook notifications.
package gateway

import (
	"bytes"
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

	"github.com/shopspring/decimal"

	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

const (
	transactionTypePayment = "payment"
	apiVersion             = "2.1"
	maxResponseBytes       = 1 << 20
)

// Config holds the shop credentials and callback URLs sent with every checkout.
type Config struct {
	ShopID          string
	SecretKey       string
	CheckoutURL     string
	APIURL          string
	Test            bool
	SuccessURL      string
	FailURL         string
	NotificationURL string
	Timeout         time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client wraps the processor's REST API directly (no SDK dependency).
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// CheckoutRequest describes a single hosted payment page.
type CheckoutRequest struct {
	Amount        decimal.Decimal
	Currency      string
	Description   string
	TrackingID    string
	CustomerEmail string
	ExpiresAt     *time.Time
}

// Checkout is where the customer is sent to pay.
type Checkout struct {
	RedirectURL string `json:"redirect_url"`
	Token       string `json:"token"`
}

// NewClient validates cfg and builds a client. A zero Timeout falls back to 10s.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ShopID) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("gateway: shop id and secret key are required")
	}
	for name, raw := range map[string]string{"checkout url": cfg.CheckoutURL, "api url": cfg.APIURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("gateway: invalid %s: %w", name, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     log.With(logger.Component("gateway")),
	}, nil
}

type checkoutEnvelope struct {
	Checkout checkoutBody `json:"checkout"`
}

type checkoutBody struct {
	Test            bool             `json:"test"`
	TransactionType string           `json:"transaction_type"`
	Version         string           `json:"version"`
	Order           checkoutOrder    `json:"order"`
	Settings        checkoutSettings `json:"settings"`
	Customer        checkoutCustomer `json:"customer"`
}

type checkoutOrder struct {
	Amount      int64   `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description"`
	TrackingID  string  `json:"tracking_id"`
	ExpiredAt   *string `json:"expired_at,omitempty"`
}

type checkoutSettings struct {
	SuccessURL      string `json:"success_url"`
	FailURL         string `json:"fail_url"`
	NotificationURL string `json:"notification_url"`
}

type checkoutCustomer struct {
	Email string `json:"email"`
}

type checkoutResponse struct {
	Checkout Checkout `json:"checkout"`
}

// InitiateCheckout opens a hosted checkout for req. Any non-2xx answer is
// returned as *RejectedError carrying the raw body.
func (c *Client) InitiateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	order := checkoutOrder{
		Amount:      MinorUnits(req.Amount),
		Currency:    req.Currency,
		Description: req.Description,
		TrackingID:  req.TrackingID,
	}
	if req.ExpiresAt != nil {
		expiry := req.ExpiresAt.UTC().Format(time.RFC3339)
		order.ExpiredAt = &expiry
	}

	payload, err := json.Marshal(checkoutEnvelope{Checkout: checkoutBody{
		Test:            c.cfg.Test,
		TransactionType: transactionTypePayment,
		Version:         apiVersion,
		Order:           order,
		Settings: checkoutSettings{
			SuccessURL:      c.cfg.SuccessURL,
			FailURL:         c.cfg.FailURL,
			NotificationURL: c.cfg.NotificationURL,
		},
		Customer: checkoutCustomer{Email: req.CustomerEmail},
	}})
	if err != nil {
		return nil, fmt.Errorf("gateway: encode checkout: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CheckoutURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gateway: build checkout request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: create checkout: %w", err)
	}

	var resp checkoutResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("gateway: decode checkout response: %w", err)
	}
	if resp.Checkout.RedirectURL == "" {
		return nil, fmt.Errorf("gateway: create checkout: missing redirect url in response")
	}

	c.logger.Info("checkout created", slog.String("tracking_id", req.TrackingID), slog.Int64("amount_minor", order.Amount))
	return &resp.Checkout, nil
}

type transactionsResponse struct {
	Transactions []struct {
		Status    string    `json:"status"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"transactions"`
}

// QueryStatus asks the processor for the latest transaction recorded against
// trackingID. The bool is false whenever the outcome is not known: transport
// failure, timeout, non-2xx, unparseable body, no transactions or an
// unrecognised status.
func (c *Client) QueryStatus(ctx context.Context, trackingID string) (models.PaymentStatus, bool) {
	endpoint := strings.TrimRight(c.cfg.APIURL, "/") + "/transactions/tracking_id/" + url.PathEscape(trackingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		c.logger.Warn("build status request", logger.Error(err))
		return "", false
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		c.logger.Warn("status query failed", slog.String("tracking_id", trackingID), logger.Error(err))
		return "", false
	}

	var resp transactionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("decode status response", slog.String("tracking_id", trackingID), logger.Error(err))
		return "", false
	}
	if len(resp.Transactions) == 0 {
		return "", false
	}

	latest := resp.Transactions[0]
	for _, tx := range resp.Transactions[1:] {
		if tx.CreatedAt.After(latest.CreatedAt) {
			latest = tx
		}
	}

	status, ok := MapStatus(latest.Status)
	if !ok {
		c.logger.Info("unrecognised transaction status", slog.String("tracking_id", trackingID), slog.String("status", latest.Status))
	}
	return status, ok
}

// VerifyBasicAuth reports whether r carries the shop credentials.
func (c *Client) VerifyBasicAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == c.cfg.ShopID && pass == c.cfg.SecretKey
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
