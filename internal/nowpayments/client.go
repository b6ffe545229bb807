// Package nowpayments talks to the NOWPayments crypto invoice API.
package nowpayments

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
	"strconv"
	"strings"
	"time"

	"nitro-bot/internal/metrics"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidCredential indicates NOWPayments rejected the API key.
	ErrInvalidCredential = errors.New("nowpayments invalid credential")
	// ErrUnavailable marks upstream failures worth retrying later.
	ErrUnavailable = errors.New("nowpayments unavailable")
)

// Client provides typed access to the NOWPayments REST API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds NOWPayments client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a new NOWPayments client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.nowpayments.io"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "nowpayments"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

// InvoiceRequest describes a hosted invoice to create.
type InvoiceRequest struct {
	PriceAmount   decimal.Decimal
	PriceCurrency string
	PayCurrency   string
	OrderID       string
	Description   string
	CallbackURL   string
	FixedRate     bool
}

// MarshalJSON encodes the price as a JSON number.
func (r InvoiceRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PriceAmount   json.Number `json:"price_amount"`
		PriceCurrency string      `json:"price_currency"`
		PayCurrency   string      `json:"pay_currency,omitempty"`
		OrderID       string      `json:"order_id"`
		Description   string      `json:"order_description,omitempty"`
		CallbackURL   string      `json:"ipn_callback_url,omitempty"`
		FixedRate     bool        `json:"is_fixed_rate"`
	}{
		PriceAmount:   json.Number(r.PriceAmount.String()),
		PriceCurrency: r.PriceCurrency,
		PayCurrency:   r.PayCurrency,
		OrderID:       r.OrderID,
		Description:   r.Description,
		CallbackURL:   r.CallbackURL,
		FixedRate:     r.FixedRate,
	})
}

// Invoice is the subset of the invoice response the bot relies on.
type Invoice struct {
	ID         string
	OrderID    string
	InvoiceURL string
}

// CreateInvoice creates a hosted payment page for req.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.PriceCurrency == "" {
		req.PriceCurrency = "usd"
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice request: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/v1/invoice", bytes.NewReader(payload), &raw); err != nil {
		return nil, err
	}
	inv := &Invoice{
		ID:         readStringRaw(raw, "id"),
		OrderID:    readStringRaw(raw, "order_id"),
		InvoiceURL: readStringRaw(raw, "invoice_url"),
	}
	if inv.InvoiceURL == "" {
		return nil, fmt.Errorf("create invoice: response has no invoice_url")
	}
	c.logger.Info("invoice created", "order_id", req.OrderID, "invoice_id", inv.ID)
	return inv, nil
}

// Estimate converts amount of currency from into currency to.
func (c *Client) Estimate(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("amount", amount.String())
	q.Set("currency_from", strings.ToLower(from))
	q.Set("currency_to", strings.ToLower(to))

	var raw map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/estimate?"+q.Encode(), nil, &raw); err != nil {
		return decimal.Zero, err
	}
	est, ok := readDecimalRaw(raw, "estimated_amount")
	if !ok {
		return decimal.Zero, fmt.Errorf("estimate: %w: missing estimated_amount", ErrUnavailable)
	}
	return est, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "nitro-bot/nowpayments-client")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	label := endpoint
	if i := strings.IndexByte(label, '?'); i >= 0 {
		label = label[:i]
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.PaymentRequests.WithLabelValues(label, "error").Inc()
		}
		return fmt.Errorf("nowpayments request: %w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.PaymentRequests.WithLabelValues(label, statusLabel).Inc()
		c.metrics.PaymentLatency.WithLabelValues(label, statusLabel).Observe(time.Since(start).Seconds())
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(bodyBytes))
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	lower := strings.ToLower(snippet)
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.Contains(lower, "invalid api key") {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, status, snippet)
	}
	return fmt.Errorf("nowpayments error: status=%d body=%s", status, snippet)
}

func readStringRaw(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		val, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(val, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(val, &n); err == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

// readDecimalRaw accepts numbers and numeric strings. Zero values are skipped
// so that callers can fall through to the next key.
func readDecimalRaw(raw map[string]json.RawMessage, keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		str := readStringRaw(raw, key)
		if str == "" {
			continue
		}
		d, err := decimal.NewFromString(str)
		if err != nil || d.IsZero() {
			continue
		}
		return d, true
	}
	return decimal.Zero, false
}
