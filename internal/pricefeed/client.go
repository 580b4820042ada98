// Package pricefeed converts fiat amounts into crypto amounts using a
// rate-limited HTTP price API, degrading to cached prices when the API is
// slow, failing or rate limiting us.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"paygate/internal/apperr"
)

// ClientConfig configures the HTTP price client
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestsPerSec float64
	Burst          int
	Timeout        time.Duration
}

// Client fetches spot prices. Requests are paced client-side so the feed's
// own limit is rarely hit.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type priceResponse struct {
	Symbol string          `json:"symbol"`
	Fiat   string          `json:"fiat"`
	Price  decimal.Decimal `json:"price"`
}

// NewClient creates a price client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		logger:     logger.Named("pricefeed"),
	}
}

// Price returns the price of one unit of symbol in fiat
func (c *Client) Price(ctx context.Context, symbol, fiat string) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, apperr.Wrap(apperr.KindTransient, "price_feed", fmt.Errorf("rate limiter: %w", err))
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("fiat", strings.ToUpper(fiat))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.KindConfiguration, "price_feed", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.KindTransient, "price_feed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.KindTransient, "price_feed", fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		c.logger.Warn("Price feed rate limited us",
			zap.String("symbol", symbol),
			zap.Duration("retry_after", retryAfter))
		return decimal.Zero, apperr.RateLimited("price_feed", retryAfter, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return decimal.Zero, apperr.External("price_feed", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, apperr.Validation("price_feed", "no price for "+strings.ToUpper(symbol)+"/"+strings.ToUpper(fiat))
	case resp.StatusCode != http.StatusOK:
		return decimal.Zero, apperr.External("price_feed", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body)))
	}

	var pr priceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return decimal.Zero, apperr.External("price_feed", fmt.Errorf("failed to decode price: %w", err))
	}
	if !pr.Price.IsPositive() {
		return decimal.Zero, apperr.External("price_feed", fmt.Errorf("non-positive price %s", pr.Price))
	}
	return pr.Price, nil
}

// ParseRetryAfter reads a Retry-After header given as seconds or an HTTP date
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
