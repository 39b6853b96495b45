// Package ironbeam is the live execution adapter for the Ironbeam futures
// and options API: signed REST for order entry and a websocket stream for
// fills and connectivity.
package ironbeam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tranchebot/internal/domain"
	"tranchebot/internal/venue"
)

// Config holds everything the adapter needs to reach the broker.
type Config struct {
	BaseURL   string // REST root, e.g. "https://demo.ironbeamapi.com/v2"
	WSURL     string // stream endpoint
	Auth      Auth
	AccountID string
	TickSize  float64
	// SubmitAttempts bounds the retry loop around transient submission
	// failures (rate limits, 5xx, timeouts). Retries reuse the same request
	// ID, so the venue-side dedup makes them safe.
	SubmitAttempts int
	RetryBackoff   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SubmitAttempts <= 0 {
		out.SubmitAttempts = 3
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 500 * time.Millisecond
	}
	return out
}

// Client implements venue.Adapter against the Ironbeam API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	pending   []domain.Fill
	heartbeat time.Time
	seen      map[string]domain.OrderAck
}

var _ venue.Adapter = (*Client)(nil)

func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg: cfg.withDefaults(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:    logger.With(slog.String("component", "ironbeam")),
		heartbeat: time.Now(),
		seen:      make(map[string]domain.OrderAck),
	}
}

type orderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	AccountID     string  `json:"account_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      int     `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
}

type orderResponse struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	FilledPrice   float64 `json:"filled_price"`
	FilledQty     int     `json:"filled_quantity"`
}

// Submit implements venue.Adapter. A locally remembered request ID short
// circuits without a network round trip; a 409 from the venue means the
// order exists from an earlier attempt and is likewise a duplicate, not an
// error.
func (c *Client) Submit(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	c.mu.Lock()
	if prev, ok := c.seen[o.RequestID]; ok {
		c.mu.Unlock()
		prev.Status = domain.AckDuplicate
		return prev, nil
	}
	c.mu.Unlock()

	req := orderRequest{
		ClientOrderID: o.RequestID,
		AccountID:     c.cfg.AccountID,
		Symbol:        o.Underlying,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Quantity:      o.Quantity,
		TimeInForce:   string(o.TIF),
		ReduceOnly:    o.ReduceOnly,
	}
	if o.Type != domain.OrderTypeMarket {
		req.Price = roundToTick(o.Price, c.cfg.TickSize)
	}

	body, err := c.doWithRetry(ctx, http.MethodPost, "/orders", req)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// The order reached the venue on an earlier attempt (a timed-out
			// submit that actually landed). Treat it as the duplicate it is.
			ack := domain.OrderAck{
				RequestID: o.RequestID,
				Status:    domain.AckDuplicate,
				At:        time.Now(),
			}
			c.mu.Lock()
			c.seen[o.RequestID] = ack
			c.mu.Unlock()
			return ack, nil
		}
		return domain.OrderAck{}, fmt.Errorf("ironbeam: submit %s: %w", o.RequestID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("ironbeam: decode submit response: %w", err)
	}

	ack := domain.OrderAck{
		VenueOrderID: resp.OrderID,
		RequestID:    o.RequestID,
		At:           time.Now(),
	}
	switch resp.Status {
	case "filled":
		ack.Status = domain.AckFilled
		ack.FilledPrice = resp.FilledPrice
		ack.FilledQty = resp.FilledQty
	case "rejected":
		ack.Status = domain.AckRejected
	case "duplicate":
		ack.Status = domain.AckDuplicate
	default:
		ack.Status = domain.AckAccepted
	}

	c.mu.Lock()
	c.seen[o.RequestID] = ack
	c.mu.Unlock()
	return ack, nil
}

// Cancel implements venue.Adapter.
func (c *Client) Cancel(ctx context.Context, venueOrderID string) error {
	path := fmt.Sprintf("/orders/%s", url.PathEscape(venueOrderID))
	if _, err := c.doWithRetry(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("ironbeam: cancel %s: %w", venueOrderID, err)
	}
	return nil
}

// ModifyPrice implements venue.Adapter, moving a resting order's trigger in
// place so a trailing stop never leaves the book uncovered.
func (c *Client) ModifyPrice(ctx context.Context, venueOrderID string, price float64) error {
	path := fmt.Sprintf("/orders/%s", url.PathEscape(venueOrderID))
	req := struct {
		Price float64 `json:"price"`
	}{Price: roundToTick(price, c.cfg.TickSize)}
	if _, err := c.doWithRetry(ctx, http.MethodPut, path, req); err != nil {
		return fmt.Errorf("ironbeam: modify %s: %w", venueOrderID, err)
	}
	return nil
}

// Positions implements venue.Adapter.
func (c *Client) Positions(ctx context.Context) ([]domain.VenuePosition, error) {
	path := fmt.Sprintf("/accounts/%s/positions", url.PathEscape(c.cfg.AccountID))
	body, err := c.doWithRetry(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("ironbeam: positions: %w", err)
	}

	var resp struct {
		Positions []struct {
			Symbol   string  `json:"symbol"`
			Quantity int     `json:"quantity"`
			AvgPrice float64 `json:"average_price"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ironbeam: decode positions: %w", err)
	}

	out := make([]domain.VenuePosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, domain.VenuePosition{
			Underlying:  p.Symbol,
			NetQuantity: p.Quantity,
			AvgPrice:    p.AvgPrice,
		})
	}
	return out, nil
}

// Quote is one market-data snapshot for a symbol.
type Quote struct {
	Symbol    string   `json:"symbol"`
	Last      float64  `json:"last"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	IV        *float64 `json:"implied_volatility,omitempty"`
	Timestamp int64    `json:"timestamp"` // unix millis
}

// GetQuote fetches the latest quote for a symbol. The live feed polls this
// as a fallback when the market-data stream is quiet.
func (c *Client) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	path := fmt.Sprintf("/quotes/%s", url.PathEscape(symbol))
	body, err := c.doWithRetry(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("ironbeam: quote %s: %w", symbol, err)
	}
	var q Quote
	if err := json.Unmarshal(body, &q); err != nil {
		return Quote{}, fmt.Errorf("ironbeam: decode quote: %w", err)
	}
	return q, nil
}

// Fills implements venue.Adapter, draining fills pushed by the stream.
func (c *Client) Fills() []domain.Fill {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Heartbeat implements venue.Adapter.
func (c *Client) Heartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

func (c *Client) pushFill(f domain.Fill) {
	c.mu.Lock()
	c.pending = append(c.pending, f)
	c.heartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	c.heartbeat = time.Now()
	c.mu.Unlock()
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doWithRetry sends a signed request, retrying transient failures with a
// bounded backoff. Non-transient API errors return immediately.
func (c *Client) doWithRetry(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.SubmitAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		body, err := c.doSignedRequest(ctx, method, path, reqBody)
		if err == nil {
			c.touchHeartbeat()
			return body, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		c.logger.Warn("transient request failure",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
	return nil, fmt.Errorf("after %d attempts: %w", c.cfg.SubmitAttempts, lastErr)
}

// doSignedRequest builds, signs, sends, and reads an HTTP request against
// the Ironbeam API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyStr string
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Auth.Headers(method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", domainTimeout(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to domain sentinels so callers
// can branch with errors.Is.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrVenueAuth)
	case http.StatusConflict:
		return fmt.Errorf("conflict: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrAlreadyExists)
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrRateLimited)
	case http.StatusGatewayTimeout, http.StatusServiceUnavailable, http.StatusBadGateway:
		return fmt.Errorf("unavailable: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrVenueTimeout)
	default:
		return fmt.Errorf("HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrVenueTimeout)
}

func domainTimeout(err error) error {
	if ctxErr, ok := err.(interface{ Timeout() bool }); ok && ctxErr.Timeout() {
		return fmt.Errorf("%v: %w", err, domain.ErrVenueTimeout)
	}
	return err
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
