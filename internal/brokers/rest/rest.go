// Package rest implements the broker adapter for HTTP brokers exposing a
// JSON order API and a websocket event stream. It owns per-broker rate
// limiting, retry of idempotent reads and error normalization.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openquant/tradecore/internal/domain"
)

// Config holds the connection settings for one REST broker.
type Config struct {
	BrokerID  string
	BaseURL   string
	WSURL     string
	APIKey    string
	APISecret string
	// RequestsPerSecond is the token bucket refill rate; Burst its capacity.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	// MaxRetries bounds retry of idempotent reads on transient failures.
	MaxRetries int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 5
	}
	if out.Burst <= 0 {
		out.Burst = 10
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	return out
}

var _ domain.BrokerAdapter = (*Adapter)(nil)

// Adapter talks to one REST broker.
type Adapter struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New creates a REST broker adapter.
func New(cfg Config, log zerolog.Logger) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     log.With().Str("broker", cfg.BrokerID).Logger(),
	}
}

// ID returns the broker identifier this adapter serves.
func (a *Adapter) ID() string { return a.cfg.BrokerID }

// Wire types. Money travels as decimal strings; the fixed-point integers
// never cross the process boundary.

type placeRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Exchange      string `json:"exchange"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Validity      string `json:"validity"`
	Product       string `json:"product"`
	Quantity      int64  `json:"quantity"`
	Price         string `json:"price"`
	TriggerPrice  string `json:"trigger_price,omitempty"`
}

type placeResponse struct {
	BrokerOrderID string `json:"broker_order_id"`
}

type modifyRequest struct {
	Price    string `json:"price,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Place submits a new order. Never retried: placement is not idempotent.
func (a *Adapter) Place(ctx context.Context, order *domain.Order) (*domain.PlacedOrder, error) {
	req := placeRequest{
		ClientOrderID: order.ID,
		Exchange:      order.Exchange,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Validity:      string(order.Validity),
		Product:       string(order.Product),
		Quantity:      order.Quantity,
		Price:         order.Price.String(),
	}
	if order.TriggerPrice > 0 {
		req.TriggerPrice = order.TriggerPrice.String()
	}

	var resp placeResponse
	if err := a.do(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return nil, err
	}
	if resp.BrokerOrderID == "" {
		return nil, domain.NewError(domain.ErrBrokerReject, "broker returned no order id")
	}
	return &domain.PlacedOrder{BrokerOrderID: resp.BrokerOrderID}, nil
}

// Modify changes price/quantity of a live order.
func (a *Adapter) Modify(ctx context.Context, brokerOrderID string, price domain.Money, quantity int64) error {
	req := modifyRequest{Quantity: quantity}
	if price > 0 {
		req.Price = price.String()
	}
	return a.do(ctx, http.MethodPut, "/orders/"+brokerOrderID, req, nil)
}

// Cancel requests cancellation; confirmation arrives on the event stream.
func (a *Adapter) Cancel(ctx context.Context, brokerOrderID string) error {
	return a.do(ctx, http.MethodDelete, "/orders/"+brokerOrderID, nil, nil)
}

// FetchOpenOrders returns the broker's live order book. Retried on
// transient failures.
func (a *Adapter) FetchOpenOrders(ctx context.Context) ([]domain.BrokerOrderSnapshot, error) {
	var wire []orderSnapshotWire
	if err := a.getWithRetry(ctx, "/orders", &wire); err != nil {
		return nil, err
	}
	out := make([]domain.BrokerOrderSnapshot, 0, len(wire))
	for _, w := range wire {
		snap, err := w.toDomain()
		if err != nil {
			a.log.Warn().Err(err).Str("broker_order_id", w.BrokerOrderID).Msg("Skipping malformed order snapshot")
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// FetchPositions returns the broker's position book.
func (a *Adapter) FetchPositions(ctx context.Context) ([]domain.BrokerPositionSnapshot, error) {
	var wire []positionSnapshotWire
	if err := a.getWithRetry(ctx, "/positions", &wire); err != nil {
		return nil, err
	}
	out := make([]domain.BrokerPositionSnapshot, 0, len(wire))
	for _, w := range wire {
		snap, err := w.toDomain()
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", w.Symbol).Msg("Skipping malformed position snapshot")
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// FetchHoldings returns the broker's demat statement.
func (a *Adapter) FetchHoldings(ctx context.Context) ([]domain.BrokerHoldingSnapshot, error) {
	var wire []holdingSnapshotWire
	if err := a.getWithRetry(ctx, "/holdings", &wire); err != nil {
		return nil, err
	}
	out := make([]domain.BrokerHoldingSnapshot, 0, len(wire))
	for _, w := range wire {
		snap, err := w.toDomain()
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", w.Symbol).Msg("Skipping malformed holding snapshot")
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// FetchInstruments returns the broker's instrument master dump.
func (a *Adapter) FetchInstruments(ctx context.Context) ([]domain.BrokerInstrument, error) {
	var wire []instrumentWire
	if err := a.getWithRetry(ctx, "/instruments", &wire); err != nil {
		return nil, err
	}
	out := make([]domain.BrokerInstrument, 0, len(wire))
	for _, w := range wire {
		inst, err := w.toDomain()
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", w.Symbol).Msg("Skipping malformed instrument")
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// do issues one rate-limited request and decodes the reply into out.
func (a *Adapter) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", a.cfg.APIKey)
		req.Header.Set("X-Api-Secret", a.cfg.APISecret)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return domain.NewError(domain.ErrBrokerTransient, "request to %s failed", a.cfg.BrokerID).WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.NewError(domain.ErrBrokerTransient, "broker %s returned %d", a.cfg.BrokerID, resp.StatusCode)

	default:
		msg := readErrorMessage(resp.Body)
		return domain.NewError(domain.ErrBrokerReject, "broker %s rejected request: %s", a.cfg.BrokerID, msg).
			WithDetail("status", resp.StatusCode)
	}
}

// getWithRetry retries idempotent reads with exponential backoff on
// transient failures, surfacing BROKER_UNREACHABLE once retries exhaust.
func (a *Adapter) getWithRetry(ctx context.Context, path string, out interface{}) error {
	b := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		lastErr = a.do(ctx, http.MethodGet, path, nil, out)
		if lastErr == nil {
			return nil
		}
		if domain.KindOf(lastErr) != domain.ErrBrokerTransient {
			return lastErr
		}
		a.log.Warn().Err(lastErr).Str("path", path).Int("attempt", attempt+1).Msg("Transient broker read failure")
	}
	return domain.NewError(domain.ErrBrokerUnreachable,
		"broker %s unreachable after %d attempts", a.cfg.BrokerID, a.cfg.MaxRetries+1).WithCause(lastErr)
}

func readErrorMessage(r io.Reader) string {
	var er errorResponse
	if err := json.NewDecoder(r).Decode(&er); err == nil && er.Message != "" {
		return er.Message
	}
	return "unknown error"
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	a.http.CloseIdleConnections()
	return nil
}
