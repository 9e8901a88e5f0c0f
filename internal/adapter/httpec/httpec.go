// Package httpec is a REST exchange-connectivity adapter implementing
// internal/dispatch.Adapter over a generic broker HTTP API: a
// place/cancel order endpoint pair any REST broker can implement, with
// timeout and retry-on-5xx handled by the shared client.
package httpec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"opentrade-go/pkg/otype"
)

// Config configures one REST broker connection.
type Config struct {
	Name        string
	BaseURL     string
	APIKey      string
	APISecret   string
	DryRun      bool
	Timeout     time.Duration
	RetryCount  int
}

// Client is a REST-based dispatch.Adapter.
type Client struct {
	name    string
	http    *resty.Client
	dryRun  bool
	logger  *slog.Logger
}

// New builds an httpec.Client: resty base client with retry-on-5xx,
// auth headers attached per request.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.RetryCount
	if retries <= 0 {
		retries = 3
	}
	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("X-API-Key", cfg.APIKey)

	return &Client{name: cfg.Name, http: h, dryRun: cfg.DryRun, logger: logger.With("component", "httpec", "adapter", cfg.Name)}
}

func (c *Client) Name() string    { return c.name }
func (c *Client) Connected() bool { return true }

type placeRequest struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Type   string  `json:"type"`
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price,omitempty"`
	ClOrdID int64  `json:"cl_ord_id"`
}

type placeResponse struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error,omitempty"`
}

// Place submits ord to the broker's REST order-entry endpoint.
func (c *Client) Place(ctx context.Context, ord *otype.Order) error {
	if c.dryRun {
		c.logger.Info("dry run, skipping real order placement", "order_id", ord.ID, "symbol", ord.Sec.Symbol)
		return nil
	}
	req := placeRequest{
		Symbol:  ord.Sec.Symbol,
		Side:    ord.Side.String(),
		Type:    orderTypeName(ord.Type),
		Qty:     ord.Qty,
		Price:   ord.Price,
		ClOrdID: ord.ID,
	}
	var resp placeResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post("/orders")
	if err != nil {
		return fmt.Errorf("httpec: place request: %w", err)
	}
	if r.IsError() || resp.Error != "" {
		return fmt.Errorf("httpec: place rejected: %s", resp.Error)
	}
	return nil
}

type cancelRequest struct {
	ClOrdID int64 `json:"cl_ord_id"`
}

// Cancel requests cancellation of a previously placed order.
func (c *Client) Cancel(ctx context.Context, ord *otype.Order) error {
	if c.dryRun {
		return nil
	}
	var resp placeResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetBody(cancelRequest{ClOrdID: ord.OrigID}).
		SetResult(&resp).
		Post("/orders/cancel")
	if err != nil {
		return fmt.Errorf("httpec: cancel request: %w", err)
	}
	if r.IsError() || resp.Error != "" {
		return fmt.Errorf("httpec: cancel rejected: %s", resp.Error)
	}
	return nil
}

func orderTypeName(t otype.OrderType) string {
	switch t {
	case otype.Market:
		return "market"
	case otype.Limit:
		return "limit"
	case otype.Stop:
		return "stop"
	case otype.StopLimit:
		return "stop_limit"
	default:
		return "limit"
	}
}
