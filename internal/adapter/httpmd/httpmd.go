// Package httpmd is a polling REST market-data adapter: a configurable
// poll loop over an arbitrary REST quote endpoint feeding
// internal/marketdata.Store, for venues that expose no streaming feed.
package httpmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"opentrade-go/internal/marketdata"
	"opentrade-go/pkg/otype"
)

// Config configures one REST market-data poller.
type Config struct {
	Name         string
	BaseURL      string
	PollInterval time.Duration
}

type quoteResponse struct {
	BidPrice float64 `json:"bid_price"`
	AskPrice float64 `json:"ask_price"`
	BidSize  float64 `json:"bid_size"`
	AskSize  float64 `json:"ask_size"`
}

// Poller polls one security's quote endpoint on an interval and feeds
// updates into a marketdata.Store.
type Poller struct {
	src     otype.DataSrc
	http    *resty.Client
	store   *marketdata.Store
	interval time.Duration
	logger  *slog.Logger
}

// New builds a Poller whose source tag is cfg.Name.
func New(cfg Config, store *marketdata.Store, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		src:      otype.DataSrc(cfg.Name),
		http:     resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(5 * time.Second),
		store:    store,
		interval: interval,
		logger:   logger.With("component", "httpmd", "source", cfg.Name),
	}
}

// Name returns the source tag this poller feeds, so a composition
// root can find it by adapter name when wiring a client subscription.
func (p *Poller) Name() string { return string(p.src) }

// Run polls symbol's quote endpoint until ctx is done.
func (p *Poller) Run(ctx context.Context, secID int32, symbol string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx, secID, symbol); err != nil {
				p.logger.Warn("poll failed", "symbol", symbol, "error", err)
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, secID int32, symbol string) error {
	var resp quoteResponse
	r, err := p.http.R().SetContext(ctx).SetResult(&resp).Get(fmt.Sprintf("/quote/%s", symbol))
	if err != nil {
		return fmt.Errorf("httpmd: request: %w", err)
	}
	if r.IsError() {
		return fmt.Errorf("httpmd: status %d", r.StatusCode())
	}
	p.store.OnQuote(p.src, secID, otype.Quote{
		BidPrice: resp.BidPrice,
		AskPrice: resp.AskPrice,
		BidSize:  resp.BidSize,
		AskSize:  resp.AskSize,
	}, time.Now())
	return nil
}
