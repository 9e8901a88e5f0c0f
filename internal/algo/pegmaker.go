package algo

import (
	"context"
	"log/slog"
	"math"

	"opentrade-go/pkg/otype"
)

// PegMakerConfig parameterizes one PegMaker instance: which security
// and source it quotes, whose account it trades, and the
// reservation-price tuning knobs.
type PegMakerConfig struct {
	Security    *otype.Security
	Source      otype.DataSrc
	SubAccount  *otype.SubAccount
	User        *otype.User
	OrderQty    float64
	Gamma       float64
	Sigma       float64
	K           float64
	T           float64
	MinSpreadBp float64
}

func (c PegMakerConfig) withDefaults() PegMakerConfig {
	if c.Gamma <= 0 {
		c.Gamma = 0.1
	}
	if c.Sigma <= 0 {
		c.Sigma = 0.02
	}
	if c.K <= 0 {
		c.K = 1.5
	}
	if c.T <= 0 {
		c.T = 1
	}
	if c.OrderQty <= 0 {
		c.OrderQty = 1
	}
	if c.MinSpreadBp <= 0 {
		c.MinSpreadBp = 10
	}
	return c
}

// PegMaker quotes a two-sided reservation-price market around the
// top-of-book mid: inventory skews the reservation price away from
// accumulating risk, and the spread floors at a configured minimum in
// basis points.
type PegMaker struct {
	BaseAlgo

	cfg    PegMakerConfig
	broker Dispatcher
	ids    IDAllocator
	logger *slog.Logger

	inst     *Instrument
	bidOrder *otype.Order
	askOrder *otype.Order
}

// NewPegMaker builds a PegMaker quoting cfg.Security through broker,
// allocating order ids from ids.
func NewPegMaker(cfg PegMakerConfig, broker Dispatcher, ids IDAllocator, logger *slog.Logger) *PegMaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PegMaker{
		cfg:    cfg.withDefaults(),
		broker: broker,
		ids:    ids,
		logger: logger.With("component", "algo", "strategy", "pegmaker"),
	}
}

func (p *PegMaker) ParamDefs() []ParamDef {
	return []ParamDef{
		{Name: "order_qty", Default: p.cfg.OrderQty, MinValue: 0},
		{Name: "gamma", Default: p.cfg.Gamma, MinValue: 0},
	}
}

func (p *PegMaker) OnStart(sub Subscriber, params ParamMap) string {
	if p.cfg.Security == nil || p.cfg.SubAccount == nil || p.cfg.User == nil {
		return "pegmaker: security, sub_account, and user are required"
	}
	if qty, ok := params["order_qty"].(float64); ok && qty > 0 {
		p.cfg.OrderQty = qty
	}
	p.inst = sub.Subscribe(p.cfg.Security, p.cfg.Source)
	return ""
}

func (p *PegMaker) OnStop() {
	p.cancelSide(&p.bidOrder)
	p.cancelSide(&p.askOrder)
}

func (p *PegMaker) OnMarketQuote(inst *Instrument, md, prev otype.MarketData) {
	p.requote(md)
}

func (p *PegMaker) OnMarketTrade(inst *Instrument, md, prev otype.MarketData) {
	p.requote(md)
}

// requote recomputes the reservation price and spread from the current
// top-of-book quote and replaces any stale resting order.
func (p *PegMaker) requote(md otype.MarketData) {
	mid := (md.Quote.BidPrice + md.Quote.AskPrice) / 2
	if mid <= 0 {
		return
	}

	q := clamp(p.inst.NetQty()/p.cfg.OrderQty, -1, 1)
	reservation := mid - q*p.cfg.Gamma*p.cfg.Sigma*p.cfg.Sigma*p.cfg.T
	spread := p.cfg.Gamma*p.cfg.Sigma*p.cfg.Sigma*p.cfg.T + (2/p.cfg.Gamma)*math.Log(1+p.cfg.Gamma/p.cfg.K)
	minSpread := mid * p.cfg.MinSpreadBp / 10000
	if spread < minSpread {
		spread = minSpread
	}

	tick := p.cfg.Security.TickSizeAt(mid)
	if tick <= 0 {
		tick = 0.01
	}
	bidPx := roundToTick(reservation-spread/2, tick)
	askPx := roundToTick(reservation+spread/2, tick)
	if bidPx >= askPx {
		askPx = bidPx + tick
	}

	p.replace(&p.bidOrder, otype.Buy, bidPx)
	p.replace(&p.askOrder, otype.Sell, askPx)
}

// replace cancels *slot if its price has drifted by more than half a
// tick and places a fresh order at px — cancel-and-reprice, since
// Dispatcher has no amend primitive.
func (p *PegMaker) replace(slot **otype.Order, side otype.OrderSide, px float64) {
	if *slot != nil {
		tick := p.cfg.Security.TickSizeAt(px)
		if tick <= 0 {
			tick = 0.01
		}
		if (*slot).IsLive() && math.Abs((*slot).Price-px) < tick/2 {
			return
		}
		p.cancelSide(slot)
	}
	ord := &otype.Order{
		Contract: otype.Contract{
			Qty:        p.cfg.OrderQty,
			Price:      px,
			Sec:        p.cfg.Security,
			SubAccount: p.cfg.SubAccount,
			Side:       side,
			Type:       otype.Limit,
			TIF:        otype.GTC,
		},
		ID:           p.ids.NewOrderID(),
		User:         p.cfg.User,
		AlgoID:       p.inst.algoID,
		InstrumentID: p.inst.ID,
	}
	if err := p.broker.Place(context.Background(), ord); err != nil {
		p.logger.Warn("pegmaker place failed", "side", side, "price", px, "error", err)
		return
	}
	*slot = ord
}

func (p *PegMaker) cancelSide(slot **otype.Order) {
	if *slot == nil || !(*slot).IsLive() {
		*slot = nil
		return
	}
	if err := p.broker.Cancel(context.Background(), *slot); err != nil {
		p.logger.Warn("pegmaker cancel failed", "order_id", (*slot).ID, "error", err)
	}
	*slot = nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	return math.Round(px/tick) * tick
}
