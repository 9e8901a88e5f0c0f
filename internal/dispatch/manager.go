// Package dispatch is the exchange-connectivity gate: the synchronous
// path that resolves a client order's broker account, clears the risk
// gate, and hands it to an Adapter — then drives confirmation
// callbacks back through the order book.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"opentrade-go/internal/orderbook"
	"opentrade-go/internal/risk"
	"opentrade-go/pkg/otype"
)

// Sink is how dispatch hands confirmations back into the core —
// satisfied by *orderbook.OrderBook in the composition root.
type Sink interface {
	Handle(cm *otype.Confirmation)
}

// IDAllocator is the monotone order-id allocator dispatch uses for the
// OTC branch of Place, which never goes through the book's usual
// risk-then-allocate sequence — satisfied by *orderbook.OrderBook in
// the composition root.
type IDAllocator interface {
	NewOrderID() int64
}

// LastTradeSource supplies the most recent trade print for a security
// across every feeding source, used to price market/stop orders that
// arrive without one.
type LastTradeSource interface {
	LastTradeAny(secID int32) (float64, bool)
}

// Manager is the exchange-connectivity dispatch gate.
type Manager struct {
	logger    *slog.Logger
	risk      *risk.Manager
	sink      Sink
	ids       IDAllocator
	lastTrade LastTradeSource

	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*TokenBucket

	cancelRetryBase time.Duration
	cancelRetryMax  time.Duration
}

// NewManager wires a dispatch gate. cancelRetryBase/Max bound the
// cancel-on-throttle retry envelope; without the cap, sustained
// throttling leaks one retry goroutine per failed attempt.
func NewManager(logger *slog.Logger, riskMgr *risk.Manager, sink Sink, ids IDAllocator, cancelRetryBase, cancelRetryMax time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cancelRetryBase <= 0 {
		cancelRetryBase = time.Second
	}
	if cancelRetryMax <= 0 {
		cancelRetryMax = 60 * time.Second
	}
	return &Manager{
		logger:          logger.With("component", "dispatch"),
		risk:            riskMgr,
		sink:            sink,
		ids:             ids,
		adapters:        make(map[string]Adapter),
		limiters:        make(map[string]*TokenBucket),
		cancelRetryBase: cancelRetryBase,
		cancelRetryMax:  cancelRetryMax,
	}
}

// SetLastTradeSource wires the market-data store in after
// construction, same pattern as the order book's notifier setters.
func (m *Manager) SetLastTradeSource(s LastTradeSource) {
	m.lastTrade = s
}

// RegisterAdapter installs a broker adapter under its name, with a
// per-adapter outbound message rate limiter.
func (m *Manager) RegisterAdapter(a Adapter, rateCapacity, ratePerSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
	m.limiters[a.Name()] = NewTokenBucket(rateCapacity, ratePerSec)
}

func (m *Manager) adapterFor(name string) (Adapter, *TokenBucket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, m.limiters[name], ok
}

func (m *Manager) checkAdapter(a Adapter, name string) error {
	if a == nil {
		return fmt.Errorf("exchange connectivity adapter %q is not started", name)
	}
	if !a.Connected() {
		return fmt.Errorf("exchange connectivity adapter %q is disconnected", name)
	}
	return nil
}

func (m *Manager) confirm(ord *otype.Order, execType otype.OrderStatus, text string, tm time.Time) {
	if tm.IsZero() {
		tm = time.Now().UTC()
	}
	m.sink.Handle(&otype.Confirmation{Order: ord, ExecType: execType, Text: text, TransactionTime: tm})
}

func (m *Manager) confirmFill(ord *otype.Order, qty, price float64, execID string, tm time.Time, transType otype.ExecTransType) {
	execType := otype.Filled
	if ord.LeavesQty-qty > 1e-9 {
		execType = otype.PartiallyFilled
	}
	m.sink.Handle(&otype.Confirmation{
		Order: ord, ExecType: execType, ExecTransType: transType,
		LastShares: qty, LastPx: price, ExecID: execID, TransactionTime: tm,
	})
}

// Place resolves permissions/broker/price/risk and hands the order to
// its adapter. Returns an error with the rejection reason. A
// non-positive qty or a missing sub_account/security/user returns the
// error without any confirmation; every later rejection path has
// already emitted a RiskRejected confirmation to the sink, so the
// caller's error and the journaled rejection agree.
func (m *Manager) Place(ctx context.Context, ord *otype.Order) error {
	if ord.Qty <= 0 {
		return fmt.Errorf("dispatch: order qty must be positive")
	}
	if ord.SubAccount == nil || ord.Sec == nil || ord.User == nil {
		return fmt.Errorf("dispatch: order missing sub_account, security, or user")
	}
	if ord.User.GetSubAccount(ord.SubAccount.ID) == nil {
		reason := fmt.Sprintf("not permissioned to trade with sub account: %s", ord.SubAccount.Name)
		m.confirm(ord, otype.RiskRejected, reason, time.Time{})
		return fmt.Errorf("dispatch: %s", reason)
	}
	exchange := ord.Sec.Exchange
	broker := ord.SubAccount.GetBrokerAccount(exchange.ID)
	if broker == nil {
		reason := fmt.Sprintf("not permissioned to trade on exchange: %s", exchange.Name)
		m.confirm(ord, otype.RiskRejected, reason, time.Time{})
		return fmt.Errorf("dispatch: %s", reason)
	}
	ord.BrokerAccount = broker

	if ord.Type == otype.OTC {
		if m.ids != nil {
			ord.ID = m.ids.NewOrderID()
		}
		return m.placeOTC(ord)
	}

	adapter, limiter, _ := m.adapterFor(broker.AdapterName)
	if err := m.checkAdapter(adapter, broker.AdapterName); err != nil {
		m.confirm(ord, otype.RiskRejected, err.Error(), time.Time{})
		return fmt.Errorf("dispatch: %w", err)
	}

	if ord.Type == otype.Market || ord.Type == otype.Stop {
		if ord.Price <= 0 {
			var lastPx float64
			if m.lastTrade != nil {
				lastPx, _ = m.lastTrade.LastTradeAny(ord.Sec.ID)
			}
			ord.Price = ord.Sec.CurrentPrice(lastPx)
			if ord.Price <= 0 {
				reason := "can not find last price for this security"
				m.confirm(ord, otype.RiskRejected, reason, time.Time{})
				return fmt.Errorf("dispatch: %s", reason)
			}
		}
	} else if ord.Price <= 0 {
		reason := "price can not be empty for limit order"
		m.confirm(ord, otype.RiskRejected, reason, time.Time{})
		return fmt.Errorf("dispatch: %s", reason)
	}

	if err := m.risk.Check(ord); err != nil {
		m.confirm(ord, otype.RiskRejected, err.Error(), time.Time{})
		return fmt.Errorf("dispatch: risk check failed: %w", err)
	}

	ord.LeavesQty = ord.Qty
	ord.Tm = time.Now().UTC()
	m.confirm(ord, otype.UnconfirmedNew, "", ord.Tm)

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			m.confirm(ord, otype.RiskRejected, err.Error(), time.Time{})
			return fmt.Errorf("dispatch: rate limit wait: %w", err)
		}
	}
	if err := adapter.Place(ctx, ord); err != nil {
		m.confirm(ord, otype.RiskRejected, err.Error(), time.Time{})
		return fmt.Errorf("dispatch: adapter place: %w", err)
	}
	return nil
}

// placeOTC short-circuits the adapter entirely: an OTC fill is
// manufactured in-process at the supplied price.
func (m *Manager) placeOTC(ord *otype.Order) error {
	ord.LeavesQty = ord.Qty
	now := time.Now().UTC()
	ord.Tm = now
	m.confirm(ord, otype.UnconfirmedNew, "", now)
	m.confirmFill(ord, ord.Qty, ord.Price, fmt.Sprintf("OTC-%d", ord.ID), now, otype.TransNew)
	return nil
}

// Cancel requests cancellation of a live order. On a message-rate
// throttle rejection it retries with jittered exponential backoff
// capped at cancelRetryMax, rather than retrying forever.
func (m *Manager) Cancel(ctx context.Context, ord *otype.Order) error {
	if !ord.IsLive() {
		return fmt.Errorf("dispatch: order %d is not live", ord.ID)
	}
	if ord.BrokerAccount == nil {
		return fmt.Errorf("dispatch: order %d has no broker account", ord.ID)
	}
	return m.cancelWithRetry(ctx, ord, m.cancelRetryBase)
}

func (m *Manager) cancelWithRetry(ctx context.Context, ord *otype.Order, delay time.Duration) error {
	ord.Tm = time.Now().UTC()
	if err := m.risk.CheckMsgRate(ord); err != nil {
		m.confirm(ord, otype.RiskRejected, err.Error(), time.Time{})
		if delay > m.cancelRetryMax {
			return fmt.Errorf("dispatch: cancel retry envelope exhausted: %w", err)
		}
		jitter := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		return m.cancelWithRetry(ctx, ord, delay*2)
	}

	adapter, _, _ := m.adapterFor(ord.BrokerAccount.AdapterName)
	if err := m.checkAdapter(adapter, ord.BrokerAccount.AdapterName); err != nil {
		m.confirm(ord, otype.RiskRejected, err.Error(), time.Time{})
		return fmt.Errorf("dispatch: %w", err)
	}
	m.confirm(ord, otype.UnconfirmedCancel, "", ord.Tm)
	if err := adapter.Cancel(ctx, ord); err != nil {
		m.confirm(ord, otype.RiskRejected, err.Error(), time.Time{})
		return fmt.Errorf("dispatch: adapter cancel: %w", err)
	}
	return nil
}

// OrderBookSink adapts *orderbook.OrderBook to the Sink interface;
// kept as a tiny named type (rather than requiring callers to satisfy
// Sink by convention) so the composition root's wiring reads clearly.
type OrderBookSink struct {
	Book *orderbook.OrderBook
}

func (s OrderBookSink) Handle(cm *otype.Confirmation) { s.Book.Handle(cm) }
