// Package commission prices fills against per-venue rate schedules.
// Each broker connection may carry its own schedule; a fill is charged
// by the schedule of the broker account that routed it, in the
// security's native currency.
package commission

import (
	"sync"

	"opentrade-go/pkg/otype"
)

// SideRates is one side's fee structure. PerShare wins when nonzero;
// PerValue applies otherwise.
type SideRates struct {
	PerShare float64
	PerValue float64
}

// Schedule is the buy/sell fee pair for one exchange.
type Schedule struct {
	Buy  SideRates
	Sell SideRates
}

// Table maps exchange id to fee schedule for one broker connection.
// Exchange 0 is the default row used when the traded exchange has no
// entry of its own.
type Table struct {
	mu         sync.RWMutex
	byExchange map[int32]Schedule
}

// NewTable returns an empty fee table.
func NewTable() *Table {
	return &Table{byExchange: make(map[int32]Schedule)}
}

// Set installs or replaces the schedule for an exchange.
func (t *Table) Set(exchangeID int32, s Schedule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byExchange[exchangeID] = s
}

func (t *Table) scheduleFor(exchangeID int32) (Schedule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.byExchange[exchangeID]; ok {
		return s, true
	}
	s, ok := t.byExchange[0]
	return s, ok
}

// Compute prices one fill: the first nonzero of per-share times shares
// or per-value times shares times price, in native currency. Unknown
// exchanges fall back to the default row; no row means no charge.
func (t *Table) Compute(ord *otype.Order, qty, price float64) float64 {
	var exchangeID int32
	if ord.Sec != nil && ord.Sec.Exchange != nil {
		exchangeID = ord.Sec.Exchange.ID
	}
	s, ok := t.scheduleFor(exchangeID)
	if !ok {
		return 0
	}
	rates := s.Sell
	if ord.Side == otype.Buy {
		rates = s.Buy
	}
	if rates.PerShare > 0 {
		return rates.PerShare * qty
	}
	if rates.PerValue > 0 {
		return rates.PerValue * qty * price
	}
	return 0
}

// Registry resolves the fee table for an order by the broker adapter
// that routed it. Orders whose broker carries no table cost nothing.
type Registry struct {
	mu       sync.RWMutex
	byBroker map[string]*Table
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byBroker: make(map[string]*Table)}
}

// Register installs a fee table for the named broker adapter.
func (r *Registry) Register(brokerAdapter string, t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byBroker[brokerAdapter] = t
}

// Compute charges a fill by its order's broker table, if one exists.
func (r *Registry) Compute(ord *otype.Order, qty, price float64) float64 {
	if ord.BrokerAccount == nil {
		return 0
	}
	r.mu.RLock()
	t, ok := r.byBroker[ord.BrokerAccount.AdapterName]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return t.Compute(ord, qty, price)
}
