// Package cross is the internal cross engine: it matches orders
// against each other per security at a reference price instead of
// sending them to a broker. This is strictly an internal netting
// convenience for algos that want to cross their own flow before it
// reaches the market; it matches nothing against external venues.
package cross

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"opentrade-go/pkg/otype"
)

// crossOrder wraps an order with the extra bookkeeping the cross
// engine needs to track partial matches against itself separately
// from fills the real market gives it.
type crossOrder struct {
	ord          *otype.Order
	filledInMkt  float64
}

func (c *crossOrder) leaves() float64 {
	return c.ord.LeavesQty - c.filledInMkt
}

// ReferencePriceSource supplies the reference price a security crosses
// at: mid of the consolidated book, else last trade, else static
// close.
type ReferencePriceSource interface {
	Mid(secID int32) (float64, bool)
	LastTrade(secID int32) (float64, bool)
	ClosePrice(secID int32) float64
}

// FillSink receives the synthetic fills a cross produces. The caller
// wires this to the order book / algo confirmation path.
type FillSink interface {
	HandleFilled(ord *otype.Order, qty, price float64, execID string)
}

// InstrumentCanceler lets the cross engine yank the instrument's other
// resting orders out of the real market before crediting a cross fill.
type InstrumentCanceler interface {
	CancelInstrument(ord *otype.Order)
}

// AlgoActiveChecker reports whether the algo owning an order is still
// active, letting the cross engine skip or pop a resting order whose
// owning algo has since stopped — a signal distinct from the order's
// own live/terminal status.
type AlgoActiveChecker interface {
	IsActive(algoID uint32) bool
}

type security struct {
	mu      sync.Mutex
	buys    *list.List // of *crossOrder, FIFO
	sells   *list.List
	counter int
}

// Engine is the process-wide cross engine, one security table per
// traded security.
type Engine struct {
	logger    *slog.Logger
	prices    ReferencePriceSource
	fills     FillSink
	cancel    InstrumentCanceler
	algos     AlgoActiveChecker

	mu         sync.Mutex
	securities map[int32]*security
}

// New wires a cross engine against its collaborators. Every log line
// carries a per-run diagnostic tag so resting orders surviving into
// logs from a later run are distinguishable.
func New(logger *slog.Logger, prices ReferencePriceSource, fills FillSink, cancel InstrumentCanceler, algos AlgoActiveChecker) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:     logger.With("component", "cross", "run", uuid.NewString()),
		prices:     prices,
		fills:      fills,
		cancel:     cancel,
		algos:      algos,
		securities: make(map[int32]*security),
	}
}

func (e *Engine) securityFor(secID int32) *security {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.securities[secID]
	if !ok {
		s = &security{buys: list.New(), sells: list.New()}
		e.securities[secID] = s
	}
	return s
}

// refPrice resolves mid -> last trade -> close.
func (e *Engine) refPrice(secID int32) (float64, bool) {
	if p, ok := e.prices.Mid(secID); ok && p > 0 {
		return p, true
	}
	if p, ok := e.prices.LastTrade(secID); ok && p > 0 {
		return p, true
	}
	if p := e.prices.ClosePrice(secID); p > 0 {
		return p, true
	}
	return 0, false
}

// Place submits ord to its security's cross book and attempts to
// match it immediately against resting opposite-side orders. With no
// reference price available the order rests and the pass is skipped —
// matching resumes on the next Place for this security once a price
// exists.
func (e *Engine) Place(ord *otype.Order) {
	s := e.securityFor(ord.Sec.ID)
	price, havePrice := e.refPrice(ord.Sec.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	co := &crossOrder{ord: ord}
	var own, opp *list.List
	if ord.Side == otype.Buy {
		own, opp = s.buys, s.sells
	} else {
		own, opp = s.sells, s.buys
	}
	own.PushBack(co)

	if !havePrice {
		e.logger.Warn("no reference price available for cross, order rests unmatched", "security", ord.Sec.Symbol)
		return
	}

	for own.Len() > 0 && opp.Len() > 0 {
		ownFront := own.Front().Value.(*crossOrder)
		oppFront := opp.Front().Value.(*crossOrder)

		if !e.isActive(ownFront.ord) {
			own.Remove(own.Front())
			continue
		}
		if !e.isActive(oppFront.ord) {
			opp.Remove(opp.Front())
			continue
		}

		qty := ownFront.leaves()
		if oppFront.leaves() < qty {
			qty = oppFront.leaves()
		}
		if qty <= 0 {
			break
		}

		if e.cancel != nil {
			e.cancel.CancelInstrument(ownFront.ord)
			e.cancel.CancelInstrument(oppFront.ord)
		}

		ownExecID := fmt.Sprintf("CX-%d-%d", ownFront.ord.ID, s.counter)
		oppExecID := fmt.Sprintf("CX-%d-%d", oppFront.ord.ID, s.counter)
		s.counter++
		e.fills.HandleFilled(ownFront.ord, qty, price, ownExecID)
		e.fills.HandleFilled(oppFront.ord, qty, price, oppExecID)

		ownFront.filledInMkt += qty
		oppFront.filledInMkt += qty

		if ownFront.leaves() <= 1e-9 {
			own.Remove(own.Front())
		}
		if oppFront.leaves() <= 1e-9 {
			opp.Remove(opp.Front())
		}
	}
}

// isActive reports whether ord's owning algo is still active — the
// algo's flag, not the order's own live/terminal status. An order with
// no owning algo (AlgoID == 0) falls back to its own live status.
func (e *Engine) isActive(ord *otype.Order) bool {
	if ord.AlgoID == 0 || e.algos == nil {
		return ord.IsLive()
	}
	return e.algos.IsActive(ord.AlgoID)
}

// UpdateTrade reduces the resting cross order's filled-in-market
// amount when the real market independently fills the same
// instrument, and erases it once fully accounted for.
func (e *Engine) UpdateTrade(ord *otype.Order, lastShares float64) {
	s := e.securityFor(ord.Sec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var l *list.List
	if ord.Side == otype.Buy {
		l = s.buys
	} else {
		l = s.sells
	}
	for e := l.Front(); e != nil; e = e.Next() {
		co := e.Value.(*crossOrder)
		if co.ord.ID != ord.ID {
			continue
		}
		co.filledInMkt -= lastShares
		if co.leaves() <= 1e-9 {
			l.Remove(e)
		}
		return
	}
}

// Erase removes ord from its security's cross book, e.g. on cancel.
func (e *Engine) Erase(ord *otype.Order) {
	s := e.securityFor(ord.Sec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var l *list.List
	if ord.Side == otype.Buy {
		l = s.buys
	} else {
		l = s.sells
	}
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*crossOrder).ord.ID == ord.ID {
			l.Remove(e)
			return
		}
	}
}
