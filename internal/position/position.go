// Package position is the three-level (sub-account, broker-account,
// user) position and PnL accounting. HandlePnl is the average-cost
// realized-PnL algorithm every fill passes through regardless of which
// account level is being updated.
package position

import "math"

// Position is one (account, security) ledger row.
type Position struct {
	Qty           float64
	CXQty         float64
	AvgPx         float64
	RealizedPnL   float64 // account currency (native * multiplier * fx)
	RealizedPnLNative float64
	UnrealizedPnL float64
	Commission    float64
	CommissionNative float64

	TotalBoughtQty          float64
	TotalSoldQty            float64
	TotalOutstandingBuyQty  float64
	TotalOutstandingSellQty float64
}

func sameSign(a, b float64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }

// HandlePnl folds one signed-quantity fill (positive for buy, negative
// for sell) into a Position's average price and realized PnL. Opening
// or adding to a position pools the average price; reducing or
// flipping through zero crystallizes realized PnL on the closing
// portion and, if the fill overshoots flat, reopens the average price
// at the fill price for the remainder.
func HandlePnl(qty, price, multiplier float64, pos *Position) {
	qty0 := pos.Qty
	if qty0 == 0 || sameSign(qty0, qty) {
		newQty := qty0 + qty
		if newQty != 0 {
			pos.AvgPx = (qty0*pos.AvgPx + qty*price) / newQty
		} else {
			pos.AvgPx = 0
		}
		pos.Qty = newQty
		return
	}

	closingQty := math.Min(math.Abs(qty0), math.Abs(qty))
	pnlChg := (price - pos.AvgPx) * closingQty
	if qty0 < 0 {
		pnlChg = -pnlChg
	}
	pos.RealizedPnLNative += pnlChg
	pos.RealizedPnL += pnlChg * multiplier

	newQty := qty0 + qty
	if newQty == 0 {
		pos.AvgPx = 0
	} else if sameSign(newQty, qty) {
		pos.AvgPx = price
	}
	pos.Qty = newQty
}

// HandleTrade applies one fill to a Position: PnL via HandlePnl, then
// commission and the bought/sold/outstanding counters used by the
// risk gate's turnover checks. isBust reverses the counters instead of
// accumulating them, matching a cancel (bust) exec-trans-type fill.
func (p *Position) HandleTrade(qtySigned, price, multiplier, commission float64, isBust bool) {
	if isBust {
		// a cancel-bust must reverse the prior fill's effect on qty/avg_px/
		// realized PnL, not repeat it in the same direction.
		HandlePnl(-qtySigned, price, multiplier, p)
	} else {
		HandlePnl(qtySigned, price, multiplier, p)
	}
	if isBust {
		p.Commission -= commission * multiplier
		p.CommissionNative -= commission
		if qtySigned > 0 {
			p.TotalBoughtQty -= qtySigned
		} else {
			p.TotalSoldQty -= -qtySigned
		}
		return
	}
	p.Commission += commission * multiplier
	p.CommissionNative += commission
	if qtySigned > 0 {
		p.TotalBoughtQty += qtySigned
	} else {
		p.TotalSoldQty += -qtySigned
	}
}

// UpdateUnrealized recomputes mark-to-market PnL at the given price.
func (p *Position) UpdateUnrealized(price, multiplier float64) {
	p.UnrealizedPnL = (price - p.AvgPx) * p.Qty * multiplier
}

// ReserveOutstanding increments the outstanding qty counter when an
// order is accepted (UnconfirmedNew).
func (p *Position) ReserveOutstanding(side Side, qty float64) {
	if side == SideBuy {
		p.TotalOutstandingBuyQty += qty
	} else {
		p.TotalOutstandingSellQty += qty
	}
}

// ReleaseOutstanding decrements the outstanding qty counter when an
// order fills or terminates.
func (p *Position) ReleaseOutstanding(side Side, qty float64) {
	if side == SideBuy {
		p.TotalOutstandingBuyQty -= qty
		if p.TotalOutstandingBuyQty < 0 {
			p.TotalOutstandingBuyQty = 0
		}
	} else {
		p.TotalOutstandingSellQty -= qty
		if p.TotalOutstandingSellQty < 0 {
			p.TotalOutstandingSellQty = 0
		}
	}
}

// Side avoids importing pkg/otype's OrderSide into this tiny helper
// API's signature set — Manager translates otype.OrderSide to Side at
// its boundary, keeping Position's math otype-agnostic and easy to
// unit test in isolation.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

// AccountTotals is the account-wide rollup backing the risk gate's
// TotalValue/TotalTurnover/TotalLongValue/TotalShortValue caps: a
// simple monotonically-accumulating ledger of notional traded and
// notional of same-side-opening trades, reset only at session roll.
type AccountTotals struct {
	TotalValue      float64
	TotalTurnover   float64
	TotalLongValue  float64
	TotalShortValue float64
}

// Accumulate folds one fill's notional into the account-wide rollup.
// value is always added to TotalValue/TotalTurnover; it is added to
// TotalLongValue only when the fill adds to (not reduces) a long
// position, and to TotalShortValue only when it adds to a short — a
// reducing fill never grows same-side gross exposure.
func (a *AccountTotals) Accumulate(qtySigned, value float64, wasNetBeforeTrade float64) {
	a.TotalValue += value
	a.TotalTurnover += value
	opensLong := qtySigned > 0 && wasNetBeforeTrade >= 0
	opensShort := qtySigned < 0 && wasNetBeforeTrade <= 0
	if opensLong {
		a.TotalLongValue += value
	}
	if opensShort {
		a.TotalShortValue += value
	}
}
