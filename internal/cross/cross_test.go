package cross

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"opentrade-go/pkg/otype"
)

type fakePrices struct {
	mid   float64
	hasMid bool
}

func (f fakePrices) Mid(int32) (float64, bool)       { return f.mid, f.hasMid }
func (f fakePrices) LastTrade(int32) (float64, bool) { return 0, false }
func (f fakePrices) ClosePrice(int32) float64        { return 0 }

type fakeFills struct {
	fills []fill
}

type fill struct {
	ord    *otype.Order
	qty    float64
	price  float64
	execID string
}

func (f *fakeFills) HandleFilled(ord *otype.Order, qty, price float64, execID string) {
	f.fills = append(f.fills, fill{ord, qty, price, execID})
}

type fakeCanceler struct{ calls int }

func (f *fakeCanceler) CancelInstrument(*otype.Order) { f.calls++ }

type fakeActive struct {
	active map[uint32]bool
}

func (f *fakeActive) IsActive(algoID uint32) bool { return f.active[algoID] }

func newCrossOrder(id int64, algoID uint32, side otype.OrderSide, qty float64) *otype.Order {
	sec := &otype.Security{ID: 1, Symbol: "TEST", Multiplier: 1}
	return &otype.Order{
		Contract:  otype.Contract{Sec: sec, Qty: qty, Side: side, Type: otype.Limit},
		ID:        id,
		AlgoID:    algoID,
		LeavesQty: qty,
		Status:    otype.New,
	}
}

// S5 — two opposite-side orders from active algos cross at the
// reference price and both receive synthetic fills.
func TestPlaceCrossesOppositeOrders(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fills := &fakeFills{}
	canceler := &fakeCanceler{}
	active := &fakeActive{active: map[uint32]bool{1: true, 2: true}}
	e := New(logger, fakePrices{mid: 100.0, hasMid: true}, fills, canceler, active)

	buy := newCrossOrder(1, 1, otype.Buy, 10)
	sell := newCrossOrder(2, 2, otype.Sell, 10)

	e.Place(buy)
	require.Empty(t, fills.fills)

	e.Place(sell)
	require.Len(t, fills.fills, 2)
	require.Equal(t, 100.0, fills.fills[0].price)
	require.InDelta(t, 10, fills.fills[0].qty, 1e-9)
	require.Equal(t, 2, canceler.calls)
}

// A resting order whose owning algo has been deactivated must be
// skipped/popped even though the order's own status is still live.
func TestPlaceSkipsRestingOrderWhoseAlgoIsInactive(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fills := &fakeFills{}
	canceler := &fakeCanceler{}
	active := &fakeActive{active: map[uint32]bool{1: false, 2: true}}
	e := New(logger, fakePrices{mid: 100.0, hasMid: true}, fills, canceler, active)

	buy := newCrossOrder(1, 1, otype.Buy, 10)
	require.True(t, buy.IsLive(), "order status itself is still live")
	e.Place(buy)

	sell := newCrossOrder(2, 2, otype.Sell, 10)
	e.Place(sell)

	require.Empty(t, fills.fills, "the buy's owning algo is inactive, so it must not be matched")
}

// An order with no owning algo (AlgoID == 0) falls back to its own
// live/terminal status.
func TestIsActiveFallsBackToOrderStatusWhenNoAlgo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fills := &fakeFills{}
	e := New(logger, fakePrices{mid: 100.0, hasMid: true}, fills, &fakeCanceler{}, &fakeActive{})

	buy := newCrossOrder(1, 0, otype.Buy, 10)
	sell := newCrossOrder(2, 0, otype.Sell, 10)
	e.Place(buy)
	e.Place(sell)

	require.Len(t, fills.fills, 2)
}

// Exec ids carry the filled order's own id, so the dedup set keys each
// side's synthetic fill independently.
func TestCrossExecIDsCarryEachSidesOrderID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fills := &fakeFills{}
	active := &fakeActive{active: map[uint32]bool{1: true, 2: true}}
	e := New(logger, fakePrices{mid: 100.0, hasMid: true}, fills, &fakeCanceler{}, active)

	e.Place(newCrossOrder(7, 1, otype.Buy, 5))
	e.Place(newCrossOrder(9, 2, otype.Sell, 5))

	require.Len(t, fills.fills, 2)
	require.Equal(t, "CX-9-0", fills.fills[0].execID)
	require.Equal(t, "CX-7-0", fills.fills[1].execID)
}

// With no reference price, orders rest unmatched — matching resumes
// once a later Place finds a price.
func TestPlaceWithoutReferencePriceRestsUnmatched(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fills := &fakeFills{}
	active := &fakeActive{active: map[uint32]bool{1: true, 2: true, 3: true}}
	prices := &switchablePrices{}
	e := New(logger, prices, fills, &fakeCanceler{}, active)

	e.Place(newCrossOrder(1, 1, otype.Buy, 10))
	e.Place(newCrossOrder(2, 2, otype.Sell, 10))
	require.Empty(t, fills.fills, "no price, no match")

	prices.mid, prices.hasMid = 50.0, true
	e.Place(newCrossOrder(3, 3, otype.Sell, 1))
	require.Len(t, fills.fills, 2, "the resting pair matches once a price exists")
	require.Equal(t, 50.0, fills.fills[0].price)
}

type switchablePrices struct {
	mid    float64
	hasMid bool
}

func (f *switchablePrices) Mid(int32) (float64, bool)       { return f.mid, f.hasMid }
func (f *switchablePrices) LastTrade(int32) (float64, bool) { return 0, false }
func (f *switchablePrices) ClosePrice(int32) float64        { return 0 }

func TestUpdateTradeReducesRestingLeaves(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fills := &fakeFills{}
	active := &fakeActive{active: map[uint32]bool{1: true}}
	e := New(logger, fakePrices{hasMid: false}, fills, &fakeCanceler{}, active)

	buy := newCrossOrder(1, 1, otype.Buy, 10)
	e.Place(buy)

	e.UpdateTrade(buy, 10)
	e.Erase(buy)
}
