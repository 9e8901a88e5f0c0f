package position

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// S1 — a buy fill opens a long position at the fill price.
func TestHandlePnlOpensPosition(t *testing.T) {
	p := &Position{}
	HandlePnl(10, 100.0, 1, p)
	require.InDelta(t, 10, p.Qty, 1e-9)
	require.InDelta(t, 100.0, p.AvgPx, 1e-9)
	require.Zero(t, p.RealizedPnL)
}

func TestHandlePnlAddsToPositionPoolsAveragePrice(t *testing.T) {
	p := &Position{}
	HandlePnl(10, 100.0, 1, p)
	HandlePnl(10, 110.0, 1, p)
	require.InDelta(t, 20, p.Qty, 1e-9)
	require.InDelta(t, 105.0, p.AvgPx, 1e-9)
}

func TestHandlePnlReducingPositionRealizesPnl(t *testing.T) {
	p := &Position{}
	HandlePnl(10, 100.0, 1, p)
	HandlePnl(-4, 120.0, 1, p)
	require.InDelta(t, 6, p.Qty, 1e-9)
	require.InDelta(t, 100.0, p.AvgPx, 1e-9, "avg price unchanged while still net long")
	require.InDelta(t, 80.0, p.RealizedPnL, 1e-9)
}

func TestHandlePnlFlipThroughZeroReopensAtFillPrice(t *testing.T) {
	p := &Position{}
	HandlePnl(5, 100.0, 1, p)
	HandlePnl(-8, 90.0, 1, p)
	require.InDelta(t, -3, p.Qty, 1e-9)
	require.InDelta(t, 90.0, p.AvgPx, 1e-9, "overshoot past flat reopens at fill price")
	require.InDelta(t, -50.0, p.RealizedPnL, 1e-9)
}

// A cancel-bust must reverse, not repeat, a prior fill's
// qty/avg_px/realized PnL effect.
func TestHandleTradeCancelBustReversesPriorFill(t *testing.T) {
	p := &Position{}
	p.HandleTrade(10, 100.0, 1, 0, false)
	require.InDelta(t, 10, p.Qty, 1e-9)
	require.InDelta(t, 10, p.TotalBoughtQty, 1e-9)

	p.HandleTrade(10, 100.0, 1, 0, true)
	require.InDelta(t, 0, p.Qty, 1e-9, "bust of the only fill must flatten the position")
	require.InDelta(t, 0, p.TotalBoughtQty, 1e-9, "bust must reverse the bought-qty counter too")
}

func TestHandleTradeCancelBustOnSellReversesShort(t *testing.T) {
	p := &Position{}
	p.HandleTrade(-10, 100.0, 1, 1.0, false)
	require.InDelta(t, -10, p.Qty, 1e-9)
	require.InDelta(t, 10, p.TotalSoldQty, 1e-9)
	require.InDelta(t, 1.0, p.Commission, 1e-9)

	p.HandleTrade(-10, 100.0, 1, 1.0, true)
	require.InDelta(t, 0, p.Qty, 1e-9)
	require.InDelta(t, 0, p.TotalSoldQty, 1e-9)
	require.Zero(t, p.Commission)
}

func TestHandleTradeAccumulatesCommission(t *testing.T) {
	p := &Position{}
	p.HandleTrade(10, 100.0, 1, 2.5, false)
	require.InDelta(t, 2.5, p.Commission, 1e-9)
	require.InDelta(t, 2.5, p.CommissionNative, 1e-9)
}

func TestUpdateUnrealizedMarksToMarket(t *testing.T) {
	p := &Position{Qty: 10, AvgPx: 100.0}
	p.UpdateUnrealized(110.0, 1)
	require.InDelta(t, 100.0, p.UnrealizedPnL, 1e-9)
}

func TestReserveAndReleaseOutstanding(t *testing.T) {
	p := &Position{}
	p.ReserveOutstanding(SideBuy, 10)
	require.InDelta(t, 10, p.TotalOutstandingBuyQty, 1e-9)
	p.ReleaseOutstanding(SideBuy, 4)
	require.InDelta(t, 6, p.TotalOutstandingBuyQty, 1e-9)
	p.ReleaseOutstanding(SideBuy, 100)
	require.InDelta(t, 0, p.TotalOutstandingBuyQty, 1e-9, "release never drives the counter negative")
}

func TestAccountTotalsAccumulateOnlyGrowsOnSameSideOpening(t *testing.T) {
	a := &AccountTotals{}
	a.Accumulate(10, 1000.0, 0) // opens long from flat
	require.InDelta(t, 1000.0, a.TotalLongValue, 1e-9)
	require.Zero(t, a.TotalShortValue)

	a.Accumulate(-4, 400.0, 10) // reduces the long, does not open short
	require.InDelta(t, 1000.0, a.TotalLongValue, 1e-9)
	require.Zero(t, a.TotalShortValue)
	require.InDelta(t, 1400.0, a.TotalValue, 1e-9)
}
