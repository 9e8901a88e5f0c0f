package orderbook

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"opentrade-go/pkg/otype"
)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	j, _, err := Open(filepath.Join(t.TempDir(), "orders"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func newTestOrder(id int64, qty, price float64) *otype.Order {
	sec := &otype.Security{ID: 1, Symbol: "TEST", Multiplier: 1}
	return &otype.Order{
		Contract:  otype.Contract{Sec: sec, Qty: qty, Price: price, Side: otype.Buy, Type: otype.Limit, TIF: otype.GTC},
		ID:        id,
		LeavesQty: qty,
		Status:    otype.UnconfirmedNew,
	}
}

// S1 — limit new -> partial -> fill.
func TestHandleLimitPartialThenFill(t *testing.T) {
	ob := New(nil, newJournal(t), 0)
	ord := newTestOrder(1, 100, 10.0)
	ob.Insert(ord)

	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.New})
	require.Equal(t, otype.New, ord.Status)

	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.PartiallyFilled, ExecTransType: otype.TransNew, LastShares: 40, LastPx: 10.0, ExecID: "X1"})
	require.Equal(t, otype.PartiallyFilled, ord.Status)
	require.InDelta(t, 40, ord.CumQty, 1e-9)
	require.InDelta(t, 60, ord.LeavesQty, 1e-9)

	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.Filled, ExecTransType: otype.TransNew, LastShares: 60, LastPx: 10.0, ExecID: "X2"})
	require.Equal(t, otype.Filled, ord.Status)
	require.InDelta(t, 100, ord.CumQty, 1e-9)
	require.InDelta(t, 0, ord.LeavesQty, 1e-9)
	require.InDelta(t, 10.0, ord.AvgPx, 1e-9)
}

// S3 — duplicate fill is suppressed by the exec-id dedup set.
func TestHandleDuplicateFillSuppressed(t *testing.T) {
	ob := New(nil, newJournal(t), 0)
	ord := newTestOrder(1, 100, 10.0)
	ob.Insert(ord)

	cm := &otype.Confirmation{Order: ord, ExecType: otype.PartiallyFilled, ExecTransType: otype.TransNew, LastShares: 50, LastPx: 10.0, ExecID: "X"}
	ob.Handle(cm)
	require.InDelta(t, 50, ord.CumQty, 1e-9)

	// Same exec id again: must not double-apply.
	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.PartiallyFilled, ExecTransType: otype.TransNew, LastShares: 50, LastPx: 10.0, ExecID: "X"})
	require.InDelta(t, 50, ord.CumQty, 1e-9)
	require.InDelta(t, 50, ord.LeavesQty, 1e-9)
}

// Cancel-bust (trans_type = cancel) must subtract from cum_qty rather
// than add.
func TestHandleCancelBustSubtractsCumQty(t *testing.T) {
	ob := New(nil, newJournal(t), 0)
	ord := newTestOrder(1, 100, 10.0)
	ob.Insert(ord)

	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.Filled, ExecTransType: otype.TransNew, LastShares: 100, LastPx: 10.0, ExecID: "X1"})
	require.InDelta(t, 100, ord.CumQty, 1e-9)
	require.InDelta(t, 0, ord.LeavesQty, 1e-9)

	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.PartiallyFilled, ExecTransType: otype.TransCancel, LastShares: 40, LastPx: 10.0, ExecID: "BUST1"})
	require.InDelta(t, 60, ord.CumQty, 1e-9)
	require.InDelta(t, 40, ord.LeavesQty, 1e-9)
	require.LessOrEqual(t, ord.CumQty+ord.LeavesQty, ord.Qty+1e-9)
}

// S2 — cancel race: a fill confirmation arrives before the cancel ack
// for the same order. The fill applies, and the now-stale cancel ack
// must be dropped since the order is no longer live.
func TestHandleCancelAfterFillIsDropped(t *testing.T) {
	ob := New(nil, newJournal(t), 0)
	ord := newTestOrder(1, 100, 10.0)
	ob.Insert(ord)
	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.New})

	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.Filled, ExecTransType: otype.TransNew, LastShares: 100, LastPx: 10.0, ExecID: "X1"})
	require.Equal(t, otype.Filled, ord.Status)

	ob.Handle(&otype.Confirmation{Order: ord, ExecType: otype.Canceled})
	require.Equal(t, otype.Filled, ord.Status, "a late cancel ack must not overwrite an already-filled order")
}

// orderIDHighWater replays j the way the composition root does, to
// recover the order-id high-water mark a restart must not reissue.
func orderIDHighWater(t *testing.T, j *Journal) uint32 {
	t.Helper()
	var hw uint32
	require.NoError(t, j.Replay(0, func(rec Record) error {
		if rec.OrderID > hw {
			hw = rec.OrderID
		}
		return nil
	}))
	return hw
}

func TestNewOrderIDMonotoneAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders")
	j1, _, err := Open(path, false)
	require.NoError(t, err)
	ob1 := New(nil, j1, 0)
	id1 := ob1.NewOrderID()
	id2 := ob1.NewOrderID()
	require.Greater(t, id2, id1)

	ord := newTestOrder(id2, 1, 1)
	ob1.Insert(ord)
	ob1.Handle(&otype.Confirmation{Order: ord, ExecType: otype.New})
	require.NoError(t, j1.Close())

	j2, _, err := Open(path, false)
	require.NoError(t, err)
	defer j2.Close()
	hw2 := orderIDHighWater(t, j2)
	require.EqualValues(t, id2, hw2)

	ob2 := New(nil, j2, hw2)
	id3 := ob2.NewOrderID()
	require.Greater(t, id3, id2)
}

func TestGetOrdersFiltersByStatus(t *testing.T) {
	ob := New(nil, newJournal(t), 0)
	a := newTestOrder(1, 10, 10)
	a.Status = otype.New
	b := newTestOrder(2, 10, 10)
	b.Status = otype.Filled
	ob.Insert(a)
	ob.Insert(b)

	live := ob.GetOrders(otype.New, true)
	require.Len(t, live, 1)
	require.Equal(t, int64(1), live[0].ID)

	all := ob.GetOrders(0, false)
	require.Len(t, all, 2)
}
