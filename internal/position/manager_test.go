package position

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opentrade-go/internal/risk"
	"opentrade-go/pkg/otype"
)

func newTestManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil)
}

func newFillOrder(side otype.OrderSide, qty, leavesQty float64) *otype.Order {
	sub := &otype.SubAccount{AccountBase: otype.AccountBase{ID: 1}}
	broker := &otype.BrokerAccount{AccountBase: otype.AccountBase{ID: 2}}
	user := &otype.User{AccountBase: otype.AccountBase{ID: 3}}
	sec := &otype.Security{ID: 10, Symbol: "TEST", Multiplier: 1}
	return &otype.Order{
		Contract:      otype.Contract{Sec: sec, Qty: qty, Side: side, SubAccount: sub},
		ID:            1,
		LeavesQty:     leavesQty,
		BrokerAccount: broker,
		User:          user,
	}
}

// S1 — a fill confirmation updates the sub/broker/user positions.
func TestOnConfirmationFillUpdatesAllThreeLevels(t *testing.T) {
	m := newTestManager()
	ord := newFillOrder(otype.Buy, 100, 100)
	m.OnConfirmation(&otype.Confirmation{Order: ord, ExecType: otype.UnconfirmedNew})
	require.InDelta(t, 100, m.Get(risk.LevelSubAccount, 1, 10).TotalOutstandingBuyQty, 1e-9)

	ord.LeavesQty = 0
	m.OnConfirmation(&otype.Confirmation{
		Order: ord, ExecType: otype.Filled, ExecTransType: otype.TransNew,
		LastShares: 100, LastPx: 50.0,
	})

	sub := m.Get(risk.LevelSubAccount, 1, 10)
	require.InDelta(t, 100, sub.Qty, 1e-9)
	require.InDelta(t, 50.0, sub.AvgPx, 1e-9)
	require.InDelta(t, 0, sub.TotalOutstandingBuyQty, 1e-9, "fill releases the reservation")

	broker := m.Get(risk.LevelBrokerAccount, 2, 10)
	require.InDelta(t, 100, broker.Qty, 1e-9)

	user := m.Get(risk.LevelUser, 3, 10)
	require.InDelta(t, 100, user.Qty, 1e-9)
}

// A cancel-bust confirmation must reverse the prior fill's effect at
// every account level.
func TestOnConfirmationCancelBustReversesFill(t *testing.T) {
	m := newTestManager()
	ord := newFillOrder(otype.Buy, 100, 0)
	m.OnConfirmation(&otype.Confirmation{
		Order: ord, ExecType: otype.Filled, ExecTransType: otype.TransNew,
		LastShares: 100, LastPx: 50.0,
	})
	require.InDelta(t, 100, m.Get(risk.LevelSubAccount, 1, 10).Qty, 1e-9)

	m.OnConfirmation(&otype.Confirmation{
		Order: ord, ExecType: otype.PartiallyFilled, ExecTransType: otype.TransCancel,
		LastShares: 100, LastPx: 50.0,
	})
	require.InDelta(t, 0, m.Get(risk.LevelSubAccount, 1, 10).Qty, 1e-9)
	require.InDelta(t, 0, m.Get(risk.LevelBrokerAccount, 2, 10).Qty, 1e-9)
	require.InDelta(t, 0, m.Get(risk.LevelUser, 3, 10).Qty, 1e-9)
}

func TestOnConfirmationCancelReleasesRemainingReservation(t *testing.T) {
	m := newTestManager()
	ord := newFillOrder(otype.Buy, 100, 100)
	m.OnConfirmation(&otype.Confirmation{Order: ord, ExecType: otype.UnconfirmedNew})
	ord.LeavesQty = 0
	m.OnConfirmation(&otype.Confirmation{Order: ord, ExecType: otype.Canceled})
	require.InDelta(t, 0, m.Get(risk.LevelSubAccount, 1, 10).TotalOutstandingBuyQty, 1e-9)
}

func TestSecurityImplementsRiskPositionProvider(t *testing.T) {
	m := newTestManager()
	ord := newFillOrder(otype.Sell, 50, 0)
	m.OnConfirmation(&otype.Confirmation{
		Order: ord, ExecType: otype.Filled, ExecTransType: otype.TransNew,
		LastShares: 50, LastPx: 20.0,
	})
	snap := m.Security(risk.LevelSubAccount, 1, 10)
	require.InDelta(t, -50, snap.NetQty, 1e-9)
	require.InDelta(t, 50, snap.SoldQty, 1e-9)
}

// S7 — a BOD roll seeds sub-account positions directly and rolls them
// into broker/user aggregates as a single opening trade.
func TestLoadBODRollsUpToAllThreeLevels(t *testing.T) {
	m := newTestManager()
	rows := []BodRow{
		{SubAccountID: 1, SecurityID: 10, Qty: 100, AvgPx: 45.0, RealizedPnL: 12.5, Multiplier: 1},
	}
	m.LoadBOD(rows,
		func(subAccountID int32) int32 { return 2 },
		func(subAccountID int32) int32 { return 3 },
	)

	sub := m.Get(risk.LevelSubAccount, 1, 10)
	require.InDelta(t, 100, sub.Qty, 1e-9)
	require.InDelta(t, 45.0, sub.AvgPx, 1e-9)
	require.InDelta(t, 12.5, sub.RealizedPnL, 1e-9)

	broker := m.Get(risk.LevelBrokerAccount, 2, 10)
	require.InDelta(t, 100, broker.Qty, 1e-9)
	require.InDelta(t, 45.0, broker.AvgPx, 1e-9)

	user := m.Get(risk.LevelUser, 3, 10)
	require.InDelta(t, 100, user.Qty, 1e-9)
}

func TestUpdatePnlMarksSubAccountPositionsToMarket(t *testing.T) {
	m := newTestManager()
	ord := newFillOrder(otype.Buy, 10, 0)
	m.OnConfirmation(&otype.Confirmation{
		Order: ord, ExecType: otype.Filled, ExecTransType: otype.TransNew,
		LastShares: 10, LastPx: 100.0,
	})
	m.UpdatePnl(10, 110.0, 1, time.Now())
	require.InDelta(t, 100.0, m.Get(risk.LevelSubAccount, 1, 10).UnrealizedPnL, 1e-9)
}
