package position

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opentrade-go/internal/risk"
	"opentrade-go/pkg/otype"
)

func TestFileStoreTargetsRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	want := map[int32]float64{10: 500, 11: -200}
	require.NoError(t, s.SaveTargets(1, want))

	got, err := s.LoadTargets(1)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFileStoreLoadTargetsMissingIsNil(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	got, err := s.LoadTargets(99)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFileStoreSessionStartRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.LoadSessionStart()
	require.NoError(t, err)
	require.False(t, ok, "fresh store has no session file")

	start := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.WriteSessionStart(start))

	got, ok, err := s.LoadSessionStart()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(start))
}

// A restart reads the prior session's sub-account rows back as
// beginning-of-day balances; broker/user rows are roll-ups and are not
// re-read.
func TestFileStoreLoadBODRows(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SavePosition(risk.LevelSubAccount, 1, 10, Position{
		Qty: 10, AvgPx: 9.0, RealizedPnLNative: 5.0, CommissionNative: 0.5,
	}))
	require.NoError(t, s.SavePosition(risk.LevelBrokerAccount, 2, 10, Position{Qty: 10}))

	// ledger rows persist money fields as exact decimal strings, not
	// binary floats.
	raw, err := os.ReadFile(filepath.Join(s.dir, "position-sub_account-1-10.json"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"avg_px":"9"`)

	rows, err := s.LoadBODRows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int32(1), rows[0].SubAccountID)
	require.Equal(t, int32(10), rows[0].SecurityID)
	require.InDelta(t, 10, rows[0].Qty, 1e-9)
	require.InDelta(t, 9.0, rows[0].AvgPx, 1e-9)
	require.InDelta(t, 5.0, rows[0].RealizedPnL, 1e-9)
	require.InDelta(t, 0.5, rows[0].Commission, 1e-9)
}

// S7 end-to-end at the store boundary: a prior session's close of
// (qty=10, avg=9.0, realized=+5 native) on a multiplier-100 contract
// reports realized 500 in account currency after the roll, and a
// sell-5@11.0 then realizes +10 native on top.
func TestBODRollThenSellRealizesAgainstCarriedAverage(t *testing.T) {
	m := newTestManager()
	m.LoadBOD([]BodRow{
		{SubAccountID: 1, SecurityID: 10, Qty: 10, AvgPx: 9.0, RealizedPnL: 5.0, Multiplier: 100, FXRate: 1},
	}, func(int32) int32 { return 2 }, func(int32) int32 { return 3 })

	sub := m.Get(risk.LevelSubAccount, 1, 10)
	require.InDelta(t, 10, sub.Qty, 1e-9)
	require.InDelta(t, 9.0, sub.AvgPx, 1e-9)
	require.InDelta(t, 5.0, sub.RealizedPnLNative, 1e-9)
	require.InDelta(t, 500.0, sub.RealizedPnL, 1e-9)

	ord := newFillOrder(otype.Sell, 5, 0)
	ord.Sec.Multiplier = 100
	m.OnConfirmation(&otype.Confirmation{
		Order: ord, ExecType: otype.Filled, ExecTransType: otype.TransNew,
		LastShares: 5, LastPx: 11.0,
	})

	sub = m.Get(risk.LevelSubAccount, 1, 10)
	require.InDelta(t, 5, sub.Qty, 1e-9)
	require.InDelta(t, 9.0, sub.AvgPx, 1e-9)
	require.InDelta(t, 15.0, sub.RealizedPnLNative, 1e-9)
	require.InDelta(t, 1500.0, sub.RealizedPnL, 1e-9)
}
