package backtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opentrade-go/internal/marketdata"
	"opentrade-go/pkg/otype"
)

type fakeConfirmer struct {
	cms []*otype.Confirmation
}

func (f *fakeConfirmer) Handle(cm *otype.Confirmation) {
	f.cms = append(f.cms, cm)
}

func newTestOrder(id int64, side otype.OrderSide, qty, px float64) *otype.Order {
	sec := &otype.Security{ID: 1, Symbol: "TEST", Multiplier: 1}
	return &otype.Order{
		Contract: otype.Contract{
			Sec: sec, Qty: qty, Price: px, Side: side, Type: otype.Limit, TIF: otype.GTC,
		},
		ID:        id,
		LeavesQty: qty,
		Status:    otype.PendingNew,
	}
}

func TestPlaceLimitRestsThenFills(t *testing.T) {
	md := marketdata.NewStore()
	cf := &fakeConfirmer{}
	a := New(md, cf, nil)

	ord := newTestOrder(1, otype.Buy, 10, 100.0)
	require.NoError(t, a.Place(context.Background(), ord))
	require.Len(t, cf.cms, 1)
	require.Equal(t, otype.New, cf.cms[0].ExecType)

	a.matchTrade(tick{secID: 1, px: 99.5, qty: 10, kind: 'T'})
	require.Len(t, cf.cms, 2)
	require.Equal(t, otype.Filled, cf.cms[1].ExecType)
	require.InDelta(t, 99.5, cf.cms[1].LastPx, 1e-9)
	require.InDelta(t, 10.0, cf.cms[1].LastShares, 1e-9)
}

func TestPlaceRejectsInvalidQty(t *testing.T) {
	md := marketdata.NewStore()
	cf := &fakeConfirmer{}
	a := New(md, cf, nil)

	ord := newTestOrder(1, otype.Buy, 0, 100.0)
	err := a.Place(context.Background(), ord)
	require.Error(t, err)
	require.Len(t, cf.cms, 1)
	require.Equal(t, otype.Rejected, cf.cms[0].ExecType)
}

func TestPlaceMarketFillsAgainstQuote(t *testing.T) {
	md := marketdata.NewStore()
	md.OnQuote(Source, 1, otype.Quote{AskPrice: 101, AskSize: 50, BidPrice: 100, BidSize: 50}, time.Time{})
	cf := &fakeConfirmer{}
	a := New(md, cf, nil)

	sec := &otype.Security{ID: 1, Symbol: "TEST", Multiplier: 1}
	ord := &otype.Order{
		Contract: otype.Contract{Sec: sec, Qty: 10, Side: otype.Buy, Type: otype.Market, TIF: otype.IOC},
		ID:       2, LeavesQty: 10,
	}
	require.NoError(t, a.Place(context.Background(), ord))
	require.Len(t, cf.cms, 2)
	require.Equal(t, otype.New, cf.cms[0].ExecType)
	require.Equal(t, otype.Filled, cf.cms[1].ExecType)
	require.InDelta(t, 101.0, cf.cms[1].LastPx, 1e-9)
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	md := marketdata.NewStore()
	cf := &fakeConfirmer{}
	a := New(md, cf, nil)

	ord := newTestOrder(1, otype.Sell, 5, 110.0)
	require.NoError(t, a.Place(context.Background(), ord))

	cancelReq := &otype.Order{Contract: ord.Contract, OrigID: 1}
	require.NoError(t, a.Cancel(context.Background(), cancelReq))
	require.Len(t, cf.cms, 2)
	require.Equal(t, otype.Canceled, cf.cms[1].ExecType)

	require.Error(t, a.Cancel(context.Background(), cancelReq))
}

func TestParseTick(t *testing.T) {
	tk, err := parseTick("1700000000,7,T,101.25,12")
	require.NoError(t, err)
	require.Equal(t, int32(7), tk.secID)
	require.Equal(t, byte('T'), tk.kind)
	require.InDelta(t, 101.25, tk.px, 1e-9)
	require.InDelta(t, 12.0, tk.qty, 1e-9)

	_, err = parseTick("not,enough,fields")
	require.Error(t, err)
}

func TestRunReplaysTickFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ticks.csv")
	content := "1700000000,1,B,99,10\n1700000001,1,A,101,10\n1700000002,1,T,100,5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	md := marketdata.NewStore()
	cf := &fakeConfirmer{}
	a := New(md, cf, nil)

	require.NoError(t, a.Run(context.Background(), path, time.Time{}, time.Time{}))

	snap, _, ok := md.Get(Source, 1)
	require.True(t, ok)
	require.InDelta(t, 99.0, snap.Quote.BidPrice, 1e-9)
	require.InDelta(t, 101.0, snap.Quote.AskPrice, 1e-9)
	require.InDelta(t, 100.0, snap.Trade.Close, 1e-9)
}
