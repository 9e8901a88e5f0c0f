package consolidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opentrade-go/internal/marketdata"
	"opentrade-go/internal/refdata"
	"opentrade-go/pkg/otype"
)

func newTestCatalog(secs ...*otype.Security) *refdata.Catalog {
	snap := &refdata.Snapshot{
		Securities: make(map[int32]*otype.Security),
	}
	for _, s := range secs {
		snap.Securities[s.ID] = s
	}
	return refdata.NewCatalog(nil, snap)
}

func TestNotifyFoldsSourceQuoteIntoConsolidatedBook(t *testing.T) {
	md := marketdata.NewStore()
	m := NewManager(newTestCatalog(), md)
	md.AddNotifier(m)

	md.OnQuote("SIM", 1, otype.Quote{BidPrice: 99, BidSize: 10, AskPrice: 101, AskSize: 10}, time.Time{})

	mid, ok := m.Mid(1)
	require.True(t, ok)
	require.InDelta(t, 100.0, mid, 1e-9)
}

func TestLastTradeDelegatesToMarketDataStore(t *testing.T) {
	md := marketdata.NewStore()
	m := NewManager(newTestCatalog(), md)
	md.OnTrade("SIM", 1, 100.0, 1, time.Now())

	price, ok := m.LastTrade(1)
	require.True(t, ok)
	require.InDelta(t, 100.0, price, 1e-9)
}

// S5 reference-price fallback — with no consolidated mid and no
// trade, the cross engine's ReferencePriceSource falls back to the
// security's static close price.
func TestClosePriceFallsBackToCatalogStaticClose(t *testing.T) {
	sec := &otype.Security{ID: 1, Symbol: "TEST", ClosePrice: 42.5}
	md := marketdata.NewStore()
	m := NewManager(newTestCatalog(sec), md)

	require.InDelta(t, 42.5, m.ClosePrice(1), 1e-9)
	require.InDelta(t, 0, m.ClosePrice(999), 1e-9, "unknown security has no close")
}

func TestBookForIsStablePerSecurity(t *testing.T) {
	md := marketdata.NewStore()
	m := NewManager(newTestCatalog(), md)
	require.Same(t, m.BookFor(1), m.BookFor(1))
}
