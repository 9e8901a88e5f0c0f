package consolidation

import (
	"sync"

	"opentrade-go/internal/marketdata"
	"opentrade-go/internal/refdata"
	"opentrade-go/pkg/otype"
)

// Manager owns one Book per security, created lazily on first update —
// the registry the composition root wires between the market-data
// store's per-source feed and every consumer that wants a consolidated
// view (smart-route algos, the cross engine's reference price).
type Manager struct {
	catalog *refdata.Catalog
	md      *marketdata.Store

	mu    sync.RWMutex
	books map[int32]*Book
}

// NewManager builds an empty consolidation registry backed by md for
// last-trade fallback lookups and catalog for static close prices.
func NewManager(catalog *refdata.Catalog, md *marketdata.Store) *Manager {
	return &Manager{catalog: catalog, md: md, books: make(map[int32]*Book)}
}

// BookFor returns (creating if absent) the consolidated book for secID.
func (m *Manager) BookFor(secID int32) *Book {
	m.mu.RLock()
	b, ok := m.books[secID]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok = m.books[secID]
	if !ok {
		b = NewBook(secID)
		m.books[secID] = b
	}
	return b
}

// Notify implements marketdata.Notifier: every time a source updates
// (src, secID), fold its fresh top-of-book quote into the consolidated
// book for secID. Registered via Store.AddNotifier alongside the algo
// runtime's own notifier, so both fan out from the same update.
func (m *Manager) Notify(src otype.DataSrc, secID int32) {
	md, _, ok := m.md.Get(src, secID)
	if !ok {
		return
	}
	m.BookFor(secID).UpdateQuote(src, md.Quote)
}

// Mid implements internal/cross.ReferencePriceSource.
func (m *Manager) Mid(secID int32) (float64, bool) {
	return m.BookFor(secID).Mid()
}

// LastTrade implements internal/cross.ReferencePriceSource by scanning
// every source's trade line for secID and returning the most recently
// updated one, the natural notion of "last trade" when several
// sources each print their own tape.
func (m *Manager) LastTrade(secID int32) (float64, bool) {
	if m.md == nil {
		return 0, false
	}
	return m.md.LastTradeAny(secID)
}

// ClosePrice implements internal/cross.ReferencePriceSource, falling
// back to the static reference close carried on the security record.
func (m *Manager) ClosePrice(secID int32) float64 {
	if m.catalog == nil {
		return 0
	}
	sec, ok := m.catalog.Security(secID)
	if !ok {
		return 0
	}
	return sec.ClosePrice
}
