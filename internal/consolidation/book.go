// Package consolidation builds the consolidated best-bid/best-offer
// book across every source quoting a security: many per-source
// top-of-book quotes feeding one logical book per security.
package consolidation

import (
	"sort"
	"sync"

	"opentrade-go/pkg/otype"
)

// Level is one source's contribution to the consolidated book.
type Level struct {
	Src   otype.DataSrc
	Price float64
	Size  float64
}

// Book is the consolidated view for a single security across sources.
type Book struct {
	mu      sync.RWMutex
	secID   int32
	bids    map[otype.DataSrc]Level
	asks    map[otype.DataSrc]Level
}

// NewBook returns an empty consolidated book for a security.
func NewBook(secID int32) *Book {
	return &Book{
		secID: secID,
		bids:  make(map[otype.DataSrc]Level),
		asks:  make(map[otype.DataSrc]Level),
	}
}

// UpdateQuote replaces one source's top-of-book contribution.
func (b *Book) UpdateQuote(src otype.DataSrc, q otype.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q.BidPrice > 0 && q.BidSize > 0 {
		b.bids[src] = Level{Src: src, Price: q.BidPrice, Size: q.BidSize}
	} else {
		delete(b.bids, src)
	}
	if q.AskPrice > 0 && q.AskSize > 0 {
		b.asks[src] = Level{Src: src, Price: q.AskPrice, Size: q.AskSize}
	} else {
		delete(b.asks, src)
	}
}

// RemoveSource drops a source's quote entirely, e.g. on disconnect.
func (b *Book) RemoveSource(src otype.DataSrc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bids, src)
	delete(b.asks, src)
}

// bestOf picks the best level by price, breaking ties
// deterministically: largest displayed size first, then source name
// lexicographic, so smart-route destination selection never depends
// on map iteration order.
func bestOf(levels map[otype.DataSrc]Level, higherIsBetter bool) (Level, bool) {
	if len(levels) == 0 {
		return Level{}, false
	}
	all := make([]Level, 0, len(levels))
	for _, l := range levels {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool {
		a, c := all[i], all[j]
		if a.Price != c.Price {
			if higherIsBetter {
				return a.Price > c.Price
			}
			return a.Price < c.Price
		}
		if a.Size != c.Size {
			return a.Size > c.Size
		}
		return a.Src < c.Src
	})
	return all[0], true
}

// BestBid returns the best consolidated bid, if any source quotes one.
func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestOf(b.bids, true)
}

// BestAsk returns the best consolidated ask, if any source quotes one.
func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestOf(b.asks, false)
}

// Mid returns the midpoint of the consolidated best bid/ask.
func (b *Book) Mid() (float64, bool) {
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	if !okb || !oka {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Route picks which source a smart-route algo should send to for a
// given side, applying the same best-then-tiebreak logic as the quote
// selection above.
func (b *Book) Route(side otype.OrderSide) (otype.DataSrc, bool) {
	var lvl Level
	var ok bool
	if side == otype.Buy {
		lvl, ok = b.BestAsk()
	} else {
		lvl, ok = b.BestBid()
	}
	if !ok {
		return "", false
	}
	return lvl.Src, true
}
