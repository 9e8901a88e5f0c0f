// Package marketdata is the per-(source,security) market-data store:
// a concurrent-safe mirror of every inbound trade/quote/depth update
// across an arbitrary number of sources and securities.
package marketdata

import (
	"fmt"
	"sync"
	"time"

	"opentrade-go/pkg/otype"
)

// Key identifies one (source, security) market-data line.
type Key struct {
	Src   otype.DataSrc
	SecID int32
}

// Notifier is told which (source, security) lines changed so the
// algorithm runtime can mark them dirty without the store having to
// know anything about algos.
type Notifier interface {
	Notify(src otype.DataSrc, secID int32)
}

type entry struct {
	mu      sync.RWMutex
	md      otype.MarketData
	updated time.Time
}

// SubscriptionSink is the adapter side of a subscription: the store
// forwards recorded interest to it while connected and replays the
// whole set through ResubscribeAll after a reconnect.
type SubscriptionSink interface {
	SubscribeSecurity(secID int32) error
	Connected() bool
}

type sourceSubs struct {
	sink SubscriptionSink
	secs map[int32]struct{}
}

// Store is the live market-data mirror.
type Store struct {
	mu        sync.RWMutex
	entries   map[Key]*entry
	notifiers []Notifier
	subs      map[otype.DataSrc]*sourceSubs
}

// NewStore returns an empty store. SetNotifier/AddNotifier wire
// interested subsystems in after construction to avoid an import
// cycle at package-init time.
func NewStore() *Store {
	return &Store{
		entries: make(map[Key]*entry),
		subs:    make(map[otype.DataSrc]*sourceSubs),
	}
}

func (s *Store) subsFor(src otype.DataSrc) *sourceSubs {
	ss, ok := s.subs[src]
	if !ok {
		ss = &sourceSubs{secs: make(map[int32]struct{})}
		s.subs[src] = ss
	}
	return ss
}

// RegisterSource attaches the adapter that serves subscriptions for a
// source. Interest recorded before registration is flushed on the
// adapter's first ResubscribeAll.
func (s *Store) RegisterSource(src otype.DataSrc, sink SubscriptionSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subsFor(src).sink = sink
}

// Subscribe records interest in (src, secID) and forwards it to the
// source's adapter when one is registered and connected. A
// disconnected or still-unregistered source simply holds the interest
// until ResubscribeAll replays it.
func (s *Store) Subscribe(src otype.DataSrc, secID int32) error {
	s.mu.Lock()
	ss := s.subsFor(src)
	ss.secs[secID] = struct{}{}
	sink := ss.sink
	s.mu.Unlock()
	if sink == nil || !sink.Connected() {
		return nil
	}
	if err := sink.SubscribeSecurity(secID); err != nil {
		return fmt.Errorf("marketdata: subscribe %s/%d: %w", src, secID, err)
	}
	return nil
}

// ResubscribeAll replays every recorded subscription for a source to
// its adapter — called by the adapter itself after a (re)connect.
func (s *Store) ResubscribeAll(src otype.DataSrc) error {
	s.mu.RLock()
	ss, ok := s.subs[src]
	var sink SubscriptionSink
	var secs []int32
	if ok {
		sink = ss.sink
		secs = make([]int32, 0, len(ss.secs))
		for id := range ss.secs {
			secs = append(secs, id)
		}
	}
	s.mu.RUnlock()
	if sink == nil {
		return nil
	}
	for _, id := range secs {
		if err := sink.SubscribeSecurity(id); err != nil {
			return fmt.Errorf("marketdata: resubscribe %s/%d: %w", src, id, err)
		}
	}
	return nil
}

// Subscriptions lists the securities recorded for a source.
func (s *Store) Subscriptions(src otype.DataSrc) []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.subs[src]
	if !ok {
		return nil
	}
	out := make([]int32, 0, len(ss.secs))
	for id := range ss.secs {
		out = append(out, id)
	}
	return out
}

// SetNotifier installs the dirty-set notifier, replacing any
// previously installed notifiers. Kept for the single-subscriber case
// (the algo runtime); AddNotifier appends without replacing when more
// than one subsystem wants to hear about every update (e.g. the
// consolidation book alongside the algo runtime).
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = []Notifier{n}
}

// AddNotifier appends a dirty-set notifier without disturbing ones
// already installed.
func (s *Store) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

func (s *Store) entryFor(key Key) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

// OnTrade folds a trade print into the running OHLC/VWAP summary.
func (s *Store) OnTrade(src otype.DataSrc, secID int32, price, qty float64, tm time.Time) {
	e := s.entryFor(Key{src, secID})
	e.mu.Lock()
	e.md.Trade.Update(price, qty)
	e.updated = tm
	e.mu.Unlock()
	s.notify(src, secID)
}

// OnQuote replaces the top-of-book quote (depth level 0).
func (s *Store) OnQuote(src otype.DataSrc, secID int32, q otype.Quote, tm time.Time) {
	s.OnQuoteLevel(src, secID, 0, q, tm)
}

// OnQuoteLevel replaces one depth level's bid/ask pair. Updates
// addressed at a level beyond the ladder are refused with an error
// rather than silently clipped.
func (s *Store) OnQuoteLevel(src otype.DataSrc, secID int32, level int, q otype.Quote, tm time.Time) error {
	if level < 0 || level >= otype.DepthLevels {
		return fmt.Errorf("marketdata: depth level %d out of range", level)
	}
	e := s.entryFor(Key{src, secID})
	e.mu.Lock()
	e.md.Depth[level] = q
	if level == 0 {
		e.md.Quote = q
	}
	e.updated = tm
	e.mu.Unlock()
	s.notify(src, secID)
	return nil
}

func (s *Store) notify(src otype.DataSrc, secID int32) {
	s.mu.RLock()
	ns := s.notifiers
	s.mu.RUnlock()
	for _, n := range ns {
		n.Notify(src, secID)
	}
}

// Get returns a copy of the current market data for (src, secID).
func (s *Store) Get(src otype.DataSrc, secID int32) (otype.MarketData, time.Time, bool) {
	s.mu.RLock()
	e, ok := s.entries[Key{src, secID}]
	s.mu.RUnlock()
	if !ok {
		return otype.MarketData{}, time.Time{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.md, e.updated, true
}

// LastTradeAny scans every source quoting secID and returns the close
// price of whichever source printed the most recent trade — used by
// the cross engine's reference-price fallback chain when no
// consolidated mid is available.
func (s *Store) LastTradeAny(secID int32) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best time.Time
	var price float64
	var found bool
	for k, e := range s.entries {
		if k.SecID != secID {
			continue
		}
		e.mu.RLock()
		if e.md.Trade.Close > 0 && (!found || e.updated.After(best)) {
			best = e.updated
			price = e.md.Trade.Close
			found = true
		}
		e.mu.RUnlock()
	}
	return price, found
}

// IsStale reports whether the line hasn't updated within maxAge.
func (s *Store) IsStale(src otype.DataSrc, secID int32, maxAge time.Duration, now time.Time) bool {
	_, updated, ok := s.Get(src, secID)
	if !ok {
		return true
	}
	return now.Sub(updated) > maxAge
}
