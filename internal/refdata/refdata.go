// Package refdata is the reference catalog: the desk's static
// universe of exchanges, securities, and accounts. Readers on the hot
// path (risk checks, algo runtime, dispatch) take an immutable
// snapshot via an atomic pointer swap — read-copy-update, so a live
// reload never blocks a reader or shows it a partially-updated
// catalog.
package refdata

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"opentrade-go/pkg/otype"
)

// Snapshot is one immutable view of the whole catalog. Every field is
// read-only after construction; a reload builds a new Snapshot and
// swaps the pointer rather than mutating this one in place.
type Snapshot struct {
	Exchanges     map[int32]*otype.Exchange
	Securities    map[int32]*otype.Security
	SecuritiesBySymbol map[string]*otype.Security
	SubAccounts   map[int32]*otype.SubAccount
	BrokerAccounts map[int32]*otype.BrokerAccount
	Users         map[int32]*otype.User
}

// Loader is the narrow external interface refdata plugs into — a real
// deployment wires this to Postgres/MySQL; the core only needs Load
// and defines just the seam, not a concrete DB binding.
type Loader interface {
	Load() (*Snapshot, error)
}

// Catalog holds the live snapshot and coordinates reloads.
type Catalog struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
	group   singleflight.Group
}

// NewCatalog builds a catalog from an initial snapshot. Use Reload to
// refresh from the Loader afterward.
func NewCatalog(loader Loader, initial *Snapshot) *Catalog {
	c := &Catalog{loader: loader}
	if initial == nil {
		initial = emptySnapshot()
	}
	c.current.Store(initial)
	return c
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Exchanges:          make(map[int32]*otype.Exchange),
		Securities:         make(map[int32]*otype.Security),
		SecuritiesBySymbol: make(map[string]*otype.Security),
		SubAccounts:        make(map[int32]*otype.SubAccount),
		BrokerAccounts:     make(map[int32]*otype.BrokerAccount),
		Users:              make(map[int32]*otype.User),
	}
}

// Snapshot returns the current immutable catalog view. Safe to call
// concurrently from any number of readers without locking.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Reload fetches a fresh snapshot from the Loader and swaps it in
// atomically. Concurrent Reload calls are deduplicated via
// singleflight so a reload storm collapses into one Loader.Load call.
func (c *Catalog) Reload() error {
	_, err, _ := c.group.Do("reload", func() (interface{}, error) {
		snap, err := c.loader.Load()
		if err != nil {
			return nil, fmt.Errorf("refdata: reload: %w", err)
		}
		c.current.Store(snap)
		return snap, nil
	})
	return err
}

// Security looks up a security by id in the current snapshot.
func (c *Catalog) Security(id int32) (*otype.Security, bool) {
	s := c.Snapshot()
	sec, ok := s.Securities[id]
	return sec, ok
}

// SecurityBySymbol looks up a security by ticker in the current snapshot.
func (c *Catalog) SecurityBySymbol(symbol string) (*otype.Security, bool) {
	s := c.Snapshot()
	sec, ok := s.SecuritiesBySymbol[symbol]
	return sec, ok
}

// SubAccount looks up a sub-account by id in the current snapshot.
func (c *Catalog) SubAccount(id int32) (*otype.SubAccount, bool) {
	s := c.Snapshot()
	acc, ok := s.SubAccounts[id]
	return acc, ok
}

// User looks up a user by id in the current snapshot.
func (c *Catalog) User(id int32) (*otype.User, bool) {
	s := c.Snapshot()
	u, ok := s.Users[id]
	return u, ok
}

// UserByName looks up a user by login name, the lookup the client
// protocol's "login" tag needs.
// Names are not indexed by the loader, so this scans the current
// snapshot — acceptable since logins are rare relative to order/market
// data traffic and the snapshot is typically a few hundred users.
func (c *Catalog) UserByName(name string) (*otype.User, bool) {
	s := c.Snapshot()
	for _, u := range s.Users {
		if u.Name == name {
			return u, true
		}
	}
	return nil, false
}

// BrokerAccount looks up a broker account by id in the current snapshot.
func (c *Catalog) BrokerAccount(id int32) (*otype.BrokerAccount, bool) {
	s := c.Snapshot()
	b, ok := s.BrokerAccounts[id]
	return b, ok
}
