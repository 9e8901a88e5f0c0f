// Package otype is the shared vocabulary for the trading core: order
// lifecycle, account/limit model, market data, and confirmations. Every
// other internal package imports this one rather than redefining these
// types locally.
package otype

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// OrderSide matches FIX side semantics used throughout the desk.
type OrderSide int

const (
	Buy OrderSide = iota + 1
	Sell
	Short
)

func (s OrderSide) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// OrderType enumerates the contract types the core understands.
type OrderType int

const (
	Market OrderType = iota + 1
	Limit
	Stop
	StopLimit
	OTC
	CX // synthetic cross fill
)

// TimeInForce enumerates order duration semantics.
type TimeInForce int

const (
	DAY TimeInForce = iota + 1
	GTC
	OPG // at the opening
	IOC
	FOK
	GTX // good till crossing
	GTD // good till date
)

// ExecTransType distinguishes original reports from cancels/corrections,
// needed to tell a bust fill from a normal one in position handling.
type ExecTransType int

const (
	TransNew ExecTransType = iota + 1
	TransCancel
	TransCorrect
	TransStatus
)

// OrderStatus is the full lifecycle state machine an Order moves through.
type OrderStatus int

const (
	PendingNew OrderStatus = iota + 1
	New
	UnconfirmedNew
	PartiallyFilled
	Filled
	UnconfirmedCancel
	PendingCancel
	Canceled
	CancelRejected
	Rejected
	RiskRejected
	Suspended
	Unconfirmed // generic placeholder used by backtest/test fixtures
)

// IsLive reports whether an order can still receive fills or cancels.
func (s OrderStatus) IsLive() bool {
	switch s {
	case PendingNew, New, UnconfirmedNew, PartiallyFilled, UnconfirmedCancel, PendingCancel, Suspended:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	names := map[OrderStatus]string{
		PendingNew:        "pending_new",
		New:               "new",
		UnconfirmedNew:    "unconfirmed_new",
		PartiallyFilled:   "partially_filled",
		Filled:            "filled",
		UnconfirmedCancel: "unconfirmed_cancel",
		PendingCancel:     "pending_cancel",
		Canceled:          "canceled",
		CancelRejected:    "cancel_rejected",
		Rejected:          "rejected",
		RiskRejected:      "risk_rejected",
		Suspended:         "suspended",
		Unconfirmed:       "unconfirmed",
	}
	if n, ok := names[s]; ok {
		return n
	}
	return "unknown"
}

// DataSrc identifies a market-data source (e.g. "ARCA", "IEX", "SIM")
// by a short ASCII tag.
type DataSrc string

// Period is a [Start, End) window in seconds of the exchange's local day.
type Period struct {
	Start int32
	End   int32
}

// Contains reports whether secOfDay falls inside the window.
func (p Period) Contains(secOfDay int32) bool {
	return secOfDay >= p.Start && secOfDay < p.End
}

// TickBand is one row of an exchange's price-banded tick-size table:
// the minimum increment for prices at or above LowerBound, up to the
// next band's bound.
type TickBand struct {
	LowerBound float64
	TickSize   float64
}

// TickSizeTable is a tick schedule ordered by ascending LowerBound.
// Bands must not overlap; Validate enforces both before publication.
type TickSizeTable []TickBand

// Validate checks the table is sorted by LowerBound with no duplicate
// bounds and only positive tick sizes.
func (t TickSizeTable) Validate() error {
	for i, band := range t {
		if band.TickSize <= 0 {
			return fmt.Errorf("tick band %d: tick size must be positive", i)
		}
		if i > 0 && band.LowerBound <= t[i-1].LowerBound {
			return fmt.Errorf("tick band %d: lower bound %.6g not above previous %.6g", i, band.LowerBound, t[i-1].LowerBound)
		}
	}
	return nil
}

// TickSizeFor returns the increment for a price, scanning the highest
// band whose lower bound does not exceed it. Returns 0 when the table
// is empty or the price sits below the first band.
func (t TickSizeTable) TickSizeFor(price float64) float64 {
	var tick float64
	for _, band := range t {
		if price < band.LowerBound {
			break
		}
		tick = band.TickSize
	}
	return tick
}

// Exchange is a trading venue.
type Exchange struct {
	ID               int32
	Name             string
	MIC              string
	UTCOffsetSeconds int32
	TradingPeriods   []Period
	BreakPeriods     []Period
	HalfDayEnd       int32          // seconds-of-day close on half days, 0 if unused
	HalfDays         map[int32]bool // yyyymmdd local dates
	TickTable        TickSizeTable
}

// localSecondsAndDate projects t into the exchange's local clock.
func (e *Exchange) localSecondsAndDate(t time.Time) (int32, int32) {
	lt := t.UTC().Add(time.Duration(e.UTCOffsetSeconds) * time.Second)
	secOfDay := int32(lt.Hour()*3600 + lt.Minute()*60 + lt.Second())
	date := int32(lt.Year()*10000 + int(lt.Month())*100 + lt.Day())
	return secOfDay, date
}

// IsTradingTime reports whether t falls inside a trading period and
// outside every break. A half day truncates the session at HalfDayEnd.
// An exchange with no configured periods is treated as always open.
func (e *Exchange) IsTradingTime(t time.Time) bool {
	if len(e.TradingPeriods) == 0 {
		return true
	}
	sec, date := e.localSecondsAndDate(t)
	if e.HalfDays[date] && e.HalfDayEnd > 0 && sec >= e.HalfDayEnd {
		return false
	}
	for _, b := range e.BreakPeriods {
		if b.Contains(sec) {
			return false
		}
	}
	for _, p := range e.TradingPeriods {
		if p.Contains(sec) {
			return true
		}
	}
	return false
}

// SecurityType tags the instrument class of a Security.
type SecurityType int

const (
	Stock SecurityType = iota + 1
	Future
	Option
	ForexPair
	Index
	Bond
	Commodity
	Warrant
	Combo
	FutureOption
)

func (t SecurityType) String() string {
	switch t {
	case Stock:
		return "stock"
	case Future:
		return "future"
	case Option:
		return "option"
	case ForexPair:
		return "forex_pair"
	case Index:
		return "index"
	case Bond:
		return "bond"
	case Commodity:
		return "commodity"
	case Warrant:
		return "warrant"
	case Combo:
		return "combo"
	case FutureOption:
		return "future_option"
	default:
		return "unknown"
	}
}

// Security is a tradeable instrument.
type Security struct {
	ID           int32
	Symbol       string
	LocalSymbol  string
	Type         SecurityType
	Exchange     *Exchange
	Currency     string
	FXRate       float64 // currency -> account currency, 0 treated as 1
	LotSize      float64
	TickSize     float64 // flat tick when the exchange has no banded table
	Multiplier   float64
	ClosePrice   float64
	AdvPerPeriod float64
	UnderlyingID int32 // back-reference for derivatives, 0 if none
}

// CurrentPrice picks the last trade when one exists, else the static
// close — the fallback used to price market/stop orders on entry.
func (s *Security) CurrentPrice(lastTrade float64) float64 {
	if lastTrade > 0 {
		return lastTrade
	}
	return s.ClosePrice
}

// Rate returns the fx conversion into account currency, defaulting to 1.
func (s *Security) Rate() float64 {
	if s.FXRate > 0 {
		return s.FXRate
	}
	return 1
}

// TickSizeAt resolves the minimum price increment at a price: the
// exchange's banded table wins when present, else the flat per-security
// tick.
func (s *Security) TickSizeAt(price float64) float64 {
	if s.Exchange != nil {
		if tick := s.Exchange.TickTable.TickSizeFor(price); tick > 0 {
			return tick
		}
	}
	return s.TickSize
}

// Limits is every risk cap an account (sub/broker/user) can carry.
// Zero means "no cap".
type Limits struct {
	MsgRate             int64
	MsgRatePerSecurity  int64
	OrderQty            float64
	OrderValue          float64
	Value               float64 // intraday per-security value cap
	Turnover            float64 // intraday per-security turnover cap
	TotalValue          float64 // intraday account value cap
	TotalTurnover       float64 // intraday account turnover cap
	TotalLongValue      float64
	TotalShortValue     float64
}

// Throttle is a one-second message counter; the count resets whenever
// the wall clock advances to a new second.
type Throttle struct {
	n  int64
	tm int64 // unix seconds of current window
}

// Allow increments the counter for "now" and reports the pre-increment
// count observed in the current one-second window.
func (t *Throttle) Allow(now time.Time) int64 {
	sec := now.Unix()
	if atomic.LoadInt64(&t.tm) != sec {
		atomic.StoreInt64(&t.tm, sec)
		atomic.StoreInt64(&t.n, 0)
	}
	return atomic.AddInt64(&t.n, 1)
}

// AccountBase carries limits and throttles shared by all three account
// levels (sub-account, broker account, user).
type AccountBase struct {
	ID      int32
	Name    string
	Limits  Limits
	mu      sync.Mutex
	Throttle              Throttle
	perSecurity           map[int32]*Throttle
}

func (a *AccountBase) throttlePerSecurity(secID int32) *Throttle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.perSecurity == nil {
		a.perSecurity = make(map[int32]*Throttle)
	}
	th, ok := a.perSecurity[secID]
	if !ok {
		th = &Throttle{}
		a.perSecurity[secID] = th
	}
	return th
}

// ThrottlePerSecurity returns (creating if needed) the per-security
// throttle counter used when Limits.MsgRatePerSecurity is configured.
func (a *AccountBase) ThrottlePerSecurity(secID int32) *Throttle {
	return a.throttlePerSecurity(secID)
}

// BrokerAccount represents a destination broker connection.
type BrokerAccount struct {
	AccountBase
	AdapterName string
}

// SubAccount represents a trading book routed through one or more
// broker accounts depending on destination exchange.
type SubAccount struct {
	AccountBase
	mu             sync.RWMutex
	brokerByExch   map[int32]*BrokerAccount
}

// SetBrokerAccounts installs the exchange->broker routing table.
func (s *SubAccount) SetBrokerAccounts(m map[int32]*BrokerAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokerByExch = m
}

// GetBrokerAccount resolves the broker for an exchange, falling back
// to the default (exchange 0) entry.
func (s *SubAccount) GetBrokerAccount(exchangeID int32) *BrokerAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.brokerByExch == nil {
		return nil
	}
	if b, ok := s.brokerByExch[exchangeID]; ok {
		return b
	}
	return s.brokerByExch[0]
}

// User owns zero or more sub-accounts it is permissioned to trade on.
type User struct {
	AccountBase
	IsAdmin      bool
	IsDisabled   bool
	PasswordSHA1 string // hex-encoded sha1(password), compared against a login message's digest

	mu          sync.RWMutex
	subAccounts map[int32]*SubAccount
}

// SetSubAccounts installs the set of sub-accounts this user may trade.
func (u *User) SetSubAccounts(accs map[int32]*SubAccount) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.subAccounts = accs
}

// GetSubAccount reports whether and which sub-account this user may
// trade with; nil means not permissioned.
func (u *User) GetSubAccount(id int32) *SubAccount {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.subAccounts[id]
}

// Contract is the immutable order intent: what to trade, how much, and
// how — the part of an Order that never changes after submission.
type Contract struct {
	Qty         float64
	Price       float64
	StopPrice   float64
	Sec         *Security
	SubAccount  *SubAccount
	Destination string // optional explicit broker account name
	Side        OrderSide
	Type        OrderType
	TIF         TimeInForce
	Optional    map[string]string
}

// Order is a Contract plus its live mutable lifecycle state.
type Order struct {
	Contract
	Status       OrderStatus
	AlgoID       uint32
	ID           int64
	OrigID       int64
	AvgPx        float64
	CumQty       float64
	LeavesQty    float64
	Tm           time.Time
	User         *User
	BrokerAccount *BrokerAccount
	InstrumentID uint64 // owning Instrument, 0 if none (manual order)
}

// IsLive reports whether the order can still be canceled or filled.
func (o *Order) IsLive() bool { return o.Status.IsLive() }

// Confirmation is an exec report flowing back from a broker adapter or
// the cross engine into the global order book.
type Confirmation struct {
	Order           *Order
	ExecID          string
	OrderID         string
	Text            string
	ExecType        OrderStatus
	ExecTransType   ExecTransType
	LastShares      float64
	LeavesQty       float64
	LastPx          float64
	TransactionTime time.Time
	Seq             uint64
	Misc            map[string]string
}

// Trade is the running trade-print summary for one security on one
// source.
type Trade struct {
	Qty    float64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	VWAP   float64
	Volume float64
}

// Update folds a new trade print into the running summary.
func (t *Trade) Update(price, qty float64) {
	if t.Open == 0 {
		t.Open = price
	}
	if t.High == 0 || price > t.High {
		t.High = price
	}
	if t.Low == 0 || price < t.Low {
		t.Low = price
	}
	notional := t.VWAP*t.Volume + price*qty
	t.Volume += qty
	if t.Volume > 0 {
		t.VWAP = notional / t.Volume
	}
	t.Close = price
	t.Qty = qty
}

// DepthLevels is how many price levels each side of a depth ladder
// carries; updates addressed beyond it are refused.
const DepthLevels = 5

// Quote is one depth level's bid/ask pair.
type Quote struct {
	AskPrice float64
	BidPrice float64
	AskSize  float64
	BidSize  float64
}

// MarketData is the per-(source,security) snapshot the market-data
// store and algo runtime read from. Quote mirrors Depth[0].
type MarketData struct {
	Trade Trade
	Quote Quote
	Depth [DepthLevels]Quote
}
