// Package risk enforces the pre-trade risk gate every order must clear
// before it reaches an exchange adapter or the cross engine. The chain
// runs cheapest-first: stop-book, then message-rate throttles, then
// order-level caps, then intraday per-security value/turnover, then
// account-wide total value/turnover and gross long/short value, and
// finally an optional destination-account check for smart-routed
// orders.
package risk

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"opentrade-go/pkg/otype"
)

// Level identifies which of the three account tiers a check runs
// against — the same Limits/Throttle shape applies to all three, but
// each tier tracks its own position snapshot.
type Level int

const (
	LevelSubAccount Level = iota
	LevelBrokerAccount
	LevelUser
)

func (l Level) String() string {
	switch l {
	case LevelSubAccount:
		return "sub_account"
	case LevelBrokerAccount:
		return "broker_account"
	case LevelUser:
		return "user"
	default:
		return "unknown"
	}
}

// PositionSnapshot is the per-(account,security) state a value/turnover
// check needs: current net qty and what's still resting in the market.
type PositionSnapshot struct {
	NetQty             float64
	OutstandingBuyQty  float64
	OutstandingSellQty float64
	BoughtQty          float64
	SoldQty            float64
}

// AccountSnapshot is the account-wide rollup used for the TotalValue /
// TotalTurnover / TotalLongValue / TotalShortValue caps.
type AccountSnapshot struct {
	TotalValue      float64
	TotalTurnover   float64
	TotalLongValue  float64
	TotalShortValue float64
}

// PositionProvider is the narrow read interface the risk gate needs
// from internal/position. Keeping it an interface (rather than an
// import) avoids a risk<->position cycle, since position.Manager also
// needs to report through RiskManager-adjacent plumbing in the
// composition root.
type PositionProvider interface {
	Security(level Level, accountID, secID int32) PositionSnapshot
	Account(level Level, accountID int32) AccountSnapshot
}

// Manager is the full pre-trade risk gate.
type Manager struct {
	logger    *slog.Logger
	stopBook  *StopBook
	positions PositionProvider
	disabled  atomic.Bool

}

// NewManager wires a risk gate against the given position snapshot
// source. The stop book starts empty; callers add halts via StopBook().
func NewManager(logger *slog.Logger, positions PositionProvider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger.With("component", "risk"),
		stopBook:  NewStopBook(),
		positions: positions,
	}
}

// StopBook exposes the halt list for admin/algo toggling.
func (m *Manager) StopBook() *StopBook { return m.stopBook }

// SetDisabled toggles the gate entirely, matching the --disable_rms
// CLI flag: every Check call becomes a no-op. Message-rate throttles
// still run through CheckMsgRate since dispatch's cancel path calls it
// directly, independent of Check.
func (m *Manager) SetDisabled(v bool) {
	m.disabled.Store(v)
}

// CheckMsgRate checks only the message-rate throttles for an order,
// used both pre-Place and pre-Cancel. Order: sub-account, broker
// account, user — the first one to trip rejects.
func (m *Manager) CheckMsgRate(ord *otype.Order) error {
	now := ord.Tm
	if now.IsZero() {
		now = time.Now()
	}
	checks := []struct {
		level Level
		acc   *otype.AccountBase
	}{
		{LevelSubAccount, &ord.SubAccount.AccountBase},
		{LevelBrokerAccount, &ord.BrokerAccount.AccountBase},
		{LevelUser, &ord.User.AccountBase},
	}
	for _, c := range checks {
		if err := checkMsgRateOne(c.level, c.acc, ord.Sec.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func checkMsgRateOne(level Level, acc *otype.AccountBase, secID int32, now time.Time) error {
	if acc.Limits.MsgRatePerSecurity > 0 {
		n := acc.ThrottlePerSecurity(secID).Allow(now)
		if n > acc.Limits.MsgRatePerSecurity {
			return fmt.Errorf("%s %s: message rate per security exceeded (%d/s)", level, acc.Name, acc.Limits.MsgRatePerSecurity)
		}
	}
	if acc.Limits.MsgRate > 0 {
		n := acc.Throttle.Allow(now)
		if n > acc.Limits.MsgRate {
			return fmt.Errorf("%s %s: message rate exceeded (%d/s)", level, acc.Name, acc.Limits.MsgRate)
		}
	}
	return nil
}

// Check runs the full pre-trade gate for a new order and reports the
// rejection reason if any check trips. Callers translate a non-nil
// error into a RiskRejected confirmation.
func (m *Manager) Check(ord *otype.Order) error {
	if m.disabled.Load() {
		return nil
	}
	if halted, reason := m.stopBook.Check(ord.Sec.ID, ord.SubAccount.ID); halted {
		return fmt.Errorf("security halted for sub account: %s", reason)
	}
	// sub-account 0 is the wildcard row halting the security for everyone.
	if halted, reason := m.stopBook.Check(ord.Sec.ID, 0); halted {
		return fmt.Errorf("security halted: %s", reason)
	}

	if err := m.CheckMsgRate(ord); err != nil {
		return err
	}

	value := ord.Qty * ord.Price * multiplier(ord.Sec) * ord.Sec.Rate()

	if ord.SubAccount.Limits.OrderQty > 0 && ord.Qty > ord.SubAccount.Limits.OrderQty {
		return fmt.Errorf("sub account %s: order qty %.6g exceeds cap %.6g", ord.SubAccount.Name, ord.Qty, ord.SubAccount.Limits.OrderQty)
	}
	if ord.SubAccount.Limits.OrderValue > 0 && value > ord.SubAccount.Limits.OrderValue {
		return fmt.Errorf("sub account %s: order value %.6g exceeds cap %.6g", ord.SubAccount.Name, value, ord.SubAccount.Limits.OrderValue)
	}

	levels := []struct {
		level Level
		id    int32
		name  string
		lim   otype.Limits
	}{
		{LevelSubAccount, ord.SubAccount.ID, ord.SubAccount.Name, ord.SubAccount.Limits},
		{LevelBrokerAccount, ord.BrokerAccount.ID, ord.BrokerAccount.Name, ord.BrokerAccount.Limits},
		{LevelUser, ord.User.ID, ord.User.Name, ord.User.Limits},
	}
	for _, lv := range levels {
		if err := m.checkAccount(lv.level, lv.id, lv.name, lv.lim, ord, value); err != nil {
			return err
		}
	}

	if ord.Destination != "" {
		if ord.BrokerAccount.AdapterName != ord.Destination {
			return fmt.Errorf("order destination %q does not match resolved broker account %q", ord.Destination, ord.BrokerAccount.AdapterName)
		}
	}

	return nil
}

// checkAccount runs the per-security and account-wide caps for one
// account tier; the same shape applies to all three tiers.
func (m *Manager) checkAccount(level Level, accountID int32, name string, lim otype.Limits, ord *otype.Order, value float64) error {
	if m.positions == nil {
		return nil
	}
	pos := m.positions.Security(level, accountID, ord.Sec.ID)
	mult := multiplier(ord.Sec) * ord.Sec.Rate()

	var buyDelta, sellDelta float64
	if ord.Side == otype.Buy {
		buyDelta = ord.Qty
	} else {
		sellDelta = ord.Qty
	}

	// Worst-case exposure: every resting buy fills (long extreme) or
	// every resting sell fills (short extreme); take whichever this
	// order pushes further from flat.
	longExposure := abs(pos.NetQty + pos.OutstandingBuyQty + buyDelta)
	shortExposure := abs(pos.NetQty - pos.OutstandingSellQty - sellDelta)
	exposure := longExposure
	if shortExposure > exposure {
		exposure = shortExposure
	}

	if lim.Value > 0 {
		if exposure*mult*priceOrOne(ord.Price) > lim.Value {
			return fmt.Errorf("%s %s: intraday value cap exceeded for %s", level, name, ord.Sec.Symbol)
		}
	}

	turnover := pos.OutstandingBuyQty + pos.OutstandingSellQty + pos.BoughtQty + pos.SoldQty + ord.Qty
	if lim.Turnover > 0 && turnover*priceOrOne(ord.Price)*mult > lim.Turnover {
		return fmt.Errorf("%s %s: intraday turnover cap exceeded for %s", level, name, ord.Sec.Symbol)
	}

	acc := m.positions.Account(level, accountID)
	if lim.TotalValue > 0 && acc.TotalValue+value > lim.TotalValue {
		return fmt.Errorf("%s %s: total value cap exceeded", level, name)
	}
	if lim.TotalTurnover > 0 && acc.TotalTurnover+value > lim.TotalTurnover {
		return fmt.Errorf("%s %s: total turnover cap exceeded", level, name)
	}

	// Gross long/short value only grows when the order opens more of
	// the same-side exposure; a reducing order never trips it.
	if ord.Side == otype.Buy && pos.NetQty >= 0 {
		if lim.TotalLongValue > 0 && acc.TotalLongValue+value > lim.TotalLongValue {
			return fmt.Errorf("%s %s: gross long value cap exceeded", level, name)
		}
	}
	if ord.Side != otype.Buy && pos.NetQty <= 0 {
		if lim.TotalShortValue > 0 && acc.TotalShortValue+value > lim.TotalShortValue {
			return fmt.Errorf("%s %s: gross short value cap exceeded", level, name)
		}
	}

	return nil
}

func multiplier(sec *otype.Security) float64 {
	if sec.Multiplier > 0 {
		return sec.Multiplier
	}
	return 1
}

func priceOrOne(p float64) float64 {
	if p > 0 {
		return p
	}
	return 1
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
