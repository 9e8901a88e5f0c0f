package position

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opentrade-go/internal/risk"
	"opentrade-go/pkg/otype"
)

type posKey struct {
	accountID int32
	secID     int32
}

// CommissionAdapter computes commission owed on a fill; wired from
// internal/adapter/commission at the composition root.
type CommissionAdapter interface {
	Compute(ord *otype.Order, qty, price float64) float64
}

// Manager is the three-level (sub-account, broker-account, user)
// position and PnL aggregator. It implements
// orderbook.PositionNotifier (via OnConfirmation) and
// risk.PositionProvider (via Security/Account), closing the loop the
// risk gate needs between a fill and the next order's exposure check.
type Manager struct {
	logger     *slog.Logger
	commission CommissionAdapter
	store      Persister

	mu       sync.RWMutex
	sub      map[posKey]*Position
	broker   map[posKey]*Position
	user     map[posKey]*Position
	subTotals    map[int32]*AccountTotals
	brokerTotals map[int32]*AccountTotals
	userTotals   map[int32]*AccountTotals
	reserved map[int64]float64 // orderID -> qty still reserved as outstanding
}

// NewManager builds an empty three-level position manager.
func NewManager(logger *slog.Logger, commission CommissionAdapter, store Persister) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:       logger.With("component", "position"),
		commission:   commission,
		store:        store,
		sub:          make(map[posKey]*Position),
		broker:       make(map[posKey]*Position),
		user:         make(map[posKey]*Position),
		subTotals:    make(map[int32]*AccountTotals),
		brokerTotals: make(map[int32]*AccountTotals),
		userTotals:   make(map[int32]*AccountTotals),
		reserved:     make(map[int64]float64),
	}
}

func sideOf(s otype.OrderSide) Side {
	if s == otype.Buy {
		return SideBuy
	}
	return SideSell
}

func (m *Manager) posFor(level risk.Level, accountID, secID int32) *Position {
	tbl := m.tableFor(level)
	k := posKey{accountID, secID}
	p, ok := tbl[k]
	if !ok {
		p = &Position{}
		tbl[k] = p
	}
	return p
}

func (m *Manager) tableFor(level risk.Level) map[posKey]*Position {
	switch level {
	case risk.LevelSubAccount:
		return m.sub
	case risk.LevelBrokerAccount:
		return m.broker
	default:
		return m.user
	}
}

func (m *Manager) totalsFor(level risk.Level, accountID int32) *AccountTotals {
	var tbl map[int32]*AccountTotals
	switch level {
	case risk.LevelSubAccount:
		tbl = m.subTotals
	case risk.LevelBrokerAccount:
		tbl = m.brokerTotals
	default:
		tbl = m.userTotals
	}
	t, ok := tbl[accountID]
	if !ok {
		t = &AccountTotals{}
		tbl[accountID] = t
	}
	return t
}

// OnConfirmation implements orderbook.PositionNotifier.
func (m *Manager) OnConfirmation(cm *otype.Confirmation) {
	ord := cm.Order
	if ord == nil || ord.Sec == nil {
		return
	}
	switch cm.ExecType {
	case otype.UnconfirmedNew:
		m.reserveOutstanding(ord)
	case otype.PartiallyFilled, otype.Filled:
		m.applyFill(ord, cm)
	case otype.Canceled, otype.Rejected, otype.RiskRejected, otype.CancelRejected:
		m.releaseRemainder(ord)
	}
}

func (m *Manager) reserveOutstanding(ord *otype.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qty := ord.LeavesQty
	side := sideOf(ord.Side)
	m.posFor(risk.LevelSubAccount, ord.SubAccount.ID, ord.Sec.ID).ReserveOutstanding(side, qty)
	m.posFor(risk.LevelBrokerAccount, ord.BrokerAccount.ID, ord.Sec.ID).ReserveOutstanding(side, qty)
	m.posFor(risk.LevelUser, ord.User.ID, ord.Sec.ID).ReserveOutstanding(side, qty)
	m.reserved[ord.ID] = qty
}

func (m *Manager) releaseRemainder(ord *otype.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qty, ok := m.reserved[ord.ID]
	if !ok || qty <= 0 {
		return
	}
	side := sideOf(ord.Side)
	m.posFor(risk.LevelSubAccount, ord.SubAccount.ID, ord.Sec.ID).ReleaseOutstanding(side, qty)
	m.posFor(risk.LevelBrokerAccount, ord.BrokerAccount.ID, ord.Sec.ID).ReleaseOutstanding(side, qty)
	m.posFor(risk.LevelUser, ord.User.ID, ord.Sec.ID).ReleaseOutstanding(side, qty)
	delete(m.reserved, ord.ID)
}

// applyFill is HandlePnl applied at all three account levels, run
// synchronously inline — the confirmation path is already serialized
// by the order book's write lock.
func (m *Manager) applyFill(ord *otype.Order, cm *otype.Confirmation) {
	isBust := false
	switch cm.ExecTransType {
	case otype.TransNew, 0:
		isBust = false
	case otype.TransCancel:
		isBust = true
	default:
		return // kTransCorrect and anything else: ignored, matching original
	}

	mult := ord.Sec.Multiplier
	if mult <= 0 {
		mult = 1
	}
	// conv turns a native-currency amount into account currency; all
	// realized/commission/value aggregates are kept in account currency,
	// the native figures on their own fields.
	conv := mult * ord.Sec.Rate()
	qtySigned := cm.LastShares
	if ord.Side != otype.Buy {
		qtySigned = -cm.LastShares
	}
	value := cm.LastShares * cm.LastPx * conv

	var commission float64
	if m.commission != nil && ord.Type != otype.CX {
		commission = m.commission.Compute(ord, cm.LastShares, cm.LastPx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	side := sideOf(ord.Side)
	if rem, ok := m.reserved[ord.ID]; ok {
		rel := cm.LastShares
		if rel > rem {
			rel = rem
		}
		m.posFor(risk.LevelSubAccount, ord.SubAccount.ID, ord.Sec.ID).ReleaseOutstanding(side, rel)
		m.posFor(risk.LevelBrokerAccount, ord.BrokerAccount.ID, ord.Sec.ID).ReleaseOutstanding(side, rel)
		m.posFor(risk.LevelUser, ord.User.ID, ord.Sec.ID).ReleaseOutstanding(side, rel)
		m.reserved[ord.ID] = rem - rel
		if ord.LeavesQty <= 1e-9 {
			delete(m.reserved, ord.ID)
		}
	}

	for _, lv := range []struct {
		level risk.Level
		id    int32
	}{
		{risk.LevelSubAccount, ord.SubAccount.ID},
		{risk.LevelBrokerAccount, ord.BrokerAccount.ID},
		{risk.LevelUser, ord.User.ID},
	} {
		pos := m.posFor(lv.level, lv.id, ord.Sec.ID)
		wasNet := pos.Qty
		pos.HandleTrade(qtySigned, cm.LastPx, conv, commission, isBust)
		m.totalsFor(lv.level, lv.id).Accumulate(qtySigned, value, wasNet)
		if m.store != nil {
			if err := m.store.SavePosition(lv.level, lv.id, ord.Sec.ID, *pos); err != nil {
				m.logger.Error("save position failed", "error", err)
			}
		}
	}
}

// Security implements risk.PositionProvider.
func (m *Manager) Security(level risk.Level, accountID, secID int32) risk.PositionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.tableFor(level)[posKey{accountID, secID}]
	if !ok {
		return risk.PositionSnapshot{}
	}
	return risk.PositionSnapshot{
		NetQty:             p.Qty,
		OutstandingBuyQty:  p.TotalOutstandingBuyQty,
		OutstandingSellQty: p.TotalOutstandingSellQty,
		BoughtQty:          p.TotalBoughtQty,
		SoldQty:            p.TotalSoldQty,
	}
}

// Account implements risk.PositionProvider.
func (m *Manager) Account(level risk.Level, accountID int32) risk.AccountSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tbl map[int32]*AccountTotals
	switch level {
	case risk.LevelSubAccount:
		tbl = m.subTotals
	case risk.LevelBrokerAccount:
		tbl = m.brokerTotals
	default:
		tbl = m.userTotals
	}
	t, ok := tbl[accountID]
	if !ok {
		return risk.AccountSnapshot{}
	}
	return risk.AccountSnapshot{
		TotalValue:      t.TotalValue,
		TotalTurnover:   t.TotalTurnover,
		TotalLongValue:  t.TotalLongValue,
		TotalShortValue: t.TotalShortValue,
	}
}

// Get returns a copy of one (level, account, security) position.
func (m *Manager) Get(level risk.Level, accountID, secID int32) Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.tableFor(level)[posKey{accountID, secID}]; ok {
		return *p
	}
	return Position{}
}

// UpdatePnl recomputes unrealized PnL for every position at the given
// price and, if a store is configured, appends the fixed-cadence
// "pnl-<sub_account_id>" file line for each sub-account.
func (m *Manager) UpdatePnl(secID int32, price float64, multiplier float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.sub {
		if k.secID != secID {
			continue
		}
		p.UpdateUnrealized(price, multiplier)
		if m.store != nil {
			line := fmt.Sprintf("%d %.6f %.6f %.6f", now.Unix(), p.UnrealizedPnL, p.Commission, p.RealizedPnL)
			if err := m.store.AppendPnlLine(k.accountID, line); err != nil {
				m.logger.Error("append pnl line failed", "error", err)
			}
		}
	}
}

// BodRow is one beginning-of-day balance carried in from the prior
// session's close: the most recent persisted row for a
// (sub-account, security) strictly before this session's start.
type BodRow struct {
	SubAccountID    int32
	SecurityID      int32
	Qty             float64
	AvgPx           float64
	RealizedPnL     float64 // native currency
	Commission      float64 // native currency
	BrokerAccountID int32
	Multiplier      float64
	FXRate          float64
}

// LoadBOD seeds sub-account positions directly from prior-session
// balances, then rolls each into broker/user aggregates via HandlePnl
// as if it were a single opening trade at avg_px — pooled averaging
// falls out of the same arithmetic a live fill uses.
func (m *Manager) LoadBOD(rows []BodRow, brokerOf func(subAccountID int32) int32, userOf func(subAccountID int32) int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		mult := r.Multiplier
		if mult <= 0 {
			mult = 1
		}
		rate := r.FXRate
		if rate <= 0 {
			rate = 1
		}
		conv := mult * rate

		sub := m.posFor(risk.LevelSubAccount, r.SubAccountID, r.SecurityID)
		sub.Qty = r.Qty
		sub.AvgPx = r.AvgPx
		sub.RealizedPnLNative = r.RealizedPnL
		sub.RealizedPnL = r.RealizedPnL * conv
		sub.CommissionNative = r.Commission
		sub.Commission = r.Commission * conv

		if brokerOf != nil {
			broker := m.posFor(risk.LevelBrokerAccount, brokerOf(r.SubAccountID), r.SecurityID)
			HandlePnl(r.Qty, r.AvgPx, conv, broker)
			broker.RealizedPnLNative += r.RealizedPnL
			broker.RealizedPnL += r.RealizedPnL * conv
		}
		if userOf != nil {
			user := m.posFor(risk.LevelUser, userOf(r.SubAccountID), r.SecurityID)
			HandlePnl(r.Qty, r.AvgPx, conv, user)
			user.RealizedPnLNative += r.RealizedPnL
			user.RealizedPnL += r.RealizedPnL * conv
		}
	}
}
