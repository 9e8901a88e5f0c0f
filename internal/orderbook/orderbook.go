// Package orderbook is the global order book: the authoritative
// live-order map, monotone id allocator, exec-id dedup set, and the
// durable journal writer/replayer. Confirmations are applied under a
// single global write lock rather than per-order — serializing state
// transitions is cheap relative to adapter I/O and keeps the invariant
// checks (cum_qty+leaves_qty<=qty, monotone status) trivially
// race-free.
package orderbook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opentrade-go/pkg/otype"
)

type execKey struct {
	orderID int64
	execID  string
}

// AlgoNotifier receives confirmations for orders owned by an algo so
// the algo runtime can react without the order book importing it.
type AlgoNotifier interface {
	OnConfirmation(cm *otype.Confirmation)
}

// PositionNotifier receives confirmations so position accounting can
// update PnL.
type PositionNotifier interface {
	OnConfirmation(cm *otype.Confirmation)
}

// ClientNotifier receives every confirmation for live push out to
// subscribed frontend sessions (the "Order"/"order" out tag).
type ClientNotifier interface {
	OnConfirmation(cm *otype.Confirmation)
}

// CrossNotifier receives real-market fills so the cross engine can
// reconcile them against any resting cross order on the same side.
type CrossNotifier interface {
	UpdateTrade(ord *otype.Order, lastShares float64)
}

// OrderBook is the process-wide authoritative order map.
type OrderBook struct {
	logger *slog.Logger

	idCounter atomic.Int64

	mu      sync.Mutex // single global write lock for confirmation handling
	orders  map[int64]*otype.Order
	execIDs map[execKey]struct{}

	journal *Journal

	algoNotifier     AlgoNotifier
	positionNotifier PositionNotifier
	clientNotifier   ClientNotifier
	crossNotifier    CrossNotifier
}

// New constructs an OrderBook backed by an already-open Journal; the
// id high-water mark recovered from the journal seeds the allocator
// so restarts never reissue an id.
func New(logger *slog.Logger, journal *Journal, idHighWater uint32) *OrderBook {
	if logger == nil {
		logger = slog.Default()
	}
	ob := &OrderBook{
		logger:  logger.With("component", "orderbook"),
		orders:  make(map[int64]*otype.Order),
		execIDs: make(map[execKey]struct{}),
		journal: journal,
	}
	ob.idCounter.Store(int64(idHighWater))
	return ob
}

// SetNotifiers wires the algo runtime and position accounting after
// construction, avoiding an import cycle through the composition root.
func (ob *OrderBook) SetNotifiers(algo AlgoNotifier, pos PositionNotifier) {
	ob.algoNotifier = algo
	ob.positionNotifier = pos
}

// SetClientNotifier wires the frontend session hub in, same
// after-construction pattern as SetNotifiers.
func (ob *OrderBook) SetClientNotifier(c ClientNotifier) {
	ob.clientNotifier = c
}

// SetCrossNotifier wires the cross engine in, same pattern.
func (ob *OrderBook) SetCrossNotifier(c CrossNotifier) {
	ob.crossNotifier = c
}

// NewOrderID allocates the next order id. Monotone across restarts:
// no later call ever returns the same or a smaller value than a prior
// one, because the allocator seeds from the journal's recovered
// high-water mark at startup.
func (ob *OrderBook) NewOrderID() int64 {
	return ob.idCounter.Add(1)
}

// Insert registers a newly placed order so future confirmations can
// resolve it by id.
func (ob *OrderBook) Insert(ord *otype.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.orders[ord.ID] = ord
}

// Get looks up a live or terminal order by id.
func (ob *OrderBook) Get(id int64) (*otype.Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	o, ok := ob.orders[id]
	return o, ok
}

// IsDupExecID reports whether (orderID, execID) has already been
// applied, inserting it if not. Duplicate inserts are dropped by the
// caller with a warning.
func (ob *OrderBook) IsDupExecID(orderID int64, execID string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	k := execKey{orderID, execID}
	if _, ok := ob.execIDs[k]; ok {
		return true
	}
	ob.execIDs[k] = struct{}{}
	return false
}

// journalPayload is the JSON body written for every confirmation.
// Only the envelope is fixed binary; keeping the body JSON makes the
// journal greppable during an incident.
type journalPayload struct {
	ExecID        string            `json:"exec_id,omitempty"`
	Text          string            `json:"text,omitempty"`
	ExecType      string            `json:"exec_type"`
	ExecTransType int               `json:"exec_trans_type,omitempty"`
	LastShares    float64           `json:"last_shares,omitempty"`
	LastPx        float64           `json:"last_px,omitempty"`
	TransactionTm time.Time         `json:"tm"`
	Misc          map[string]string `json:"misc,omitempty"`
}

// Handle applies a confirmation to its referenced order under the
// single global write lock, journals it, and fans out to the algo
// runtime and position accounting. A confirmation with a nil order
// reference or an already-applied (dup exec id) fill is dropped; an
// order not yet in the book is registered on its first confirmation.
func (ob *OrderBook) Handle(cm *otype.Confirmation) {
	if cm.Order == nil {
		ob.logger.Debug("confirmation with nil order reference, ignored")
		return
	}
	isFill := cm.ExecType == otype.PartiallyFilled || cm.ExecType == otype.Filled
	if isFill && cm.ExecID != "" {
		if ob.IsDupExecID(cm.Order.ID, cm.ExecID) {
			ob.logger.Debug("duplicate exec id, ignored", "exec_id", cm.ExecID, "order_id", cm.Order.ID)
			return
		}
	}

	ob.mu.Lock()
	ord := cm.Order
	if ord.ID != 0 {
		// first sight of an order (algo-placed, OTC) registers it; the
		// map write is idempotent for orders already inserted up front.
		ob.orders[ord.ID] = ord
	}
	ob.applyConfirmation(ord, cm)
	ob.mu.Unlock()

	ob.journalConfirmation(ord, cm)

	if ob.algoNotifier != nil && ord.AlgoID != 0 {
		ob.algoNotifier.OnConfirmation(cm)
	}
	if ob.positionNotifier != nil {
		ob.positionNotifier.OnConfirmation(cm)
	}
	if ob.clientNotifier != nil {
		ob.clientNotifier.OnConfirmation(cm)
	}
	if ob.crossNotifier != nil && isFill && cm.ExecTransType != otype.TransCancel && ord.Type != otype.CX {
		ob.crossNotifier.UpdateTrade(ord, cm.LastShares)
	}
}

// applyConfirmation mutates Order state. Caller holds ob.mu.
func (ob *OrderBook) applyConfirmation(ord *otype.Order, cm *otype.Confirmation) {
	switch cm.ExecType {
	case otype.Canceled, otype.CancelRejected:
		if !ord.IsLive() {
			// a cancel race: the order already reached a terminal state
			// (e.g. filled) before this late-arriving cancel ack showed up.
			// Drop it rather than let it clobber the real outcome.
			ob.logger.Debug("cancel confirmation for non-live order, ignored", "order_id", ord.ID, "status", ord.Status)
			return
		}
		ord.Status = cm.ExecType
	case otype.UnconfirmedNew, otype.PendingNew, otype.New, otype.Suspended,
		otype.UnconfirmedCancel, otype.PendingCancel,
		otype.Rejected, otype.RiskRejected:
		ord.Status = cm.ExecType
		if cm.OrderID != "" {
			// broker-assigned order id text is carried in Confirmation.OrderID;
			// the core's own numeric id (ord.ID) never changes.
			_ = cm.OrderID
		}
	case otype.PartiallyFilled, otype.Filled:
		if cm.LastShares <= 0 || cm.LastPx <= 0 {
			ob.logger.Debug("invalid fill confirmation, ignored", "order_id", ord.ID, "qty", cm.LastShares, "price", cm.LastPx)
			return
		}
		if cm.ExecTransType == otype.TransCancel {
			// cancel-bust: reverse a prior fill's effect on cum_qty instead
			// of compounding it.
			ord.CumQty -= cm.LastShares
			if ord.CumQty < 0 {
				ord.CumQty = 0
			}
		} else {
			ord.CumQty += cm.LastShares
			if ord.CumQty > 0 {
				ord.AvgPx = ((ord.AvgPx * (ord.CumQty - cm.LastShares)) + cm.LastPx*cm.LastShares) / ord.CumQty
			}
		}
		ord.LeavesQty = ord.Qty - ord.CumQty
		if ord.LeavesQty < 0 {
			ord.LeavesQty = 0
		}
		if ord.LeavesQty <= 1e-9 {
			ord.Status = otype.Filled
		} else {
			ord.Status = otype.PartiallyFilled
		}
	}
}

func (ob *OrderBook) journalConfirmation(ord *otype.Order, cm *otype.Confirmation) {
	tm := cm.TransactionTime
	if tm.IsZero() {
		tm = time.Now().UTC()
	}
	payload := journalPayload{
		ExecID:        cm.ExecID,
		Text:          cm.Text,
		ExecType:      cm.ExecType.String(),
		ExecTransType: int(cm.ExecTransType),
		LastShares:    cm.LastShares,
		LastPx:        cm.LastPx,
		TransactionTm: tm,
		Misc:          cm.Misc,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		ob.logger.Error("marshal journal payload failed", "error", err)
		return
	}
	var userID uint16
	if ord.User != nil {
		userID = uint16(ord.User.ID)
	}
	if _, err := ob.journal.Append(userID, uint32(ord.ID), body); err != nil {
		ob.logger.Error("journal append failed", "error", err, "order_id", ord.ID)
	}
}

// LoadPreviousExecIDs replays the journal from seq 0 and repopulates
// the exec-id dedup set, so late replays of previous-session fills
// across a restart are still recognized as duplicates.
func (ob *OrderBook) LoadPreviousExecIDs() error {
	return ob.journal.Replay(0, func(rec Record) error {
		var p journalPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("orderbook: decode journal record seq=%d: %w", rec.Seq, err)
		}
		if p.ExecID == "" {
			return nil
		}
		ob.mu.Lock()
		ob.execIDs[execKey{int64(rec.OrderID), p.ExecID}] = struct{}{}
		ob.mu.Unlock()
		return nil
	})
}

// ReplayRecord is one journal record translated back for a client's
// offline replay request.
type ReplayRecord struct {
	Seq     uint32
	OrderID int64
	UserID  int32
	Payload json.RawMessage
}

// Replay yields every journaled record with seq >= fromSeq whose user
// matches requestingUser (or requestingUser is an admin). It never
// mutates live state.
func (ob *OrderBook) Replay(fromSeq uint32, requestingUser *otype.User, yield func(ReplayRecord) error) error {
	return ob.journal.Replay(fromSeq, func(rec Record) error {
		if requestingUser != nil && !requestingUser.IsAdmin && int32(rec.UserID) != requestingUser.ID {
			return nil
		}
		return yield(ReplayRecord{
			Seq:     rec.Seq,
			OrderID: int64(rec.OrderID),
			UserID:  int32(rec.UserID),
			Payload: json.RawMessage(rec.Payload),
		})
	})
}

// GetOrders returns every live order currently in the book, optionally
// filtered to a status.
func (ob *OrderBook) GetOrders(status otype.OrderStatus, filterByStatus bool) []*otype.Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	out := make([]*otype.Order, 0, len(ob.orders))
	for _, o := range ob.orders {
		if filterByStatus && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	return out
}
