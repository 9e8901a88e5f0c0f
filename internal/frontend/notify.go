package frontend

import (
	"encoding/json"
	"time"

	"opentrade-go/internal/marketdata"
	"opentrade-go/pkg/otype"
)

// Notify implements internal/marketdata.Notifier: a dirty (source,
// security) pair is turned into an "md" push for every session
// subscribed to that security. The hub re-reads the store itself
// rather than trust a pushed snapshot, the same "read back on dirty"
// shape the algo shard uses for its own dirty-set drain.
func (h *hub) Notify(src otype.DataSrc, secID int32) {
	h.mu.RLock()
	empty := len(h.sessions) == 0
	h.mu.RUnlock()
	if empty || h.md == nil {
		return
	}
	md, _, ok := h.md.Get(src, secID)
	if !ok {
		return
	}
	h.pushToSecSubscribers(secID, outMessage("md", mdDelta{
		SecID: secID,
		O:     md.Trade.Open, H: md.Trade.High, L: md.Trade.Low, C: md.Trade.Close,
		Q: md.Trade.Qty, V: md.Trade.Volume, VW: md.Trade.VWAP,
		Bid: md.Quote.BidPrice, Ask: md.Quote.AskPrice, BidSz: md.Quote.BidSize, AskSz: md.Quote.AskSize,
	}))
}

// SetMarketData wires the store the hub reads back from on a dirty
// notification; separate from construction to avoid an import-order
// dependency in the composition root.
func (h *hub) SetMarketData(md *marketdata.Store) {
	h.md = md
}

// OnConfirmation implements internal/orderbook.ClientNotifier: every
// order confirmation is pushed to the order's owning user, and to any
// admin session, as an "Order" event.
func (h *hub) OnConfirmation(cm *otype.Confirmation) {
	if cm.Order == nil || cm.Order.User == nil {
		return
	}
	h.pushToOrderOwner(cm.Order.User.ID, outMessage("Order", orderViewOf(cm.Order)))
}

// OnAlgoEvent implements internal/algo.EventNotifier: every journaled
// algo lifecycle record is pushed live to its owning user and to any
// admin session.
func (h *hub) OnAlgoEvent(seq uint32, algoID uint32, userID uint16, status, name string, params json.RawMessage) {
	h.pushToAlgoSubscribers(int32(userID), outMessage("Algo", algoEventView{
		Seq: seq, ID: algoID, Tm: time.Now().UTC().Format(time.RFC3339Nano),
		Name: name, Status: status, Body: params,
	}))
}
