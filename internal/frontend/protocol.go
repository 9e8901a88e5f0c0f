// Package frontend is the client-protocol server (the dashboard/UI
// surface): a tag-first JSON-array wire protocol over WebSocket
// carrying login, securities, sub/unsub, md, order, algo, position,
// pnl, target, offline, and shutdown.
package frontend

import "encoding/json"

// inMessage is a tag-first JSON array: ["tag", arg1, arg2, ...]. The
// core never trusts client-declared types beyond the tag; every
// handler decodes its own argument shape off Args.
type inMessage struct {
	Tag  string
	Args []json.RawMessage
}

func (m *inMessage) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return errEmptyMessage
	}
	var tag string
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return err
	}
	m.Tag = tag
	m.Args = raw[1:]
	return nil
}

var errEmptyMessage = jsonError("frontend: empty message")

type jsonError string

func (e jsonError) Error() string { return string(e) }

// outMessage mirrors inMessage for the reply direction: marshals as a
// plain JSON array with the tag first.
func outMessage(tag string, args ...interface{}) []byte {
	arr := make([]interface{}, 0, len(args)+1)
	arr = append(arr, tag)
	arr = append(arr, args...)
	b, err := json.Marshal(arr)
	if err != nil {
		return []byte(`["error","marshal failed"]`)
	}
	return b
}

// securityView is the catalog dump shape for the "securities" tag.
type securityView struct {
	ID         int32   `json:"id"`
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	LotSize    float64 `json:"lot_size"`
	TickSize   float64 `json:"tick_size"`
	ClosePrice float64 `json:"close_price"`
}

// mdDelta is one security's market-data push for the "md" out tag,
// keyed o,h,l,c,q,v,V plus the per-side top-of-book fields.
type mdDelta struct {
	SecID int32   `json:"sec_id"`
	O     float64 `json:"o"`
	H     float64 `json:"h"`
	L     float64 `json:"l"`
	C     float64 `json:"c"`
	Q     float64 `json:"q"`
	V     float64 `json:"v"`
	VW    float64 `json:"V"`
	Bid   float64 `json:"b0"`
	Ask   float64 `json:"a0"`
	BidSz float64 `json:"B0"`
	AskSz float64 `json:"A0"`
}

// orderView is the shape pushed for the "Order"/"order" out tag and
// the "order" submit request's echo.
type orderView struct {
	ID       int64   `json:"id"`
	SecID    int32   `json:"sec_id"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	TIF      string  `json:"tif"`
	Qty      float64 `json:"qty"`
	Price    float64 `json:"px"`
	StopPx   float64 `json:"stop_px"`
	Status   string  `json:"status"`
	CumQty   float64 `json:"cum_qty"`
	LeavesQty float64 `json:"leaves_qty"`
	AvgPx    float64 `json:"avg_px"`
	Text     string  `json:"text,omitempty"`
}

// algoEventView is the shape pushed for "Algo"/"algo":
// [tag, seq, id, tm, token, name, status, body].
type algoEventView struct {
	Seq    uint32          `json:"seq"`
	ID     uint32          `json:"id"`
	Tm     string          `json:"tm"`
	Token  string          `json:"token"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// positionView is one (account, security) row for the "position" tag.
type positionView struct {
	SecID         int32   `json:"sec_id"`
	Qty           float64 `json:"qty"`
	AvgPx         float64 `json:"avg_px"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Commission    float64 `json:"commission"`
}

// pnlView is one tick of the "pnl"/"Pnl" push.
type pnlView struct {
	SubAccountID int32   `json:"sub_account_id"`
	Tm           string  `json:"tm"`
	Unrealized   float64 `json:"unrealized"`
	Commission   float64 `json:"commission"`
	Realized     float64 `json:"realized"`
}
