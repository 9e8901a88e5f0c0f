// Package backtest replays a recorded tick file through the same
// market-data and exchange-connectivity seams a live adapter uses: a
// single adapter plays both roles, matching active limit orders
// against trade prints and filling immediately against the current
// quote for market orders.
package backtest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"opentrade-go/internal/marketdata"
	"opentrade-go/pkg/otype"
)

// Confirmer receives exec reports the way internal/orderbook.OrderBook
// does — its Handle method satisfies this structurally, so Adapter
// never imports the orderbook package.
type Confirmer interface {
	Handle(cm *otype.Confirmation)
}

const Source otype.DataSrc = "BACKTEST"

type activeOrder struct {
	ord   *otype.Order
	leave float64
}

// Adapter is a dispatch.Adapter and a tick-file driven market-data
// feed in one: Run drives both market data and order matching off the
// same clock in a single-threaded replay loop.
type Adapter struct {
	name      string
	md        *marketdata.Store
	confirmer Confirmer
	logger    *slog.Logger

	mu     sync.Mutex
	active map[int32]map[int64]*activeOrder // sec id -> order id -> order
}

// New builds a backtest adapter. md receives every tick as if it came
// from a live feed (Source); confirmer receives every exec report a
// matched order produces.
func New(md *marketdata.Store, confirmer Confirmer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:      "backtest",
		md:        md,
		confirmer: confirmer,
		logger:    logger.With("component", "backtest"),
		active:    make(map[int32]map[int64]*activeOrder),
	}
}

func (a *Adapter) Name() string    { return a.name }
func (a *Adapter) Connected() bool { return true }

// Place registers a limit order for matching against future trade
// prints, or fills a market order immediately against the current
// quote.
func (a *Adapter) Place(ctx context.Context, ord *otype.Order) error {
	if ord.Qty <= 0 {
		a.reject(ord, "invalid order qty")
		return fmt.Errorf("backtest: invalid order qty")
	}
	if ord.Type != otype.Market && ord.Price <= 0 {
		a.reject(ord, "invalid price")
		return fmt.Errorf("backtest: invalid price")
	}

	if ord.Type == otype.Market {
		md, _, ok := a.md.Get(Source, ord.Sec.ID)
		if !ok {
			a.reject(ord, "no quote")
			return fmt.Errorf("backtest: no quote for market order")
		}
		qtyAvail, px := md.Quote.AskSize, md.Quote.AskPrice
		if ord.Side != otype.Buy {
			qtyAvail, px = md.Quote.BidSize, md.Quote.BidPrice
		}
		if qtyAvail <= 0 || px <= 0 {
			a.reject(ord, "no quote")
			return fmt.Errorf("backtest: no quote for market order")
		}
		a.confirm(ord, otype.New, "", time.Now().UTC())
		fillQty := qtyAvail
		if fillQty > ord.Qty {
			fillQty = ord.Qty
		}
		a.fill(ord, fillQty, px)
		if fillQty >= ord.Qty {
			return nil
		}
		ord.Qty -= fillQty
	} else {
		a.confirm(ord, otype.New, "", time.Now().UTC())
	}

	a.mu.Lock()
	if a.active[ord.Sec.ID] == nil {
		a.active[ord.Sec.ID] = make(map[int64]*activeOrder)
	}
	a.active[ord.Sec.ID][ord.ID] = &activeOrder{ord: ord, leave: ord.Qty}
	a.mu.Unlock()
	return nil
}

// Cancel removes a resting order by the cancel's OrigID.
func (a *Adapter) Cancel(ctx context.Context, ord *otype.Order) error {
	a.mu.Lock()
	bySec := a.active[ord.Sec.ID]
	_, ok := bySec[ord.OrigID]
	if ok {
		delete(bySec, ord.OrigID)
	}
	a.mu.Unlock()
	if !ok {
		a.confirm(ord, otype.CancelRejected, "inactive", time.Now().UTC())
		return fmt.Errorf("backtest: order %d inactive", ord.OrigID)
	}
	a.confirm(ord, otype.Canceled, "", time.Now().UTC())
	return nil
}

func (a *Adapter) reject(ord *otype.Order, reason string) {
	a.confirm(ord, otype.Rejected, reason, time.Now().UTC())
}

func (a *Adapter) confirm(ord *otype.Order, status otype.OrderStatus, text string, tm time.Time) {
	a.confirmer.Handle(&otype.Confirmation{
		Order: ord, ExecType: status, ExecTransType: otype.TransNew,
		Text: text, TransactionTime: tm,
	})
}

func (a *Adapter) fill(ord *otype.Order, qty, price float64) {
	leaves := ord.LeavesQty - qty
	status := otype.Filled
	if leaves > 1e-9 {
		status = otype.PartiallyFilled
	}
	a.confirmer.Handle(&otype.Confirmation{
		Order: ord, ExecType: status, ExecTransType: otype.TransNew,
		LastShares: qty, LastPx: price, LeavesQty: leaves,
		ExecID:          fmt.Sprintf("BT-%d-%d", ord.ID, time.Now().UnixNano()),
		TransactionTime: time.Now().UTC(),
	})
}

// tick is one parsed line of a tick file: "unix_ts,sec_id,type,px,qty"
// where type is 'T' (trade), 'B' (bid quote), or 'A' (ask quote).
type tick struct {
	ts    time.Time
	secID int32
	kind  byte
	px    float64
	qty   float64
}

func parseTick(line string) (tick, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return tick{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	unixTs, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return tick{}, fmt.Errorf("timestamp: %w", err)
	}
	secID64, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 32)
	if err != nil {
		return tick{}, fmt.Errorf("sec id: %w", err)
	}
	kind := strings.TrimSpace(fields[2])
	if len(kind) != 1 {
		return tick{}, fmt.Errorf("type must be one character, got %q", kind)
	}
	px, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return tick{}, fmt.Errorf("price: %w", err)
	}
	qty, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil {
		return tick{}, fmt.Errorf("qty: %w", err)
	}
	return tick{ts: time.Unix(unixTs, 0).UTC(), secID: int32(secID64), kind: kind[0], px: px, qty: qty}, nil
}

// Run drives the tick file's trade/quote prints into md (feeding the
// matcher above trade by trade) and into every still-active order,
// restricted to [start, end) if either is non-zero. It never runs
// concurrently with itself; a backtest is one pass over one file.
func (a *Adapter) Run(ctx context.Context, path string, start, end time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backtest: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := parseTick(line)
		if err != nil {
			a.logger.Warn("skipping malformed tick line", "line", lineNo, "error", err)
			continue
		}
		if !start.IsZero() && t.ts.Before(start) {
			continue
		}
		if !end.IsZero() && !t.ts.Before(end) {
			break
		}
		a.applyTick(t)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("backtest: scan %s: %w", path, err)
	}
	return nil
}

func (a *Adapter) applyTick(t tick) {
	switch t.kind {
	case 'T':
		a.md.OnTrade(Source, t.secID, t.px, t.qty, t.ts)
		a.matchTrade(t)
	case 'B':
		a.updateQuoteSide(t, true)
	case 'A':
		a.updateQuoteSide(t, false)
	}
}

func (a *Adapter) updateQuoteSide(t tick, isBid bool) {
	md, _, _ := a.md.Get(Source, t.secID)
	q := md.Quote
	if isBid {
		q.BidPrice, q.BidSize = t.px, t.qty
	} else {
		q.AskPrice, q.AskSize = t.px, t.qty
	}
	a.md.OnQuote(Source, t.secID, q, t.ts)
}

// matchTrade fills resting orders whose limit price crosses t.px. Map
// iteration order makes fill order among same-priced resters
// unspecified; a backtest matcher doesn't need strict time priority
// within one print.
func (a *Adapter) matchTrade(t tick) {
	a.mu.Lock()
	bySec := a.active[t.secID]
	if len(bySec) == 0 {
		a.mu.Unlock()
		return
	}
	size := t.qty
	var filled []*activeOrder
	for _, ao := range bySec {
		if size <= 0 {
			break
		}
		crosses := (ao.ord.Side == otype.Buy && t.px <= ao.ord.Price) ||
			(ao.ord.Side != otype.Buy && t.px >= ao.ord.Price)
		if !crosses {
			continue
		}
		n := size
		if ao.leave < n {
			n = ao.leave
		}
		ao.leave -= n
		size -= n
		filled = append(filled, &activeOrder{ord: ao.ord, leave: n})
		if ao.leave <= 1e-9 {
			delete(bySec, ao.ord.ID)
		}
	}
	a.mu.Unlock()

	for _, f := range filled {
		a.fill(f.ord, f.leave, t.px)
	}
}
