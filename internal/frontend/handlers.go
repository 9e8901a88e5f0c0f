package frontend

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"opentrade-go/internal/algo"
	"opentrade-go/internal/cross"
	"opentrade-go/internal/dispatch"
	"opentrade-go/internal/orderbook"
	"opentrade-go/internal/position"
	"opentrade-go/internal/refdata"
	"opentrade-go/internal/risk"
	"opentrade-go/pkg/otype"
)

// Deps is everything a handler needs from the composition root,
// narrowed to the exact surface the client protocol exercises rather
// than the whole runtime.
type Deps struct {
	Catalog   *refdata.Catalog
	OrderBook *orderbook.OrderBook
	Dispatch  *dispatch.Manager
	AlgoMgr   *algo.Manager
	Position  *position.Manager
	Targets   *position.Targets
	Cross     *cross.Engine
	Shutdown  func(seconds, intervalSeconds int)

	// SubscribeFeed propagates a client's market-data interest to the
	// upstream feed adapters, so a security nobody has asked for yet
	// starts ticking. Optional; session-level push filtering works
	// without it.
	SubscribeFeed func(secID int32)
}

type handlers struct {
	deps   Deps
	hub    *hub
	logger *slog.Logger
}

func newHandlers(deps Deps, h *hub, logger *slog.Logger) *handlers {
	return &handlers{deps: deps, hub: h, logger: logger.With("component", "frontend-handlers")}
}

func (h *handlers) handle(s *session, msg inMessage) {
	switch msg.Tag {
	case "login":
		h.login(s, msg.Args)
	case "securities":
		h.securities(s)
	case "sub":
		h.subscribe(s, msg.Args, true)
	case "unsub":
		h.subscribe(s, msg.Args, false)
	case "order":
		h.order(s, msg.Args)
	case "algo":
		h.algo(s, msg.Args)
	case "position":
		h.position(s, msg.Args)
	case "pnl":
		h.pnl(s, msg.Args)
	case "target":
		h.target(s, msg.Args)
	case "offline":
		h.offline(s, msg.Args)
	case "shutdown":
		h.shutdown(s, msg.Args)
	default:
		s.deliver(outMessage("error", fmt.Sprintf("unknown tag %q", msg.Tag)))
	}
}

// login handles `[tag, user, sha1(pwd)]`: session establishment.
func (h *handlers) login(s *session, args []json.RawMessage) {
	var name, digest string
	if len(args) < 2 || json.Unmarshal(args[0], &name) != nil || json.Unmarshal(args[1], &digest) != nil {
		s.deliver(outMessage("login", false, "malformed login"))
		return
	}
	u, ok := h.deps.Catalog.UserByName(name)
	if !ok || u.IsDisabled {
		s.deliver(outMessage("login", false, "invalid credentials"))
		return
	}
	if u.PasswordSHA1 != "" && digest != u.PasswordSHA1 {
		s.deliver(outMessage("login", false, "invalid credentials"))
		return
	}
	s.setUser(u)
	s.deliver(outMessage("login", true, u.Name))
}

// sha1Hex is the digest helper a frontend test client would use to
// build a login request's second argument; kept here as the single
// place the core names the client protocol's hash algorithm.
func sha1Hex(pwd string) string {
	sum := sha1.Sum([]byte(pwd))
	return hex.EncodeToString(sum[:])
}

func (h *handlers) requireLogin(s *session) (*otype.User, bool) {
	u := s.loggedInUser()
	if u == nil {
		s.deliver(outMessage("error", "not logged in"))
		return nil, false
	}
	return u, true
}

// securities handles the catalog dump request/push.
func (h *handlers) securities(s *session) {
	if _, ok := h.requireLogin(s); !ok {
		return
	}
	snap := h.deps.Catalog.Snapshot()
	out := make([]securityView, 0, len(snap.Securities))
	for _, sec := range snap.Securities {
		exch := ""
		if sec.Exchange != nil {
			exch = sec.Exchange.Name
		}
		out = append(out, securityView{
			ID: sec.ID, Symbol: sec.Symbol, Exchange: exch,
			LotSize: sec.LotSize, TickSize: sec.TickSize, ClosePrice: sec.ClosePrice,
		})
	}
	s.deliver(outMessage("securities", out))
}

// subscribe handles `sub`/`unsub`: `[tag, sec_id...]`.
func (h *handlers) subscribe(s *session, args []json.RawMessage, on bool) {
	if _, ok := h.requireLogin(s); !ok {
		return
	}
	for _, raw := range args {
		var secID int32
		if json.Unmarshal(raw, &secID) != nil {
			continue
		}
		if _, ok := h.deps.Catalog.Security(secID); !ok {
			continue
		}
		s.setSecSub(secID, on)
		if on && h.deps.SubscribeFeed != nil {
			h.deps.SubscribeFeed(secID)
		}
	}
}

// order handles `[tag, sec_id, acc, side, type, tif, qty, px, stop_px]`.
func (h *handlers) order(s *session, args []json.RawMessage) {
	u, ok := h.requireLogin(s)
	if !ok {
		return
	}
	if len(args) < 8 {
		s.deliver(outMessage("order", "malformed order request"))
		return
	}
	var secID, subAccID int32
	var sideS, typeS, tifS string
	var qty, px, stopPx float64
	fields := []struct {
		dst interface{}
	}{
		{&secID}, {&subAccID}, {&sideS}, {&typeS}, {&tifS}, {&qty}, {&px}, {&stopPx},
	}
	for i, f := range fields {
		if err := json.Unmarshal(args[i], f.dst); err != nil {
			s.deliver(outMessage("order", fmt.Sprintf("bad field %d: %v", i, err)))
			return
		}
	}

	sec, ok := h.deps.Catalog.Security(secID)
	if !ok {
		s.deliver(outMessage("order", "unknown security"))
		return
	}
	sub, ok := h.deps.Catalog.SubAccount(subAccID)
	if !ok {
		s.deliver(outMessage("order", "unknown sub account"))
		return
	}
	side, err := parseSide(sideS)
	if err != nil {
		s.deliver(outMessage("order", err.Error()))
		return
	}
	typ, err := parseType(typeS)
	if err != nil {
		s.deliver(outMessage("order", err.Error()))
		return
	}
	tif, err := parseTIF(tifS)
	if err != nil {
		s.deliver(outMessage("order", err.Error()))
		return
	}

	ord := &otype.Order{
		Contract: otype.Contract{
			Qty: qty, Price: px, StopPrice: stopPx,
			Sec: sec, SubAccount: sub, Side: side, Type: typ, TIF: tif,
		},
		ID:   h.deps.OrderBook.NewOrderID(),
		User: u,
	}
	h.deps.OrderBook.Insert(ord)

	if typ == otype.CX && h.deps.Cross != nil {
		// internal cross orders never reach a broker: they rest in the
		// cross book until an opposite-side order matches them at the
		// reference price.
		ord.Status = otype.New
		ord.LeavesQty = qty
		h.deps.Cross.Place(ord)
		s.deliver(outMessage("order", orderViewOf(ord)))
		return
	}

	if err := h.deps.Dispatch.Place(context.Background(), ord); err != nil {
		s.deliver(outMessage("order", orderViewOf(ord), err.Error()))
		return
	}
	s.deliver(outMessage("order", orderViewOf(ord)))
}

// algo handles `["algo","new"|"cancel"|"modify"|"test", name, token, params]`.
// "new" builds the named strategy through the manager's factory
// registry; "test" dry-runs the factory without spawning, so a client
// can validate a parameter set cheaply.
func (h *handlers) algo(s *session, args []json.RawMessage) {
	u, ok := h.requireLogin(s)
	if !ok {
		return
	}
	if len(args) < 1 {
		s.deliver(outMessage("algo", "malformed algo request"))
		return
	}
	var action, name, token string
	if json.Unmarshal(args[0], &action) != nil {
		s.deliver(outMessage("algo", "malformed action"))
		return
	}
	if len(args) >= 2 {
		json.Unmarshal(args[1], &name)
	}
	if len(args) >= 3 {
		json.Unmarshal(args[2], &token)
	}
	var params algo.ParamMap
	if len(args) >= 4 {
		json.Unmarshal(args[3], &params)
	}

	switch action {
	case "new":
		id, err := h.deps.AlgoMgr.SpawnByName(name, u, token, params)
		if err != nil {
			s.deliver(outMessage("algo", err.Error()))
			return
		}
		s.deliver(outMessage("algo", "ok", id))
	case "cancel", "stop":
		id, found := h.deps.AlgoMgr.GetByToken(token)
		if !found {
			s.deliver(outMessage("algo", "unknown token"))
			return
		}
		h.deps.AlgoMgr.Stop(id)
		s.deliver(outMessage("algo", "ok"))
	case "modify":
		id, found := h.deps.AlgoMgr.GetByToken(token)
		if !found {
			s.deliver(outMessage("algo", "unknown token"))
			return
		}
		h.deps.AlgoMgr.Modify(id, params)
		s.deliver(outMessage("algo", "ok"))
	case "test":
		if err := h.deps.AlgoMgr.TestByName(name, u, params); err != nil {
			s.deliver(outMessage("algo", err.Error()))
			return
		}
		s.deliver(outMessage("algo", "ok"))
	default:
		s.deliver(outMessage("algo", fmt.Sprintf("unsupported action %q", action)))
	}
}

// position handles position snapshot query/response.
func (h *handlers) position(s *session, args []json.RawMessage) {
	u, ok := h.requireLogin(s)
	if !ok {
		return
	}
	var subAccID, secID int32
	if len(args) >= 1 {
		json.Unmarshal(args[0], &subAccID)
	}
	if len(args) >= 2 {
		json.Unmarshal(args[1], &secID)
	}
	if u.GetSubAccount(subAccID) == nil && !u.IsAdmin {
		s.deliver(outMessage("position", "not permissioned"))
		return
	}
	pos := h.deps.Position.Get(risk.LevelSubAccount, subAccID, secID)
	s.deliver(outMessage("position", positionView{
		SecID: secID, Qty: pos.Qty, AvgPx: pos.AvgPx,
		RealizedPnL: pos.RealizedPnL, UnrealizedPnL: pos.UnrealizedPnL, Commission: pos.Commission,
	}))
}

// pnl handles `[tag, sub_account_id, on]`: time-series subscribe/unsubscribe.
func (h *handlers) pnl(s *session, args []json.RawMessage) {
	if _, ok := h.requireLogin(s); !ok {
		return
	}
	var subAccID int32
	on := true
	if len(args) >= 1 {
		json.Unmarshal(args[0], &subAccID)
	}
	if len(args) >= 2 {
		json.Unmarshal(args[1], &on)
	}
	s.setPnlSub(subAccID, on)
}

// target handles target positions get/set for a sub-account.
func (h *handlers) target(s *session, args []json.RawMessage) {
	u, ok := h.requireLogin(s)
	if !ok {
		return
	}
	if len(args) < 1 {
		s.deliver(outMessage("target", "malformed target request"))
		return
	}
	var subAccID int32
	if json.Unmarshal(args[0], &subAccID) != nil {
		s.deliver(outMessage("target", "malformed sub_account_id"))
		return
	}
	if u.GetSubAccount(subAccID) == nil && !u.IsAdmin {
		s.deliver(outMessage("target", "not permissioned"))
		return
	}
	if len(args) >= 2 {
		var targets map[int32]float64
		if err := json.Unmarshal(args[1], &targets); err != nil {
			s.deliver(outMessage("target", "malformed targets"))
			return
		}
		if err := h.deps.Targets.SetTargets(subAccID, targets); err != nil {
			s.deliver(outMessage("target", err.Error()))
			return
		}
	}
	s.deliver(outMessage("target", h.deps.Targets.GetTargets(subAccID)))
}

// offline handles `[tag, seq_confirm, seq_algo]`: journal replay.
func (h *handlers) offline(s *session, args []json.RawMessage) {
	u, ok := h.requireLogin(s)
	if !ok {
		return
	}
	var seqConfirm, seqAlgo uint32
	if len(args) >= 1 {
		json.Unmarshal(args[0], &seqConfirm)
	}
	if len(args) >= 2 {
		json.Unmarshal(args[1], &seqAlgo)
	}
	h.deps.OrderBook.Replay(seqConfirm, u, func(rec orderbook.ReplayRecord) error {
		s.deliver(outMessage("order", json.RawMessage(rec.Payload)))
		return nil
	})
	h.deps.AlgoMgr.Replay(seqAlgo, u, func(rec algo.AlgoReplayRecord) error {
		s.deliver(outMessage("Algo", algoEventView{
			Seq: rec.Seq, ID: rec.AlgoID, Token: "", Name: rec.Name, Status: rec.Status, Body: rec.Params,
		}))
		return nil
	})
	s.deliver(outMessage("offline", "done"))
}

// shutdown handles `[tag, seconds, interval]`: graceful shutdown (admin only).
func (h *handlers) shutdown(s *session, args []json.RawMessage) {
	u, ok := h.requireLogin(s)
	if !ok {
		return
	}
	if !u.IsAdmin {
		s.deliver(outMessage("shutdown", "admin only"))
		return
	}
	var seconds, interval int
	if len(args) >= 1 {
		json.Unmarshal(args[0], &seconds)
	}
	if len(args) >= 2 {
		json.Unmarshal(args[1], &interval)
	}
	if h.deps.Shutdown != nil {
		go h.deps.Shutdown(seconds, interval)
	}
	s.deliver(outMessage("shutdown", "acknowledged"))
}

func orderViewOf(ord *otype.Order) orderView {
	return orderView{
		ID: ord.ID, SecID: ord.Sec.ID, Side: ord.Side.String(), TIF: tifString(ord.TIF),
		Type: typeString(ord.Type), Qty: ord.Qty, Price: ord.Price, StopPx: ord.StopPrice,
		Status: ord.Status.String(), CumQty: ord.CumQty, LeavesQty: ord.LeavesQty, AvgPx: ord.AvgPx,
	}
}

func parseSide(s string) (otype.OrderSide, error) {
	switch s {
	case "buy":
		return otype.Buy, nil
	case "sell":
		return otype.Sell, nil
	case "short":
		return otype.Short, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

func parseType(s string) (otype.OrderType, error) {
	switch s {
	case "market":
		return otype.Market, nil
	case "limit":
		return otype.Limit, nil
	case "stop":
		return otype.Stop, nil
	case "stop_limit":
		return otype.StopLimit, nil
	case "otc":
		return otype.OTC, nil
	case "cx":
		return otype.CX, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", s)
	}
}

func typeString(t otype.OrderType) string {
	switch t {
	case otype.Market:
		return "market"
	case otype.Limit:
		return "limit"
	case otype.Stop:
		return "stop"
	case otype.StopLimit:
		return "stop_limit"
	case otype.OTC:
		return "otc"
	case otype.CX:
		return "cx"
	default:
		return "unknown"
	}
}

func parseTIF(s string) (otype.TimeInForce, error) {
	switch s {
	case "day":
		return otype.DAY, nil
	case "gtc":
		return otype.GTC, nil
	case "opg":
		return otype.OPG, nil
	case "ioc":
		return otype.IOC, nil
	case "fok":
		return otype.FOK, nil
	case "gtx":
		return otype.GTX, nil
	case "gtd":
		return otype.GTD, nil
	default:
		return 0, fmt.Errorf("unknown tif %q", s)
	}
}

func tifString(t otype.TimeInForce) string {
	switch t {
	case otype.DAY:
		return "day"
	case otype.GTC:
		return "gtc"
	case otype.OPG:
		return "opg"
	case otype.IOC:
		return "ioc"
	case otype.FOK:
		return "fok"
	case otype.GTX:
		return "gtx"
	case otype.GTD:
		return "gtd"
	default:
		return "unknown"
	}
}
