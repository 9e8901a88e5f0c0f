// Package runtime is the composition root: it wires the reference
// catalog, market-data store, consolidation book, algorithm runtime,
// global order book, risk gate, exchange dispatch, cross engine, and
// position accounting into one running process. No other package
// imports more than one of those subsystems at once; this is the only
// place that may.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"opentrade-go/internal/adapter/backtest"
	"opentrade-go/internal/adapter/commission"
	"opentrade-go/internal/adapter/httpec"
	"opentrade-go/internal/adapter/httpmd"
	"opentrade-go/internal/adapter/wsmd"
	"opentrade-go/internal/algo"
	"opentrade-go/internal/config"
	"opentrade-go/internal/consolidation"
	"opentrade-go/internal/cross"
	"opentrade-go/internal/dispatch"
	"opentrade-go/internal/frontend"
	"opentrade-go/internal/marketdata"
	"opentrade-go/internal/orderbook"
	"opentrade-go/internal/position"
	"opentrade-go/internal/refdata"
	"opentrade-go/internal/risk"
	"opentrade-go/pkg/otype"
)

// Runtime is the fully-wired core. Construct with New, call Run to
// start every background loop, and Shutdown for the graceful
// sequence: stop algos, drain briefly, cancel every live order.
type Runtime struct {
	Logger *slog.Logger
	Config *config.Config

	Catalog       *refdata.Catalog
	MarketData    *marketdata.Store
	Consolidation *consolidation.Manager
	AlgoMgr       *algo.Manager
	OrderBook     *orderbook.OrderBook
	Journal       *orderbook.Journal
	Risk          *risk.Manager
	Dispatch      *dispatch.Manager
	Cross         *cross.Engine
	Position      *position.Manager
	Store         *position.FileStore
	Targets       *position.Targets
	Frontend      *frontend.Server

	httpmdPollers   []*httpmd.Poller
	wsmdFeeds       []*wsmd.Feed
	backtestAdapter *backtest.Adapter
	fees            *commission.Registry

	pnlCadence      time.Duration
	cancel          context.CancelFunc
	group           *errgroup.Group
	shutdownRequest func(seconds, intervalSeconds int)
}

// SetShutdownHook wires the callback a client's admin "shutdown"
// request invokes (cmd/server supplies the actual process-exit
// sequence; the core only knows it was asked to stop).
func (rt *Runtime) SetShutdownHook(fn func(seconds, intervalSeconds int)) {
	rt.shutdownRequest = fn
}

func (rt *Runtime) requestShutdown(seconds, intervalSeconds int) {
	if rt.shutdownRequest != nil {
		rt.shutdownRequest(seconds, intervalSeconds)
	}
}

// New wires every component against cfg and an already-loaded catalog
// snapshot. It does not start anything — call Run for that.
func New(cfg *config.Config, logger *slog.Logger, catalog *refdata.Catalog) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Journal.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create journal dir: %w", err)
	}
	// One journal file backs both the order-confirmation stream and the
	// algo-lifecycle stream: algo.Manager and orderbook share this
	// single *Journal, so record sequence numbers stay monotone across
	// both streams and interleave correctly across a restart.
	journal, seqHighWater, err := orderbook.Open(filepath.Join(cfg.Journal.Dir, "algos"), cfg.Journal.SyncOnEach)
	if err != nil {
		return nil, fmt.Errorf("runtime: open journal: %w", err)
	}
	logger.Info("journal ready", "session", journal.SessionID(), "seq_high_water", seqHighWater)

	var orderIDHighWater uint32
	if err := journal.Replay(0, func(rec orderbook.Record) error {
		if rec.OrderID > orderIDHighWater {
			orderIDHighWater = rec.OrderID
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("runtime: recover order id high water: %w", err)
	}

	md := marketdata.NewStore()
	consol := consolidation.NewManager(catalog, md)

	store, err := position.NewFileStore(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: open position store: %w", err)
	}
	fees := commission.NewRegistry()
	posMgr := position.NewManager(logger, fees, store)

	// The rows on disk are still the prior session's close until the
	// first fill of this one; fold them in as beginning-of-day
	// balances, then stamp the new session start.
	if err := loadBOD(posMgr, store, catalog); err != nil {
		return nil, fmt.Errorf("runtime: load beginning-of-day positions: %w", err)
	}
	if err := store.WriteSessionStart(time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("runtime: record session start: %w", err)
	}

	riskMgr := risk.NewManager(logger, posMgr)
	riskMgr.SetDisabled(cfg.Server.DisableRMS)
	ob := orderbook.New(logger, journal, orderIDHighWater)
	if err := ob.LoadPreviousExecIDs(); err != nil {
		return nil, fmt.Errorf("runtime: load previous exec ids: %w", err)
	}

	algoMgr := algo.NewManager(logger, journal, seqHighWater, md, cfg.Algo.Threads)
	md.AddNotifier(consol)

	disp := dispatch.NewManager(logger, riskMgr, dispatch.OrderBookSink{Book: ob}, ob, cfg.Risk.CancelRetryBaseDelay, cfg.Risk.CancelRetryMaxDelay)
	disp.SetLastTradeSource(md)
	ob.SetNotifiers(algoMgr, posMgr)
	algoMgr.SetCanceler(disp)

	crossEngine := cross.New(logger, consol, crossFillSink{ob: ob}, algoMgr, algoMgr)
	ob.SetCrossNotifier(crossEngine)
	targets := position.NewTargets(store)

	// The one built-in strategy; a deployment registers its own the
	// same way. Clients spawn it with
	// ["algo","new","pegmaker",token,{"security":...,"source":...,"sub_account":...}].
	algoMgr.RegisterFactory("pegmaker", func(user *otype.User, params algo.ParamMap) (algo.Algo, error) {
		symbol, _ := params["security"].(string)
		sec, ok := catalog.SecurityBySymbol(symbol)
		if !ok {
			return nil, fmt.Errorf("unknown security %q", symbol)
		}
		src, _ := params["source"].(string)
		subID, _ := params["sub_account"].(float64)
		sub, ok := catalog.SubAccount(int32(subID))
		if !ok {
			return nil, fmt.Errorf("unknown sub account %v", subID)
		}
		if user.GetSubAccount(sub.ID) == nil {
			return nil, fmt.Errorf("not permissioned to trade with sub account %s", sub.Name)
		}
		cfg := algo.PegMakerConfig{
			Security: sec, Source: otype.DataSrc(src), SubAccount: sub, User: user,
		}
		if qty, ok := params["order_qty"].(float64); ok {
			cfg.OrderQty = qty
		}
		return algo.NewPegMaker(cfg, disp, ob, logger), nil
	})

	rt := &Runtime{
		Logger:        logger,
		Config:        cfg,
		Catalog:       catalog,
		MarketData:    md,
		Consolidation: consol,
		AlgoMgr:       algoMgr,
		OrderBook:     ob,
		Journal:       journal,
		Risk:          riskMgr,
		Dispatch:      disp,
		Cross:         crossEngine,
		Position:      posMgr,
		Store:         store,
		Targets:       targets,
		fees:          fees,
		pnlCadence:    time.Second,
	}

	if cfg.Frontend.Enabled {
		fs := frontend.NewServer(cfg.Frontend, frontend.Deps{
			Catalog:   catalog,
			OrderBook: ob,
			Dispatch:  disp,
			AlgoMgr:   algoMgr,
			Position:  posMgr,
			Targets:   targets,
			Cross:     crossEngine,
			Shutdown:  rt.requestShutdown,
			SubscribeFeed: func(secID int32) {
				for _, f := range rt.wsmdFeeds {
					if err := rt.MarketData.Subscribe(f.Source(), secID); err != nil {
						rt.Logger.Warn("feed subscribe failed", "source", string(f.Source()), "security", secID, "error", err)
					}
				}
			},
		}, logger)
		h := fs.Hub()
		md.AddNotifier(h)
		h.SetMarketData(md)
		ob.SetClientNotifier(h)
		algoMgr.SetEventNotifier(h)
		rt.Frontend = fs
	}

	return rt, nil
}

// loadBOD folds the prior session's persisted sub-account rows into
// the fresh position manager, resolving each row's broker account,
// contract multiplier, and fx rate through the catalog. The broker
// roll-up uses the sub-account's default (exchange 0) broker; the user
// roll-up credits the first user permissioned on the sub-account.
func loadBOD(posMgr *position.Manager, store *position.FileStore, catalog *refdata.Catalog) error {
	rows, err := store.LoadBODRows()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	snap := catalog.Snapshot()
	for i := range rows {
		if sec, ok := snap.Securities[rows[i].SecurityID]; ok {
			rows[i].Multiplier = sec.Multiplier
			rows[i].FXRate = sec.Rate()
		}
	}
	brokerOf := func(subAccountID int32) int32 {
		if sub, ok := snap.SubAccounts[subAccountID]; ok {
			if b := sub.GetBrokerAccount(0); b != nil {
				return b.ID
			}
		}
		return 0
	}
	userOf := func(subAccountID int32) int32 {
		var best int32
		for _, u := range snap.Users {
			if u.GetSubAccount(subAccountID) == nil {
				continue
			}
			if best == 0 || u.ID < best {
				best = u.ID
			}
		}
		return best
	}
	posMgr.LoadBOD(rows, brokerOf, userOf)
	return nil
}

// crossFillSink adapts *orderbook.OrderBook to cross.FillSink: a
// synthetic cross fill is just another confirmation, fed through the
// exact same Handle path a broker fill takes, so journaling, algo
// counters, and position accounting all treat it identically.
type crossFillSink struct {
	ob *orderbook.OrderBook
}

func (s crossFillSink) HandleFilled(ord *otype.Order, qty, price float64, execID string) {
	s.ob.Handle(&otype.Confirmation{
		Order:           ord,
		ExecType:        fillExecType(ord, qty),
		ExecTransType:   otype.TransNew,
		LastShares:      qty,
		LastPx:          price,
		ExecID:          execID,
		TransactionTime: time.Now().UTC(),
	})
}

func fillExecType(ord *otype.Order, qty float64) otype.OrderStatus {
	if ord.LeavesQty-qty > 1e-9 {
		return otype.PartiallyFilled
	}
	return otype.Filled
}

// RegisterAdapters builds and registers every adapter named in
// cfg.Adapters — config-driven adapter-by-name wiring against a
// compile-time registry of kinds, not dynamic library loading.
func (rt *Runtime) RegisterAdapters() error {
	for _, a := range rt.Config.Adapters {
		switch a.Kind {
		case "httpec":
			rt.Dispatch.RegisterAdapter(httpec.New(httpec.Config{
				Name: a.Name, BaseURL: a.BaseURL, APIKey: a.APIKey, APISecret: a.APISecret, DryRun: a.DryRun,
			}, rt.Logger), 50, 20)
		case "httpmd":
			rt.httpmdPollers = append(rt.httpmdPollers, httpmd.New(httpmd.Config{Name: a.Name, BaseURL: a.BaseURL}, rt.MarketData, rt.Logger))
		case "wsmd":
			rt.wsmdFeeds = append(rt.wsmdFeeds, wsmd.New(a.BaseURL, otype.DataSrc(a.Name), rt.MarketData, rt.Logger))
		case "backtest":
			rt.backtestAdapter = backtest.New(rt.MarketData, rt.OrderBook, rt.Logger)
			rt.Dispatch.RegisterAdapter(rt.backtestAdapter, 1e9, 1e9)
		case "commission":
			table := commission.NewTable()
			for _, row := range a.Rates {
				table.Set(row.ExchangeID, commission.Schedule{
					Buy:  commission.SideRates{PerShare: row.BuyPerShare, PerValue: row.BuyPerValue},
					Sell: commission.SideRates{PerShare: row.SellPerShare, PerValue: row.SellPerValue},
				})
			}
			rt.fees.Register(a.Broker, table)
		default:
			return fmt.Errorf("runtime: unknown adapter kind %q for %q", a.Kind, a.Name)
		}
	}
	return nil
}

// RunBacktest replays a tick file through the registered backtest
// adapter — the one-shot driver cmd/backtest uses in place of Run's
// long-lived feed loops. Requires a "backtest" kind adapter to have
// been registered via RegisterAdapters first.
func (rt *Runtime) RunBacktest(ctx context.Context, tickFile string, start, end time.Time) error {
	if rt.backtestAdapter == nil {
		return fmt.Errorf("runtime: no backtest adapter registered")
	}
	return rt.backtestAdapter.Run(ctx, tickFile, start, end)
}

// SubscribeHTTPPoll starts (once) a poll loop for one security against
// a named httpmd adapter, matching a client's "sub" request for a
// source that only exposes a REST quote endpoint rather than a feed.
func (rt *Runtime) SubscribeHTTPPoll(ctx context.Context, adapterName string, secID int32, symbol string) error {
	for _, p := range rt.httpmdPollers {
		if p.Name() != adapterName {
			continue
		}
		go p.Run(ctx, secID, symbol)
		return nil
	}
	return fmt.Errorf("runtime: no httpmd adapter named %q", adapterName)
}

// Run starts the algo shards, every registered market-data feed, and
// the periodic unrealized-PnL recompute loop. Blocks until ctx is
// canceled or a component returns an error.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	rt.group = g

	rt.AlgoMgr.Run(gctx)

	// httpmd pollers are per-security and started on demand via
	// SubscribeHTTPPoll once a client or algo expresses interest
	// (an HTTP poller with no security to poll has nothing to do).
	for _, f := range rt.wsmdFeeds {
		f := f
		g.Go(func() error {
			f.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		rt.runPnlTicker(gctx)
		return nil
	})

	if rt.Frontend != nil {
		g.Go(func() error {
			return rt.Frontend.Start()
		})
	}

	return g.Wait()
}

func (rt *Runtime) runPnlTicker(ctx context.Context) {
	ticker := time.NewTicker(rt.pnlCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.recomputePnl()
		}
	}
}

func (rt *Runtime) recomputePnl() {
	snap := rt.Catalog.Snapshot()
	for secID, sec := range snap.Securities {
		price, ok := rt.Consolidation.Mid(secID)
		if !ok {
			if p, ok2 := rt.MarketData.LastTradeAny(secID); ok2 {
				price = p
			} else {
				price = sec.ClosePrice
			}
		}
		if price <= 0 {
			continue
		}
		rt.Position.UpdatePnl(secID, price, multiplierOf(sec)*sec.Rate(), time.Now().UTC())
	}
}

func multiplierOf(sec *otype.Security) float64 {
	if sec.Multiplier > 0 {
		return sec.Multiplier
	}
	return 1
}

// Shutdown runs the graceful sequence: stop every algo (cancels their
// live orders as a side effect), wait drain, then sweep any order
// still live in the book.
func (rt *Runtime) Shutdown(ctx context.Context, drain time.Duration) error {
	if rt.Frontend != nil {
		if err := rt.Frontend.Stop(); err != nil {
			rt.Logger.Warn("frontend shutdown failed", "error", err)
		}
	}
	rt.AlgoMgr.StopAll()
	select {
	case <-ctx.Done():
	case <-time.After(drain):
	}

	for _, ord := range rt.OrderBook.GetOrders(0, false) {
		if !ord.IsLive() {
			continue
		}
		if err := rt.Dispatch.Cancel(ctx, ord); err != nil {
			rt.Logger.Warn("shutdown cancel failed", "order_id", ord.ID, "error", err)
		}
	}

	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.group != nil {
		_ = rt.group.Wait()
	}
	if err := rt.Journal.Close(); err != nil {
		return fmt.Errorf("runtime: close journal: %w", err)
	}
	return nil
}
