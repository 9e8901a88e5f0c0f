package algo

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opentrade-go/internal/marketdata"
	"opentrade-go/pkg/otype"
)

type mdKey struct {
	src   otype.DataSrc
	secID int32
}

type algoState struct {
	id          uint32
	impl        Algo
	user        *otype.User
	token       string
	active      atomic.Bool // read cross-goroutine, e.g. by the cross engine
	instruments []*Instrument
}

type startCmd struct {
	state  *algoState
	params ParamMap
}
type modifyCmd struct {
	id     uint32
	params ParamMap
}
type stopCmd struct{ id uint32 }
type drainCmd struct{}
type confirmCmd struct{ cm *otype.Confirmation }
type timerCmd struct{ fn func() }
type cancelInstCmd struct {
	algoID uint32
	instID uint64
	except int64
}

// runner is one shard: a single goroutine owning a fixed subset of
// algo instances (id % shardCount == this shard's index), processing
// every event for those algos strictly sequentially. Market-data
// interest is coalesced through a dirty set: producers insert the
// changed (source, security) pair and post a drain only on the
// empty-to-nonempty transition, so a burst of updates to one line
// costs one callback round, not one per tick.
type runner struct {
	idx      int
	logger   *slog.Logger
	md       *marketdata.Store
	cmdCh    chan interface{}
	algos    map[uint32]*algoState
	bysub    map[mdKey][]*Instrument // subscriptions owned by this shard
	prev     map[mdKey]otype.MarketData
	instID   uint64
	canceler Canceler

	subMu   sync.RWMutex
	subKeys map[mdKey]int // subscriber count per line, read by Manager.Notify

	dirtyMu sync.Mutex
	dirty   map[mdKey]struct{}
}

func newRunner(idx int, logger *slog.Logger, md *marketdata.Store) *runner {
	return &runner{
		idx:     idx,
		logger:  logger.With("shard", idx),
		md:      md,
		cmdCh:   make(chan interface{}, 1024),
		algos:   make(map[uint32]*algoState),
		bysub:   make(map[mdKey][]*Instrument),
		prev:    make(map[mdKey]otype.MarketData),
		subKeys: make(map[mdKey]int),
		dirty:   make(map[mdKey]struct{}),
	}
}

func (r *runner) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-r.cmdCh:
			r.handle(c)
		}
	}
}

// subscribed reports whether any instrument on this shard listens to
// key. Called from producer goroutines, never the shard's own.
func (r *runner) subscribed(key mdKey) bool {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return r.subKeys[key] > 0
}

// markDirty inserts key into the dirty set and posts a drain only when
// the set was empty — the single producer path into the shard for
// market data.
func (r *runner) markDirty(key mdKey) {
	r.dirtyMu.Lock()
	wasEmpty := len(r.dirty) == 0
	r.dirty[key] = struct{}{}
	r.dirtyMu.Unlock()
	if wasEmpty {
		r.cmdCh <- drainCmd{}
	}
}

func (r *runner) handle(c interface{}) {
	switch cmd := c.(type) {
	case startCmd:
		r.algos[cmd.state.id] = cmd.state
		sub := algoSubscriber{r: r, st: cmd.state}
		if errText := cmd.state.impl.OnStart(sub, cmd.params); errText != "" {
			r.logger.Error("algo start failed, stopping", "algo_id", cmd.state.id, "error", errText)
			r.stopAlgo(cmd.state.id)
		}
	case modifyCmd:
		if st, ok := r.algos[cmd.id]; ok && st.active.Load() {
			st.impl.OnModify(cmd.params)
		}
	case stopCmd:
		r.stopAlgo(cmd.id)
	case drainCmd:
		r.drainDirty()
	case confirmCmd:
		r.dispatchConfirmation(cmd.cm)
	case timerCmd:
		cmd.fn()
	case cancelInstCmd:
		r.cancelInstrument(cmd)
	}
}

// cancelInstrument cancels every live order on one instrument except
// the one named by `except` (a cross order the cross engine fills
// directly rather than routing to a broker), run on the owning shard
// so it never races the algo's own order bookkeeping.
func (r *runner) cancelInstrument(cmd cancelInstCmd) {
	if r.canceler == nil {
		return
	}
	st, ok := r.algos[cmd.algoID]
	if !ok {
		return
	}
	for _, inst := range st.instruments {
		if inst.ID != cmd.instID {
			continue
		}
		for _, ord := range inst.ActiveOrders() {
			if ord.ID == cmd.except || !ord.IsLive() {
				continue
			}
			if err := r.canceler.Cancel(context.Background(), ord); err != nil {
				r.logger.Warn("cancel on cross match failed", "order_id", ord.ID, "error", err)
			}
		}
		return
	}
}

func (r *runner) stopAlgo(id uint32) {
	st, ok := r.algos[id]
	if !ok || !st.active.Load() {
		return
	}
	st.active.Store(false)
	if r.canceler != nil {
		for _, inst := range st.instruments {
			for _, ord := range inst.ActiveOrders() {
				if !ord.IsLive() {
					continue
				}
				if err := r.canceler.Cancel(context.Background(), ord); err != nil {
					r.logger.Warn("cancel on algo stop failed", "order_id", ord.ID, "error", err)
				}
			}
		}
	}
	st.impl.OnStop()
}

func (r *runner) subscribe(st *algoState, sec *otype.Security, src otype.DataSrc) *Instrument {
	r.instID++
	inst := newInstrument(r.instID, st.id, sec, src)
	st.instruments = append(st.instruments, inst)
	key := mdKey{src, sec.ID}
	r.bysub[key] = append(r.bysub[key], inst)
	r.subMu.Lock()
	r.subKeys[key]++
	r.subMu.Unlock()
	return inst
}

// algoSubscriber binds one algoState to its shard so OnStart can
// subscribe without reaching into unexported runner internals itself.
type algoSubscriber struct {
	r  *runner
	st *algoState
}

func (s algoSubscriber) Subscribe(sec *otype.Security, src otype.DataSrc) *Instrument {
	return s.r.subscribe(s.st, sec, src)
}

// drainDirty swaps the dirty set out under its lock and walks each
// line once. A producer inserting mid-drain sees an empty set and
// posts a fresh drain, so nothing is lost and nothing fires twice.
func (r *runner) drainDirty() {
	r.dirtyMu.Lock()
	keys := make([]mdKey, 0, len(r.dirty))
	for k := range r.dirty {
		keys = append(keys, k)
	}
	r.dirty = make(map[mdKey]struct{})
	r.dirtyMu.Unlock()
	for _, k := range keys {
		r.dispatchMarketUpdate(k)
	}
}

// dispatchMarketUpdate snapshots the line, diffs it against the
// shard-local previous snapshot, and invokes the trade and/or quote
// callback on each still-listening instrument — at most once each per
// drain. Instruments whose algo has stopped or that unlistened are
// unlinked here, lazily, rather than eagerly on stop.
func (r *runner) dispatchMarketUpdate(key mdKey) {
	insts, ok := r.bysub[key]
	if !ok {
		return
	}
	md, _, found := r.md.Get(key.src, key.secID)
	if !found {
		return
	}
	prev := r.prev[key]
	r.prev[key] = md
	tradeChanged := md.Trade != prev.Trade
	quoteChanged := md.Quote != prev.Quote || md.Depth != prev.Depth

	kept := insts[:0]
	for _, inst := range insts {
		st, live := r.algos[inst.algoID]
		if !live || !st.active.Load() || !inst.Listen() {
			continue // unlink
		}
		kept = append(kept, inst)
		if tradeChanged {
			st.impl.OnMarketTrade(inst, md, prev)
		}
		if quoteChanged {
			st.impl.OnMarketQuote(inst, md, prev)
		}
	}
	if dropped := len(insts) - len(kept); dropped > 0 {
		r.subMu.Lock()
		r.subKeys[key] -= dropped
		if r.subKeys[key] <= 0 {
			delete(r.subKeys, key)
		}
		r.subMu.Unlock()
	}
	if len(kept) == 0 {
		delete(r.bysub, key)
		delete(r.prev, key)
		return
	}
	r.bysub[key] = kept
}

func (r *runner) dispatchConfirmation(cm *otype.Confirmation) {
	st, ok := r.algos[cm.Order.AlgoID]
	if !ok {
		return
	}
	for _, inst := range st.instruments {
		if cm.ExecType == otype.UnconfirmedNew {
			if inst.ID == cm.Order.InstrumentID {
				inst.trackNewOrder(cm.Order)
			}
			continue
		}
		if _, tracked := inst.activeOrders[cm.Order.ID]; !tracked {
			continue
		}
		switch cm.ExecType {
		case otype.PartiallyFilled, otype.Filled:
			inst.trackFill(cm.Order, cm.LastShares, cm.Order.Type == otype.CX, cm.ExecTransType == otype.TransCancel)
		case otype.Canceled, otype.Rejected, otype.RiskRejected, otype.CancelRejected:
			inst.trackTerminal(cm.Order)
		}
	}
	if st.active.Load() {
		st.impl.OnConfirmation(cm)
	}
}

// setTimeout schedules fn to run on this shard after d, the runtime's
// only suspension point for algo callbacks (they must not block on
// network or disk directly).
func (r *runner) setTimeout(ctx context.Context, fn func(), d time.Duration) {
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			select {
			case r.cmdCh <- timerCmd{fn}:
			case <-ctx.Done():
			}
		}
	}()
}
