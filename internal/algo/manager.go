// Manager spawns/stops/modifies algo instances, shards them by id,
// fans out market-data dirty notifications and confirmations to the
// owning shard, and journals lifecycle transitions.
package algo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opentrade-go/internal/marketdata"
	"opentrade-go/internal/orderbook"
	"opentrade-go/pkg/otype"
)

// idSkipRegion is how far the id allocator jumps forward on startup,
// so in-flight confirmations referencing a previous run's algo ids
// (still arriving from an adapter reconnect) can never collide with a
// freshly spawned algo in this run.
const idSkipRegion = 100

// Factory constructs a strategy instance for a client "new" request,
// resolving whatever catalog/dispatch collaborators the strategy needs
// from the closure the composition root registered it with.
type Factory func(user *otype.User, params ParamMap) (Algo, error)

// Manager is the algorithm runtime's composition point.
type Manager struct {
	logger  *slog.Logger
	journal *orderbook.Journal
	idCounter atomic.Uint32

	mu        sync.RWMutex
	byID      map[uint32]*algoState
	byToken   map[string]*algoState
	factories map[string]Factory

	shards        []*runner
	cancel        context.CancelFunc
	canceler      Canceler
	eventNotifier EventNotifier
}

// SetCanceler wires the dispatch gate in so stopped algos can cancel
// their still-live orders. Called once from the composition root after
// both the algo manager and the dispatch manager exist, avoiding an
// import cycle at construction time.
func (m *Manager) SetCanceler(c Canceler) {
	m.canceler = c
	for _, r := range m.shards {
		r.canceler = c
	}
}

// NewManager builds a Manager with nThreads shards sharing the given
// journal (and therefore its seq counter) with the order book, and
// wires itself as the market-data store's dirty notifier.
func NewManager(logger *slog.Logger, journal *orderbook.Journal, idHighWater uint32, md *marketdata.Store, nThreads int) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if nThreads <= 0 {
		nThreads = 1
	}
	m := &Manager{
		logger:    logger.With("component", "algo"),
		journal:   journal,
		byID:      make(map[uint32]*algoState),
		byToken:   make(map[string]*algoState),
		factories: make(map[string]Factory),
	}
	m.idCounter.Store(idHighWater + idSkipRegion)
	for i := 0; i < nThreads; i++ {
		m.shards = append(m.shards, newRunner(i, m.logger, md))
	}
	md.SetNotifier(m)
	return m
}

// Run starts every shard goroutine. Call Stop to tear them down.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for _, r := range m.shards {
		go r.run(ctx)
	}
}

// Shutdown cancels every shard goroutine.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) shardFor(id uint32) *runner {
	return m.shards[int(id)%len(m.shards)]
}

// Spawn assigns an id, shards the algo, journals a "new" record, and
// posts OnStart(params) to its shard.
func (m *Manager) Spawn(impl Algo, name string, user *otype.User, token string, params ParamMap) uint32 {
	id := m.idCounter.Add(1)
	st := &algoState{id: id, impl: impl, user: user, token: token}
	st.active.Store(true)

	m.mu.Lock()
	m.byID[id] = st
	if token != "" {
		m.byToken[token] = st
	}
	m.mu.Unlock()

	m.persist(id, user, "new", name, params)

	r := m.shardFor(id)
	r.cmdCh <- startCmd{state: st, params: params}
	return id
}

// RegisterFactory installs a strategy constructor under its public
// name, making it spawnable from the client protocol.
func (m *Manager) RegisterFactory(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

// SpawnByName constructs a registered strategy and spawns it. The name
// must have been registered by the composition root; unknown names are
// an error rather than a silent no-op so a client's typo surfaces.
func (m *Manager) SpawnByName(name string, user *otype.User, token string, params ParamMap) (uint32, error) {
	m.mu.RLock()
	f, ok := m.factories[name]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("algo: unknown strategy %q", name)
	}
	impl, err := f(user, params)
	if err != nil {
		return 0, fmt.Errorf("algo: build %q: %w", name, err)
	}
	return m.Spawn(impl, name, user, token, params), nil
}

// TestByName runs the named factory against params without spawning
// anything — a dry run validating that the strategy would construct.
func (m *Manager) TestByName(name string, user *otype.User, params ParamMap) error {
	m.mu.RLock()
	f, ok := m.factories[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("algo: unknown strategy %q", name)
	}
	if _, err := f(user, params); err != nil {
		return fmt.Errorf("algo: build %q: %w", name, err)
	}
	return nil
}

// Modify posts a modify to the owning shard.
func (m *Manager) Modify(id uint32, params ParamMap) {
	m.shardFor(id).cmdCh <- modifyCmd{id: id, params: params}
}

// Stop posts a stop to the owning shard and journals the terminal
// record. OnStop runs on the shard, which also cancels every order
// still owned by the algo's instruments via the composition root's
// cancel hook (wired at runtime construction, not here, to avoid a
// dispatch<->algo import cycle).
func (m *Manager) Stop(id uint32) {
	m.mu.RLock()
	st, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.persist(id, st.user, "stopped", "", nil)
	m.shardFor(id).cmdCh <- stopCmd{id: id}
}

// StopAll stops every currently active algo, used on graceful shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Get looks up an algo state by id.
func (m *Manager) Get(id uint32) (Algo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return st.impl, true
}

// IsActive reports whether the algo owning algoID is still active,
// satisfying cross.AlgoActiveChecker so the cross engine can skip or
// pop resting orders whose owning algo has since stopped. Safe to call
// from any goroutine: algoState.active is an atomic.Bool precisely so
// this cross-shard read never races the owning shard's writes.
func (m *Manager) IsActive(algoID uint32) bool {
	m.mu.RLock()
	st, ok := m.byID[algoID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return st.active.Load()
}

// GetByToken looks up an algo state by client-assigned token.
func (m *Manager) GetByToken(token string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.byToken[token]
	if !ok {
		return 0, false
	}
	return st.id, true
}

// Notify marks (src, secID) dirty on every shard with at least one
// subscribed instrument. Shards with no interest never see the update;
// interested shards coalesce bursts through their dirty set, so the
// cost per shard is one drain however many ticks arrived meanwhile.
func (m *Manager) Notify(src otype.DataSrc, secID int32) {
	key := mdKey{src, secID}
	for _, r := range m.shards {
		if r.subscribed(key) {
			r.markDirty(key)
		}
	}
}

// OnConfirmation implements orderbook.AlgoNotifier, routing a
// confirmation to the shard owning its order's algo.
func (m *Manager) OnConfirmation(cm *otype.Confirmation) {
	if cm.Order == nil || cm.Order.AlgoID == 0 {
		return
	}
	m.shardFor(cm.Order.AlgoID).cmdCh <- confirmCmd{cm: cm}
}

// CancelInstrument implements internal/cross.InstrumentCanceler: it
// posts a cancel-all-but-this-order request to the owning shard for
// the instrument backing ord, so a cross match can clear the rest of
// the market before crediting the synthetic fill.
func (m *Manager) CancelInstrument(ord *otype.Order) {
	if ord == nil || ord.AlgoID == 0 || ord.InstrumentID == 0 {
		return
	}
	m.shardFor(ord.AlgoID).cmdCh <- cancelInstCmd{algoID: ord.AlgoID, instID: ord.InstrumentID, except: ord.ID}
}

// SetTimeout schedules fn to run on algo id's shard after d. A timer
// that fires after the algo has stopped is a no-op.
func (m *Manager) SetTimeout(ctx context.Context, id uint32, fn func(), d time.Duration) {
	m.shardFor(id).setTimeout(ctx, func() {
		if m.IsActive(id) {
			fn()
		}
	}, d)
}

type persistedRecord struct {
	Status string          `json:"status"`
	Name   string          `json:"name,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (m *Manager) persist(id uint32, user *otype.User, status, name string, params ParamMap) {
	var userID uint16
	if user != nil {
		userID = uint16(user.ID)
	}
	var raw json.RawMessage
	if params != nil {
		if b, err := json.Marshal(params); err == nil {
			raw = b
		}
	}
	body, err := json.Marshal(persistedRecord{Status: status, Name: name, Params: raw})
	if err != nil {
		m.logger.Error("marshal algo journal record failed", "error", err)
		return
	}
	seq, err := m.journal.Append(userID, id, body)
	if err != nil {
		m.logger.Error("algo journal append failed", "error", err, "algo_id", id)
		return
	}
	if m.eventNotifier != nil {
		m.eventNotifier.OnAlgoEvent(seq, id, userID, status, name, raw)
	}
}

// EventNotifier receives a live push for every algo lifecycle record
// as it's journaled, so a frontend session subscribed to algo events
// doesn't have to poll Replay to see a new/stopped/modified algo.
type EventNotifier interface {
	OnAlgoEvent(seq uint32, algoID uint32, userID uint16, status, name string, params json.RawMessage)
}

// SetEventNotifier wires the frontend hub in after construction.
func (m *Manager) SetEventNotifier(n EventNotifier) {
	m.eventNotifier = n
}

// AlgoReplayRecord is one journaled algo lifecycle record translated
// back for a client's "Algo" replay request.
type AlgoReplayRecord struct {
	Seq    uint32
	AlgoID uint32
	UserID uint16
	Status string
	Name   string
	Params json.RawMessage
}

// Replay yields every journaled algo lifecycle record with seq >=
// fromSeq whose user matches requestingUser (or requestingUser is an
// admin), decoding the persistedRecord body this package itself wrote.
// Records written by the order book's confirmation journaling share
// the same file but decode to a different JSON shape (no "status"
// key), so those are skipped rather than erroring.
func (m *Manager) Replay(fromSeq uint32, requestingUser *otype.User, yield func(AlgoReplayRecord) error) error {
	return m.journal.Replay(fromSeq, func(rec orderbook.Record) error {
		if requestingUser != nil && !requestingUser.IsAdmin && int32(rec.UserID) != requestingUser.ID {
			return nil
		}
		var p persistedRecord
		if err := json.Unmarshal(rec.Payload, &p); err != nil || p.Status == "" {
			return nil
		}
		return yield(AlgoReplayRecord{
			Seq:    rec.Seq,
			AlgoID: rec.OrderID,
			UserID: rec.UserID,
			Status: p.Status,
			Name:   p.Name,
			Params: p.Params,
		})
	})
}

