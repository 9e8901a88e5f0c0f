package position

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"opentrade-go/internal/risk"
)

// Persister is the narrow external interface position plugs into for
// durable state. The relational schema lives outside this core — only
// the seam is defined here; a deployment wires it to Postgres/MySQL.
// The default FileStore below is enough for local/dev use and for the
// journal-adjacent files (session, target-<id>.json, pnl-<id>).
type Persister interface {
	SavePosition(level risk.Level, accountID, secID int32, pos Position) error
	SaveTargets(subAccountID int32, targets map[int32]float64) error
	LoadTargets(subAccountID int32) (map[int32]float64, error)
	AppendPnlLine(subAccountID int32, line string) error
}

// FileStore persists positions, targets, and PnL lines as files under
// a directory, writing to a temp file and renaming for anything that
// must never be read half-written.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates (if absent) dir and returns a FileStore rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("position: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) atomicWriteJSON(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("position: marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("position: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("position: rename %s: %w", tmp, err)
	}
	return nil
}

// ledgerRow is the persisted form of a Position. Money and quantity
// fields are written as exact decimals, so a row survives any number
// of save/load/BOD-roll cycles without accumulating binary-float
// noise; the in-memory hot path stays float64.
type ledgerRow struct {
	Qty                     decimal.Decimal `json:"qty"`
	CXQty                   decimal.Decimal `json:"cx_qty"`
	AvgPx                   decimal.Decimal `json:"avg_px"`
	RealizedPnL             decimal.Decimal `json:"realized_pnl"`
	RealizedPnLNative       decimal.Decimal `json:"realized_pnl_native"`
	UnrealizedPnL           decimal.Decimal `json:"unrealized_pnl"`
	Commission              decimal.Decimal `json:"commission"`
	CommissionNative        decimal.Decimal `json:"commission_native"`
	TotalBoughtQty          decimal.Decimal `json:"total_bought_qty"`
	TotalSoldQty            decimal.Decimal `json:"total_sold_qty"`
	TotalOutstandingBuyQty  decimal.Decimal `json:"total_outstanding_buy_qty"`
	TotalOutstandingSellQty decimal.Decimal `json:"total_outstanding_sell_qty"`
}

func toLedgerRow(p Position) ledgerRow {
	return ledgerRow{
		Qty:                     decimal.NewFromFloat(p.Qty),
		CXQty:                   decimal.NewFromFloat(p.CXQty),
		AvgPx:                   decimal.NewFromFloat(p.AvgPx),
		RealizedPnL:             decimal.NewFromFloat(p.RealizedPnL),
		RealizedPnLNative:       decimal.NewFromFloat(p.RealizedPnLNative),
		UnrealizedPnL:           decimal.NewFromFloat(p.UnrealizedPnL),
		Commission:              decimal.NewFromFloat(p.Commission),
		CommissionNative:        decimal.NewFromFloat(p.CommissionNative),
		TotalBoughtQty:          decimal.NewFromFloat(p.TotalBoughtQty),
		TotalSoldQty:            decimal.NewFromFloat(p.TotalSoldQty),
		TotalOutstandingBuyQty:  decimal.NewFromFloat(p.TotalOutstandingBuyQty),
		TotalOutstandingSellQty: decimal.NewFromFloat(p.TotalOutstandingSellQty),
	}
}

// SavePosition persists one (level, account, security) ledger row.
func (s *FileStore) SavePosition(level risk.Level, accountID, secID int32, pos Position) error {
	name := fmt.Sprintf("position-%s-%d-%d.json", level, accountID, secID)
	return s.atomicWriteJSON(name, toLedgerRow(pos))
}

// SaveTargets persists a sub-account's target positions file,
// "target-<sub_account_id>.json".
func (s *FileStore) SaveTargets(subAccountID int32, targets map[int32]float64) error {
	name := fmt.Sprintf("target-%d.json", subAccountID)
	return s.atomicWriteJSON(name, targets)
}

// LoadTargets reads a sub-account's target positions file, if present.
func (s *FileStore) LoadTargets(subAccountID int32) (map[int32]float64, error) {
	name := fmt.Sprintf("target-%d.json", subAccountID)
	body, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("position: read %s: %w", name, err)
	}
	var targets map[int32]float64
	if err := json.Unmarshal(body, &targets); err != nil {
		return nil, fmt.Errorf("position: decode %s: %w", name, err)
	}
	return targets, nil
}

// AppendPnlLine appends one ASCII "tm unrealized commission realized"
// line to "pnl-<sub_account_id>".
func (s *FileStore) AppendPnlLine(subAccountID int32, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("pnl-%d", subAccountID)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("position: open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("position: append %s: %w", name, err)
	}
	return nil
}

// LoadSessionStart reads the prior run's session-start timestamp from
// the "session" file, if one exists.
func (s *FileStore) LoadSessionStart() (time.Time, bool, error) {
	body, err := os.ReadFile(filepath.Join(s.dir, "session"))
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("position: read session file: %w", err)
	}
	tm, err := time.Parse(time.RFC3339, strings.TrimSpace(string(body)))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("position: parse session file: %w", err)
	}
	return tm, true, nil
}

// WriteSessionStart records this run's session-start timestamp in the
// "session" file, replacing the prior run's.
func (s *FileStore) WriteSessionStart(tm time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, "session")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(tm.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("position: write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("position: rename session file: %w", err)
	}
	return nil
}

// LoadBODRows scans the persisted sub-account position rows left by
// the prior session and returns them as beginning-of-day balances.
// Call before the first SavePosition of the new session, while every
// row on disk is still the prior session's close. BrokerAccountID,
// Multiplier, and FXRate are left for the caller to resolve from the
// catalog.
func (s *FileStore) LoadBODRows() ([]BodRow, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("position: scan store dir: %w", err)
	}
	prefix := fmt.Sprintf("position-%s-", risk.LevelSubAccount)
	var rows []BodRow
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		var accID, secID int32
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, ".json"), prefix+"%d-%d", &accID, &secID); err != nil {
			continue
		}
		body, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("position: read %s: %w", name, err)
		}
		var row ledgerRow
		if err := json.Unmarshal(body, &row); err != nil {
			return nil, fmt.Errorf("position: decode %s: %w", name, err)
		}
		rows = append(rows, BodRow{
			SubAccountID: accID,
			SecurityID:   secID,
			Qty:          row.Qty.InexactFloat64(),
			AvgPx:        row.AvgPx.InexactFloat64(),
			RealizedPnL:  row.RealizedPnLNative.InexactFloat64(),
			Commission:   row.CommissionNative.InexactFloat64(),
		})
	}
	return rows, nil
}

// Targets is the in-memory cache of a sub-account's desired terminal
// positions, settable by algos or an admin and loaded once at startup.
type Targets struct {
	mu    sync.RWMutex
	store Persister
	bySub map[int32]map[int32]float64
}

// NewTargets wires a Targets cache against a Persister.
func NewTargets(store Persister) *Targets {
	return &Targets{store: store, bySub: make(map[int32]map[int32]float64)}
}

// Load reads a sub-account's targets from the store into the cache.
func (t *Targets) Load(subAccountID int32) error {
	m, err := t.store.LoadTargets(subAccountID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySub[subAccountID] = m
	return nil
}

// SetTargets updates a sub-account's targets and persists them.
func (t *Targets) SetTargets(subAccountID int32, targets map[int32]float64) error {
	t.mu.Lock()
	t.bySub[subAccountID] = targets
	t.mu.Unlock()
	return t.store.SaveTargets(subAccountID, targets)
}

// GetTargets returns a sub-account's current target positions.
func (t *Targets) GetTargets(subAccountID int32) map[int32]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bySub[subAccountID]
}
