package refdata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"opentrade-go/pkg/otype"
)

// FileLoader bootstraps a Catalog from a YAML description of the
// desk's static universe. The relational store is a deployment concern;
// this is the file-backed stand-in a deployment swaps for a
// `--db_url`-driven SQL loader without the core needing to change —
// only Loader.Load's contract matters.
type FileLoader struct {
	path string
}

// NewFileLoader builds a Loader reading the catalog description at path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

type yamlPeriod struct {
	Start int32 `yaml:"start"`
	End   int32 `yaml:"end"`
}

type yamlTickBand struct {
	LowerBound float64 `yaml:"lower_bound"`
	TickSize   float64 `yaml:"tick_size"`
}

type yamlExchange struct {
	ID               int32          `yaml:"id"`
	Name             string         `yaml:"name"`
	MIC              string         `yaml:"mic"`
	UTCOffsetSeconds int32          `yaml:"utc_offset_seconds"`
	TradingPeriods   []yamlPeriod   `yaml:"trading_periods"`
	BreakPeriods     []yamlPeriod   `yaml:"break_periods"`
	HalfDayEnd       int32          `yaml:"half_day_end"`
	HalfDays         []int32        `yaml:"half_days"` // yyyymmdd
	TickTable        []yamlTickBand `yaml:"tick_table"`
}

type yamlSecurity struct {
	ID           int32   `yaml:"id"`
	Symbol       string  `yaml:"symbol"`
	LocalSymbol  string  `yaml:"local_symbol"`
	Type         string  `yaml:"type"`
	ExchangeID   int32   `yaml:"exchange_id"`
	Currency     string  `yaml:"currency"`
	FXRate       float64 `yaml:"fx_rate"`
	LotSize      float64 `yaml:"lot_size"`
	TickSize     float64 `yaml:"tick_size"`
	Multiplier   float64 `yaml:"multiplier"`
	ClosePrice   float64 `yaml:"close_price"`
	UnderlyingID int32   `yaml:"underlying_id"`
}

func parseSecurityType(s string) otype.SecurityType {
	switch s {
	case "stock", "":
		return otype.Stock
	case "future":
		return otype.Future
	case "option":
		return otype.Option
	case "forex_pair":
		return otype.ForexPair
	case "index":
		return otype.Index
	case "bond":
		return otype.Bond
	case "commodity":
		return otype.Commodity
	case "warrant":
		return otype.Warrant
	case "combo":
		return otype.Combo
	case "future_option":
		return otype.FutureOption
	default:
		return otype.Stock
	}
}

func toPeriods(in []yamlPeriod) []otype.Period {
	out := make([]otype.Period, 0, len(in))
	for _, p := range in {
		out = append(out, otype.Period{Start: p.Start, End: p.End})
	}
	return out
}

type yamlLimits struct {
	MsgRate            int64   `yaml:"msg_rate"`
	MsgRatePerSecurity int64   `yaml:"msg_rate_per_security"`
	OrderQty           float64 `yaml:"order_qty"`
	OrderValue         float64 `yaml:"order_value"`
	Value              float64 `yaml:"value"`
	Turnover           float64 `yaml:"turnover"`
	TotalValue         float64 `yaml:"total_value"`
	TotalTurnover      float64 `yaml:"total_turnover"`
	TotalLongValue     float64 `yaml:"total_long_value"`
	TotalShortValue    float64 `yaml:"total_short_value"`
}

func (l yamlLimits) toLimits() otype.Limits {
	return otype.Limits{
		MsgRate: l.MsgRate, MsgRatePerSecurity: l.MsgRatePerSecurity,
		OrderQty: l.OrderQty, OrderValue: l.OrderValue,
		Value: l.Value, Turnover: l.Turnover,
		TotalValue: l.TotalValue, TotalTurnover: l.TotalTurnover,
		TotalLongValue: l.TotalLongValue, TotalShortValue: l.TotalShortValue,
	}
}

type yamlBrokerAccount struct {
	ID          int32      `yaml:"id"`
	Name        string     `yaml:"name"`
	AdapterName string     `yaml:"adapter_name"`
	Limits      yamlLimits `yaml:"limits"`
}

type yamlSubAccount struct {
	ID                int32           `yaml:"id"`
	Name              string          `yaml:"name"`
	Limits            yamlLimits      `yaml:"limits"`
	BrokerByExchange  map[int32]int32 `yaml:"broker_by_exchange"`
}

type yamlUser struct {
	ID           int32      `yaml:"id"`
	Name         string     `yaml:"name"`
	PasswordSHA1 string     `yaml:"password_sha1"`
	IsAdmin      bool       `yaml:"is_admin"`
	IsDisabled   bool       `yaml:"is_disabled"`
	Limits       yamlLimits `yaml:"limits"`
	SubAccounts  []int32    `yaml:"sub_accounts"`
}

type yamlCatalog struct {
	Exchanges      []yamlExchange      `yaml:"exchanges"`
	Securities     []yamlSecurity      `yaml:"securities"`
	BrokerAccounts []yamlBrokerAccount `yaml:"broker_accounts"`
	SubAccounts    []yamlSubAccount    `yaml:"sub_accounts"`
	Users          []yamlUser          `yaml:"users"`
}

// Load reads and parses the YAML file into a Snapshot, satisfying Loader.
func (l *FileLoader) Load() (*Snapshot, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("refdata: read %s: %w", l.path, err)
	}
	var doc yamlCatalog
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("refdata: parse %s: %w", l.path, err)
	}

	snap := emptySnapshot()
	for _, e := range doc.Exchanges {
		table := make(otype.TickSizeTable, 0, len(e.TickTable))
		for _, band := range e.TickTable {
			table = append(table, otype.TickBand{LowerBound: band.LowerBound, TickSize: band.TickSize})
		}
		if err := table.Validate(); err != nil {
			return nil, fmt.Errorf("refdata: exchange %s tick table: %w", e.Name, err)
		}
		var halfDays map[int32]bool
		if len(e.HalfDays) > 0 {
			halfDays = make(map[int32]bool, len(e.HalfDays))
			for _, d := range e.HalfDays {
				halfDays[d] = true
			}
		}
		snap.Exchanges[e.ID] = &otype.Exchange{
			ID: e.ID, Name: e.Name, MIC: e.MIC,
			UTCOffsetSeconds: e.UTCOffsetSeconds,
			TradingPeriods:   toPeriods(e.TradingPeriods),
			BreakPeriods:     toPeriods(e.BreakPeriods),
			HalfDayEnd:       e.HalfDayEnd,
			HalfDays:         halfDays,
			TickTable:        table,
		}
	}
	for _, s := range doc.Securities {
		sec := &otype.Security{
			ID: s.ID, Symbol: s.Symbol, LocalSymbol: s.LocalSymbol,
			Type: parseSecurityType(s.Type), Currency: s.Currency, FXRate: s.FXRate,
			LotSize: s.LotSize, TickSize: s.TickSize,
			Multiplier: s.Multiplier, ClosePrice: s.ClosePrice,
			UnderlyingID: s.UnderlyingID,
		}
		if ex, ok := snap.Exchanges[s.ExchangeID]; ok {
			sec.Exchange = ex
		}
		snap.Securities[s.ID] = sec
		snap.SecuritiesBySymbol[s.Symbol] = sec
	}
	for _, b := range doc.BrokerAccounts {
		snap.BrokerAccounts[b.ID] = &otype.BrokerAccount{
			AccountBase: otype.AccountBase{ID: b.ID, Name: b.Name, Limits: b.Limits.toLimits()},
			AdapterName: b.AdapterName,
		}
	}
	for _, s := range doc.SubAccounts {
		sub := &otype.SubAccount{
			AccountBase: otype.AccountBase{ID: s.ID, Name: s.Name, Limits: s.Limits.toLimits()},
		}
		byExch := make(map[int32]*otype.BrokerAccount, len(s.BrokerByExchange))
		for exchID, brokerID := range s.BrokerByExchange {
			if b, ok := snap.BrokerAccounts[brokerID]; ok {
				byExch[exchID] = b
			}
		}
		sub.SetBrokerAccounts(byExch)
		snap.SubAccounts[s.ID] = sub
	}
	for _, u := range doc.Users {
		user := &otype.User{
			AccountBase:  otype.AccountBase{ID: u.ID, Name: u.Name, Limits: u.Limits.toLimits()},
			IsAdmin:      u.IsAdmin,
			IsDisabled:   u.IsDisabled,
			PasswordSHA1: u.PasswordSHA1,
		}
		accs := make(map[int32]*otype.SubAccount, len(u.SubAccounts))
		for _, id := range u.SubAccounts {
			if sub, ok := snap.SubAccounts[id]; ok {
				accs[id] = sub
			}
		}
		user.SetSubAccounts(accs)
		snap.Users[u.ID] = user
	}
	return snap, nil
}
