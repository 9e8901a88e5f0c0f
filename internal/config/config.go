// Package config defines all configuration for the trading core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Algo      AlgoConfig      `mapstructure:"algo"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Adapters  []AdapterConfig `mapstructure:"adapters"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Frontend  FrontendConfig  `mapstructure:"frontend"`
	RefData   RefDataConfig   `mapstructure:"refdata"`
}

// ServerConfig controls the core process's own listen surface.
type ServerConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	IOThreads    int    `mapstructure:"io_threads"`
	DisableRMS   bool   `mapstructure:"disable_rms"`
}

// JournalConfig configures the append-only order journal.
type JournalConfig struct {
	Dir        string `mapstructure:"dir"`
	SyncOnEach bool   `mapstructure:"sync_on_each"`
}

// AlgoConfig sizes the sharded algorithm runtime.
//
//   - Threads: number of shards; an algo is pinned to id % Threads for life.
//   - TimerResolution: parsed from the file but not read by the runtime;
//     each algo timer (Manager.SetTimeout) runs on its own time.Timer.
type AlgoConfig struct {
	Threads         int           `mapstructure:"threads"`
	TimerResolution time.Duration `mapstructure:"timer_resolution"`
}

// RiskConfig holds the cancel-on-throttle retry envelope dispatch uses.
// The Default* limit fields are parsed from the file but no account
// reads them; account limits come from the reference catalog.
type RiskConfig struct {
	DefaultMsgRate            int64         `mapstructure:"default_msg_rate"`
	DefaultMsgRatePerSecurity int64         `mapstructure:"default_msg_rate_per_security"`
	DefaultOrderQty           float64       `mapstructure:"default_order_qty"`
	DefaultOrderValue         float64       `mapstructure:"default_order_value"`
	CancelRetryBaseDelay      time.Duration `mapstructure:"cancel_retry_base_delay"`
	CancelRetryMaxDelay       time.Duration `mapstructure:"cancel_retry_max_delay"`
}

// AdapterConfig describes one broker/market-data/commission adapter
// instance to wire at startup — the narrow hooks the core is carved
// around; the wire dialects themselves live behind them.
type AdapterConfig struct {
	Name      string `mapstructure:"name"`
	Kind      string `mapstructure:"kind"` // "httpec", "httpmd", "wsmd", "backtest", "commission"
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	DryRun    bool   `mapstructure:"dry_run"`

	// commission-kind fields: which exchange-connectivity adapter's
	// fills this schedule prices, and the per-exchange rate rows.
	Broker string                 `mapstructure:"broker"`
	Rates  []CommissionRateConfig `mapstructure:"rates"`
}

// CommissionRateConfig is one exchange's fee row; exchange 0 is the
// default applied when the traded exchange has no row of its own.
type CommissionRateConfig struct {
	ExchangeID    int32   `mapstructure:"exchange_id"`
	BuyPerShare   float64 `mapstructure:"buy_per_share"`
	BuyPerValue   float64 `mapstructure:"buy_per_value"`
	SellPerShare  float64 `mapstructure:"sell_per_share"`
	SellPerValue  float64 `mapstructure:"sell_per_value"`
}

// StoreConfig sets where position snapshots and target files persist.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FrontendConfig controls the client-protocol WebSocket listener.
type FrontendConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RefDataConfig locates the desk's static universe. The relational
// database is an external collaborator, not part of this core;
// DBURL/CreateTables are accepted purely so --db_url and
// --db_create_tables have somewhere to land; the catalog itself always
// bootstraps from File, a swap-in-place seam (see refdata.Loader).
type RefDataConfig struct {
	File         string `mapstructure:"file"`
	DBURL        string `mapstructure:"db_url"`
	CreateTables bool   `mapstructure:"db_create_tables"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: OT_ADAPTER_API_KEY, OT_ADAPTER_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("OT_ADAPTER_API_KEY"); key != "" && len(cfg.Adapters) > 0 {
		cfg.Adapters[0].APIKey = key
	}
	if secret := os.Getenv("OT_ADAPTER_API_SECRET"); secret != "" && len(cfg.Adapters) > 0 {
		cfg.Adapters[0].APISecret = secret
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required")
	}
	if c.Algo.Threads <= 0 {
		return fmt.Errorf("algo.threads must be > 0")
	}
	if c.Risk.CancelRetryBaseDelay <= 0 {
		return fmt.Errorf("risk.cancel_retry_base_delay must be > 0")
	}
	if c.Risk.CancelRetryMaxDelay < c.Risk.CancelRetryBaseDelay {
		return fmt.Errorf("risk.cancel_retry_max_delay must be >= risk.cancel_retry_base_delay")
	}
	for i, a := range c.Adapters {
		if a.Name == "" {
			return fmt.Errorf("adapters[%d].name is required", i)
		}
		switch a.Kind {
		case "httpec", "httpmd", "wsmd", "backtest":
		case "commission":
			if a.Broker == "" {
				return fmt.Errorf("adapters[%d]: commission adapter requires a broker", i)
			}
		default:
			return fmt.Errorf("adapters[%d].kind must be one of httpec, httpmd, wsmd, backtest, commission", i)
		}
	}
	return nil
}
