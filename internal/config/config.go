// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OPT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"options-engine/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode              types.TradeMode `mapstructure:"mode"`
	EnableLiveTrading bool            `mapstructure:"enable_live_trading"`
	InitialCapital    float64         `mapstructure:"initial_capital"`
	Symbols           []string        `mapstructure:"symbols"`

	Broker     BrokerConfig              `mapstructure:"broker"`
	Feed       FeedConfig                `mapstructure:"feed"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Cache      CacheConfig               `mapstructure:"cache"`
	Risk       RiskConfig                `mapstructure:"risk"`
	Meta       MetaConfig                `mapstructure:"meta"`
	Engine     EngineConfig              `mapstructure:"engine"`
	Strategies map[string]StrategyConfig `mapstructure:"strategies"`
	Notify     NotifyConfig              `mapstructure:"notify"`
	Logging    LoggingConfig             `mapstructure:"logging"`
}

// BrokerConfig holds REST API endpoints and credentials.
// AccessToken is the bearer token for all REST and feed-authorize calls.
type BrokerConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	AccessToken string `mapstructure:"access_token"`
}

// FeedConfig tunes the push-socket client.
type FeedConfig struct {
	AuthorizePath     string        `mapstructure:"authorize_path"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
}

// DatabaseConfig selects the relational store. SQLite when Path is set and
// DSN is empty; Postgres when DSN is set.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite file path
	DSN  string `mapstructure:"dsn"`  // postgres DSN, takes precedence
}

// CacheConfig configures the optional shared cache tier. The engine degrades
// to local-only caching when Addr is empty or the store is unreachable.
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RiskConfig sets sizing inputs and the circuit-breaker limits.
//
//   - RiskPercent: base account risk per trade (2 = 2%).
//   - MinSignalStrength: signals below this strength are discarded.
//   - MaxConcurrentPositions: open-position cap across all strategies.
//   - DailyLossLimitPct: daily realized-loss trip as percent of equity.
//   - MaxLots / MinLots: per-order lot clamps.
//   - OverrideToken: re-arms a tripped breaker when presented.
type RiskConfig struct {
	RiskPercent            float64 `mapstructure:"risk_percent"`
	MinSignalStrength      float64 `mapstructure:"min_signal_strength"`
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	DailyLossLimitPct      float64 `mapstructure:"daily_loss_limit_pct"`
	LeverageCap            float64 `mapstructure:"leverage_cap"`
	MinLots                int     `mapstructure:"min_lots"`
	MaxLots                int     `mapstructure:"max_lots"`
	OverrideToken          string  `mapstructure:"override_token"`
}

// MetaConfig configures the meta-controller.
type MetaConfig struct {
	PolicyPath   string        `mapstructure:"policy_path"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	MaxPerGroup  int           `mapstructure:"max_per_group"`
}

// EngineConfig sets the tick cadences and shutdown grace.
type EngineConfig struct {
	MarketTick    time.Duration `mapstructure:"market_tick"`
	ReconcileTick time.Duration `mapstructure:"reconcile_tick"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// StrategyConfig is the per-strategy block. Window and Days restrict when the
// strategy may emit signals; empty means always-on during market hours.
type StrategyConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Allocation float64  `mapstructure:"allocation"`
	Multiplier float64  `mapstructure:"multiplier"`
	Window     string   `mapstructure:"window"` // "09:30-14:45"
	Days       []string `mapstructure:"days"`   // ["Mon","Tue",...]
}

// NotifyConfig selects the notifier backend. With an empty token the engine
// logs notifications instead of sending them.
type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: OPT_ACCESS_TOKEN, OPT_DB_DSN, OPT_REDIS_ADDR,
// OPT_TELEGRAM_TOKEN, OPT_OVERRIDE_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("OPT_ACCESS_TOKEN"); tok != "" {
		cfg.Broker.AccessToken = tok
	}
	if dsn := os.Getenv("OPT_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("OPT_REDIS_ADDR"); addr != "" {
		cfg.Cache.Addr = addr
	}
	if tok := os.Getenv("OPT_TELEGRAM_TOKEN"); tok != "" {
		cfg.Notify.TelegramToken = tok
	}
	if tok := os.Getenv("OPT_OVERRIDE_TOKEN"); tok != "" {
		cfg.Risk.OverrideToken = tok
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(types.ModePaper))
	v.SetDefault("initial_capital", 500000.0)
	v.SetDefault("symbols", []string{"NIFTY", "SENSEX"})
	v.SetDefault("feed.authorize_path", "/feed/market-data-feed/authorize")
	v.SetDefault("feed.reconnect_attempts", 5)
	v.SetDefault("feed.reconnect_base", 5*time.Second)
	v.SetDefault("database.path", "data/engine.db")
	v.SetDefault("risk.risk_percent", 2.0)
	v.SetDefault("risk.min_signal_strength", 75.0)
	v.SetDefault("risk.max_concurrent_positions", 5)
	v.SetDefault("risk.daily_loss_limit_pct", 3.0)
	v.SetDefault("risk.leverage_cap", 2.0)
	v.SetDefault("risk.min_lots", 1)
	v.SetDefault("risk.max_lots", 20)
	v.SetDefault("meta.tick_interval", 5*time.Minute)
	v.SetDefault("meta.max_per_group", 2)
	v.SetDefault("engine.market_tick", 5*time.Second)
	v.SetDefault("engine.reconcile_tick", 60*time.Second)
	v.SetDefault("engine.shutdown_grace", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case types.ModePaper, types.ModeLive:
	default:
		return fmt.Errorf("mode must be %q or %q", types.ModePaper, types.ModeLive)
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.AccessToken == "" {
		return fmt.Errorf("broker.access_token is required (set OPT_ACCESS_TOKEN)")
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be > 0")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for _, s := range c.Symbols {
		switch types.Symbol(s) {
		case types.NIFTY, types.SENSEX:
		default:
			return fmt.Errorf("unsupported symbol %q", s)
		}
	}
	if c.Database.Path == "" && c.Database.DSN == "" {
		return fmt.Errorf("database.path or database.dsn is required")
	}
	if c.Risk.RiskPercent <= 0 || c.Risk.RiskPercent > 10 {
		return fmt.Errorf("risk.risk_percent must be in (0, 10]")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if c.Risk.MinLots <= 0 || c.Risk.MaxLots < c.Risk.MinLots {
		return fmt.Errorf("risk.min_lots/max_lots are inconsistent")
	}
	return nil
}

// LiveTradingArmed reports whether real orders may be placed. Both the mode
// and the explicit gate must agree, and OPT_LIVE_CONFIRMED=true must be set
// in the environment. Three locks against accidental live trading.
func (c *Config) LiveTradingArmed() bool {
	return c.Mode == types.ModeLive &&
		c.EnableLiveTrading &&
		os.Getenv("OPT_LIVE_CONFIRMED") == "true"
}

// TradeSymbols returns the configured symbols as typed values.
func (c *Config) TradeSymbols() []types.Symbol {
	out := make([]types.Symbol, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, types.Symbol(s))
	}
	return out
}
