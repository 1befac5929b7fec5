package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/pkg/types"
)

const minimalYAML = `
broker:
  base_url: https://api.example.test/v2
  access_token: test-token
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, types.ModePaper, cfg.Mode)
	assert.Equal(t, 500000.0, cfg.InitialCapital)
	assert.Equal(t, []string{"NIFTY", "SENSEX"}, cfg.Symbols)
	assert.Equal(t, 2.0, cfg.Risk.RiskPercent)
	assert.Equal(t, 75.0, cfg.Risk.MinSignalStrength)
	assert.Equal(t, 5, cfg.Risk.MaxConcurrentPositions)
	assert.Equal(t, 5*time.Second, cfg.Engine.MarketTick)
	assert.Equal(t, 60*time.Second, cfg.Engine.ReconcileTick)
	assert.Equal(t, 5*time.Minute, cfg.Meta.TickInterval)
	assert.Equal(t, "data/engine.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
mode: live
initial_capital: 1000000
symbols: [NIFTY]
risk:
  risk_percent: 1.5
  max_lots: 10
engine:
  market_tick: 2s
`))
	require.NoError(t, err)

	assert.Equal(t, types.ModeLive, cfg.Mode)
	assert.Equal(t, 1000000.0, cfg.InitialCapital)
	assert.Equal(t, []string{"NIFTY"}, cfg.Symbols)
	assert.Equal(t, 1.5, cfg.Risk.RiskPercent)
	assert.Equal(t, 10, cfg.Risk.MaxLots)
	assert.Equal(t, 2*time.Second, cfg.Engine.MarketTick)
}

func TestLoadEnvOverridesSensitiveFields(t *testing.T) {
	t.Setenv("OPT_ACCESS_TOKEN", "env-token")
	t.Setenv("OPT_TELEGRAM_TOKEN", "tg-token")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Broker.AccessToken)
	assert.Equal(t, "tg-token", cfg.Notify.TelegramToken)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "dry-run" }},
		{"no base url", func(c *Config) { c.Broker.BaseURL = "" }},
		{"no token", func(c *Config) { c.Broker.AccessToken = "" }},
		{"zero capital", func(c *Config) { c.InitialCapital = 0 }},
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"unknown symbol", func(c *Config) { c.Symbols = []string{"BANKNIFTY"} }},
		{"no database", func(c *Config) { c.Database.Path = ""; c.Database.DSN = "" }},
		{"risk percent out of range", func(c *Config) { c.Risk.RiskPercent = 12 }},
		{"inverted lot clamps", func(c *Config) { c.Risk.MinLots = 5; c.Risk.MaxLots = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLiveTradingArmedNeedsAllThreeLocks(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.False(t, cfg.LiveTradingArmed(), "paper mode never arms")

	cfg.Mode = types.ModeLive
	assert.False(t, cfg.LiveTradingArmed(), "live mode alone is not enough")

	cfg.EnableLiveTrading = true
	assert.False(t, cfg.LiveTradingArmed(), "config gates alone are not enough")

	t.Setenv("OPT_LIVE_CONFIRMED", "true")
	assert.True(t, cfg.LiveTradingArmed())
}

func TestTradeSymbols(t *testing.T) {
	cfg := &Config{Symbols: []string{"NIFTY", "SENSEX"}}
	assert.Equal(t, []types.Symbol{types.NIFTY, types.SENSEX}, cfg.TradeSymbols())
}
