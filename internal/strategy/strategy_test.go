package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/internal/config"
	"options-engine/pkg/types"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"momentum_rider": "momentum_rider",
		"Momentum-Rider": "momentum_rider",
		"momentum":       "momentum_rider",
		"MeanReversion":  "mean_reversion",
		"bollinger":      "mean_reversion",
		"ORB":            "opening_breakout",
		"opening range":  "opening_breakout",
		"unknown_thing":  "unknown_thing",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	strats, err := Build(map[string]config.StrategyConfig{
		"momentum":      {Enabled: true},
		"MeanReversion": {Enabled: true},
		"orb":           {Enabled: false},
	})
	require.NoError(t, err)
	require.Len(t, strats, 2)

	ids := []string{strats[0].ID(), strats[1].ID()}
	assert.Contains(t, ids, "momentum_rider")
	assert.Contains(t, ids, "mean_reversion")
}

func TestBuildUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := Build(map[string]config.StrategyConfig{
		"momentum_ridr": {Enabled: true},
	})
	assert.Error(t, err)
}

func TestBuildDuplicateAlias(t *testing.T) {
	t.Parallel()

	_, err := Build(map[string]config.StrategyConfig{
		"momentum":       {Enabled: true},
		"momentum_rider": {Enabled: true},
	})
	assert.Error(t, err)
}

func TestGateWindowAndDays(t *testing.T) {
	t.Parallel()

	g := newGate(config.StrategyConfig{Window: "09:30-14:45", Days: []string{"Mon", "Tue"}})

	monMorning := time.Date(2025, 8, 25, 10, 0, 0, 0, types.IST()) // Monday
	assert.True(t, g.open(monMorning))

	monLate := time.Date(2025, 8, 25, 15, 0, 0, 0, types.IST())
	assert.False(t, g.open(monLate))

	wedMorning := time.Date(2025, 8, 27, 10, 0, 0, 0, types.IST())
	assert.False(t, g.open(wedMorning))

	always := newGate(config.StrategyConfig{})
	assert.True(t, always.open(monLate))
}

// snapshotWith builds a one-symbol snapshot with an ATM straddle present.
func snapshotWith(t *testing.T, tech types.Technicals, spot float64) *types.MarketSnapshot {
	t.Helper()
	expiry := time.Date(2025, 8, 26, 0, 0, 0, 0, types.IST())
	atm := 24000.0
	mkLeg := func(strike float64, right types.Right) *types.OptionLeg {
		return &types.OptionLeg{Strike: strike, Right: right, Bid: 99, Ask: 101, Last: 100, OI: 1000, Volume: 100}
	}
	chain := &types.OptionChain{
		Symbol:    types.NIFTY,
		Expiry:    expiry,
		SpotPrice: spot,
		Strikes: map[float64]types.StrikePair{
			atm:      {Call: mkLeg(atm, types.Call), Put: mkLeg(atm, types.Put)},
			atm + 50: {Call: mkLeg(atm+50, types.Call), Put: mkLeg(atm+50, types.Put)},
			atm - 50: {Call: mkLeg(atm-50, types.Call), Put: mkLeg(atm-50, types.Put)},
		},
		CapturedAt: time.Now(),
	}
	return &types.MarketSnapshot{
		Symbols: map[types.Symbol]*types.SymbolSnapshot{
			types.NIFTY: {
				Symbol:     types.NIFTY,
				Spot:       spot,
				ATMStrike:  atm,
				Expiry:     expiry,
				Chain:      chain,
				Technicals: tech,
			},
		},
		CapturedAt: time.Date(2025, 8, 25, 10, 30, 0, 0, types.IST()),
	}
}

func TestMomentumRiderBullish(t *testing.T) {
	t.Parallel()

	s := newMomentumRider(config.StrategyConfig{})
	snap := snapshotWith(t, types.Technicals{
		RSI: 68, MACD: 12, MACDSig: 8, VWAP: 23900, ADX: 30,
	}, 24000)

	sigs := s.Evaluate(snap)
	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, types.Call, sig.Right)
	assert.Equal(t, 24000.0, sig.Strike)
	assert.Equal(t, types.Buy, sig.Side)
	assert.InDelta(t, 100, sig.EntryPrice, 1e-9, "mid of 99/101")
	assert.Greater(t, sig.Target, sig.EntryPrice)
	assert.Less(t, sig.StopLoss, sig.EntryPrice)
	assert.Greater(t, sig.Strength, 60.0)
}

func TestMomentumRiderBearish(t *testing.T) {
	t.Parallel()

	s := newMomentumRider(config.StrategyConfig{})
	snap := snapshotWith(t, types.Technicals{
		RSI: 32, MACD: -12, MACDSig: -8, VWAP: 24100, ADX: 30,
	}, 24000)

	sigs := s.Evaluate(snap)
	require.Len(t, sigs, 1)
	assert.Equal(t, types.Put, sigs[0].Right)
}

func TestMomentumRiderQuietWithoutTrend(t *testing.T) {
	t.Parallel()

	s := newMomentumRider(config.StrategyConfig{})
	snap := snapshotWith(t, types.Technicals{
		RSI: 68, MACD: 12, MACDSig: 8, VWAP: 23900, ADX: 15, // ADX below floor
	}, 24000)
	assert.Empty(t, s.Evaluate(snap))
}

func TestMeanReversionSkipsHighVol(t *testing.T) {
	t.Parallel()

	s := newMeanReversion(config.StrategyConfig{})
	tech := types.Technicals{
		RSI: 25, BBUpper: 24200, BBLower: 23950, ADX: 20,
		Regime: types.RegimeHighVol,
	}
	snap := snapshotWith(t, tech, 23900) // below lower band, oversold
	assert.Empty(t, s.Evaluate(snap))

	tech.Regime = types.RegimeNormalVol
	snap = snapshotWith(t, tech, 23900)
	sigs := s.Evaluate(snap)
	require.Len(t, sigs, 1)
	assert.Equal(t, types.Call, sigs[0].Right)
}

func TestOpeningBreakoutDirection(t *testing.T) {
	t.Parallel()

	s := newOpeningBreakout(config.StrategyConfig{})
	snap := snapshotWith(t, types.Technicals{
		VWAP: 23900, ATR: 100, ADX: 30,
	}, 24000) // +1 ATR above VWAP

	sigs := s.Evaluate(snap)
	require.Len(t, sigs, 1)
	assert.Equal(t, types.Call, sigs[0].Right)
	assert.Equal(t, 24050.0, sigs[0].Strike, "one step OTM")

	snap = snapshotWith(t, types.Technicals{VWAP: 24100, ATR: 100, ADX: 30}, 24000)
	sigs = s.Evaluate(snap)
	require.Len(t, sigs, 1)
	assert.Equal(t, types.Put, sigs[0].Right)
	assert.Equal(t, 23950.0, sigs[0].Strike)
}

func TestOpeningBreakoutWindowClosed(t *testing.T) {
	t.Parallel()

	s := newOpeningBreakout(config.StrategyConfig{})
	snap := snapshotWith(t, types.Technicals{VWAP: 23900, ATR: 100, ADX: 30}, 24000)
	snap.CapturedAt = time.Date(2025, 8, 25, 14, 0, 0, 0, types.IST()) // after 11:30
	assert.Empty(t, s.Evaluate(snap))
}
