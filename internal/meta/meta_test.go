package meta

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/pkg/types"
)

func TestCapAndNormalizeNoopWhenUnderCap(t *testing.T) {
	t.Parallel()

	w := types.Uniform().Weights
	got := CapAndNormalize(w)
	assert.InDelta(t, 1.0, sum(got), 1e-9)
	for i, v := range got {
		assert.InDelta(t, 1.0/9, v, 1e-9, "component %d", i)
	}
}

func TestCapAndNormalizeSingleHeavyGroup(t *testing.T) {
	t.Parallel()

	var w [types.NumMetaGroups]float64
	w[0] = 0.90
	for i := 1; i < types.NumMetaGroups; i++ {
		w[i] = 0.10 / 8
	}

	got := CapAndNormalize(w)
	assert.InDelta(t, types.MaxComponent, got[0], 1e-9)
	assert.InDelta(t, 1.0, sum(got), 1e-9)
	for i := 1; i < types.NumMetaGroups; i++ {
		assert.InDelta(t, 0.65/8, got[i], 1e-9)
	}
}

func TestCapAndNormalizeCascade(t *testing.T) {
	t.Parallel()

	// Two heavy groups: capping the first pushes the second further over,
	// so the clamp must iterate.
	var w [types.NumMetaGroups]float64
	w[0] = 0.60
	w[1] = 0.30
	for i := 2; i < types.NumMetaGroups; i++ {
		w[i] = 0.10 / 7
	}

	got := CapAndNormalize(w)
	assert.InDelta(t, 1.0, sum(got), 1e-9)
	for i, v := range got {
		assert.LessOrEqual(t, v, types.MaxComponent+1e-9, "component %d", i)
		assert.GreaterOrEqual(t, v, 0.0)
	}
	assert.InDelta(t, types.MaxComponent, got[0], 1e-9)
	assert.InDelta(t, types.MaxComponent, got[1], 1e-9)
}

func TestCapAndNormalizeDegenerateInput(t *testing.T) {
	t.Parallel()

	var zero [types.NumMetaGroups]float64
	got := CapAndNormalize(zero)
	assert.InDelta(t, 1.0, sum(got), 1e-9, "all-zero input falls back to uniform")

	var negative [types.NumMetaGroups]float64
	negative[0] = -0.5
	negative[1] = 1.0
	got = CapAndNormalize(negative)
	assert.GreaterOrEqual(t, got[0], 0.0)
	assert.InDelta(t, 1.0, sum(got), 1e-9)
}

func sum(w [types.NumMetaGroups]float64) float64 {
	s := 0.0
	for _, v := range w {
		s += v
	}
	return s
}

func TestLoadPolicyMissingFile(t *testing.T) {
	t.Parallel()

	p, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err, "missing artifact is not an error")
	assert.Nil(t, p)

	p, err = LoadPolicy("")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLoadPolicyCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := LoadPolicy(path)
	assert.Error(t, err, "corrupt artifact must fail loudly")
}

func TestLoadPolicyShapeMismatch(t *testing.T) {
	t.Parallel()

	bad := testPolicy(t)
	bad.W1[0] = bad.W1[0][:10] // wrong input width

	raw, err := json.Marshal(bad)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = LoadPolicy(path)
	assert.Error(t, err)
}

// testPolicy builds a tiny valid artifact with a 4-wide hidden layer.
func testPolicy(t *testing.T) *Policy {
	t.Helper()
	const hidden = 4
	p := &Policy{Version: "v1", CriticLoss: 0.12}
	for i := 0; i < hidden; i++ {
		row := make([]float64, NumFeatures)
		for j := range row {
			row[j] = 0.01 * float64(i+1)
		}
		p.W1 = append(p.W1, row)
		p.B1 = append(p.B1, 0.1)
	}
	for i := 0; i < types.NumMetaGroups; i++ {
		row := make([]float64, hidden)
		for j := range row {
			row[j] = 0.05 * float64(i-4) // spread the logits
		}
		p.W2 = append(p.W2, row)
		p.B2 = append(p.B2, 0)
	}
	return p
}

func TestPolicyAllocateIsValidDistribution(t *testing.T) {
	t.Parallel()

	p := testPolicy(t)
	var features [NumFeatures]float64
	for i := range features {
		features[i] = 0.5
	}

	a := p.Allocate(features)
	assert.InDelta(t, 1.0, a.Sum(), 1e-9)
	for i, w := range a.Weights {
		assert.GreaterOrEqual(t, w, 0.0, "component %d", i)
		assert.LessOrEqual(t, w, types.MaxComponent+1e-9, "component %d", i)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	t.Parallel()

	want := testPolicy(t)
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	got, err := LoadPolicy(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", got.Version)
	assert.Equal(t, want.W1, got.W1)
}

// featureLeg builds one chain leg with quoted IV, gamma, and OI.
func featureLeg(strike float64, right types.Right, iv, gamma float64, oi int64) *types.OptionLeg {
	return &types.OptionLeg{
		Strike: strike, Right: right, OI: oi,
		Greeks: types.Greeks{IV: iv, Gamma: gamma},
	}
}

func TestBuildFeaturesLayout(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 8, 25, 11, 0, 0, 0, types.IST()) // a Monday

	near := &types.OptionChain{
		Symbol: types.NIFTY, SpotPrice: 24000,
		Strikes: map[float64]types.StrikePair{
			24000: {
				Call: featureLeg(24000, types.Call, 0.12, 0.002, 100_000),
				Put:  featureLeg(24000, types.Put, 0.15, 0.0018, 120_000),
			},
		},
		PCR: 1.2, MaxPainStrike: 24100,
		TotalCallVol: 2000, TotalPutVol: 3000,
	}
	next := &types.OptionChain{
		Symbol: types.NIFTY, SpotPrice: 24000,
		Strikes: map[float64]types.StrikePair{
			24000: {
				Call: featureLeg(24000, types.Call, 0.15, 0, 0),
				Put:  featureLeg(24000, types.Put, 0.16, 0, 0),
			},
		},
		PCR: 0.8, TotalCallVol: 1000, TotalPutVol: 400,
	}

	snap := &types.MarketSnapshot{
		Symbols: map[types.Symbol]*types.SymbolSnapshot{
			types.NIFTY: {
				Symbol: types.NIFTY, Spot: 24000,
				Chain: near, NextChain: next,
				OIVelocity: types.OIVelocity{Call15: 1000, Put15: -500, Call30: 800, Put30: 200},
				Technicals: types.Technicals{
					RSI: 60, ADX: 25, ATR: 40, VWAP: 23950,
					Return1: 0.002, Return3: -0.004, Return9: 0.006,
					IVRank: 0.5, VIXProxy: 12,
				},
			},
		},
		CapturedAt: now,
	}

	f := NewFeatureBuilder().Build(snap, nil, 0, 1_000_000, now)

	assert.InDelta(t, math.Log10(24000)/5, f[0], 1e-9, "log spot")
	assert.InDelta(t, 0.2, f[1], 1e-9, "return over 1 bar ×100")
	assert.InDelta(t, -0.4, f[2], 1e-9, "return over 3 bars")
	assert.InDelta(t, 0.6, f[3], 1e-9, "return over 9 bars")
	assert.InDelta(t, 0.5, f[4], 1e-9, "IV rank")
	assert.InDelta(t, 0.6, f[5], 1e-9, "near OI PCR 1.2 / 2")
	assert.InDelta(t, 0.75, f[6], 1e-9, "near volume PCR 1.5 / 2")
	assert.InDelta(t, 0.4, f[7], 1e-9, "next OI PCR 0.8 / 2")
	assert.InDelta(t, 0.2, f[8], 1e-9, "next volume PCR 0.4 / 2")
	assert.InDelta(t, 100.0/24000, f[9], 1e-9, "max-pain distance")

	// Net gamma: 0.002×100k − 0.0018×120k = −16; GEX = −16 × 24000² × 1e-4.
	assert.InDelta(t, math.Tanh(-921_600.0/1e9), f[10], 1e-9, "gamma exposure")
	assert.InDelta(t, math.Tanh(-16.0/5000), f[11], 1e-9, "net gamma")
	assert.Zero(t, f[12], "first tick has no gamma slope")

	assert.InDelta(t, 0.3, f[13], 1e-9, "IV skew (0.15−0.12) ×10")
	assert.InDelta(t, 0.2, f[14], 1e-9, "IV term slope (0.155−0.135) ×10")
	assert.InDelta(t, math.Tanh(0.2), f[15], 1e-9, "call OI velocity 15m")
	assert.InDelta(t, math.Tanh(-0.1), f[16], 1e-9, "put OI velocity 15m")
	assert.InDelta(t, math.Tanh(0.16), f[17], 1e-9, "call OI velocity 30m")
	assert.InDelta(t, math.Tanh(0.04), f[18], 1e-9, "put OI velocity 30m")
	assert.InDelta(t, 50.0/120, f[19], 1e-9, "VWAP distance in ATRs")
	assert.InDelta(t, 0.60, f[20], 1e-9, "RSI")
	assert.InDelta(t, 0.25, f[21], 1e-9, "ADX")
	assert.InDelta(t, 40.0/24000, f[22], 1e-9, "ATR ratio")
	assert.InDelta(t, 0.12, f[23], 1e-9, "VIX proxy")

	for i := 24; i < 28; i++ {
		assert.Zero(t, f[i], "missing SENSEX block is zero, index %d", i)
	}

	assert.InDelta(t, 105.0/375, f[32], 1e-9, "105 minutes into the session")
	assert.Zero(t, f[33], "Monday")
	assert.Equal(t, 1.0, f[NumFeatures-1], "bias term")
}

func TestBuildFeaturesGammaSlope(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 8, 25, 11, 0, 0, 0, types.IST())
	chainWithGamma := func(gamma float64) *types.OptionChain {
		return &types.OptionChain{
			Symbol: types.NIFTY, SpotPrice: 24000,
			Strikes: map[float64]types.StrikePair{
				24000: {Call: featureLeg(24000, types.Call, 0.12, gamma, 1000)},
			},
		}
	}
	snapWith := func(gamma float64) *types.MarketSnapshot {
		return &types.MarketSnapshot{Symbols: map[types.Symbol]*types.SymbolSnapshot{
			types.NIFTY: {Symbol: types.NIFTY, Spot: 24000, Chain: chainWithGamma(gamma)},
		}}
	}

	b := NewFeatureBuilder()
	f := b.Build(snapWith(0.002), nil, 0, 1_000_000, now)
	assert.Zero(t, f[12])

	// Net gamma moves 2 → 3; the slope is the first difference.
	f = b.Build(snapWith(0.003), nil, 0, 1_000_000, now)
	assert.InDelta(t, math.Tanh(1.0/1000), f[12], 1e-9)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sigFor(strategy string, strength, confidence float64, strike float64) types.Signal {
	return types.Signal{
		StrategyID: strategy,
		Symbol:     types.NIFTY,
		Strike:     strike,
		Right:      types.Call,
		Side:       types.Buy,
		EntryPrice: 100, Target: 140, StopLoss: 80,
		Strength: strength, Confidence: confidence,
	}
}

func TestSelectEntriesRanksAndCaps(t *testing.T) {
	t.Parallel()

	c := NewController(nil, nil, 2, discardLogger())
	groups := map[string]int{"a": 0, "b": 1}

	// Six candidates in two groups; uniform allocation makes the score
	// strength × confidence.
	var sigs []types.Signal
	for i := 0; i < 3; i++ {
		sigs = append(sigs, sigFor("a", 90-float64(i), 0.9, 24000+float64(i)*50))
		sigs = append(sigs, sigFor("b", 80-float64(i), 0.9, 24000+float64(i)*50))
	}

	got := c.SelectEntries(sigs, groups, nil)
	require.Len(t, got, 4, "two per group")
	assert.Equal(t, "a", got[0].StrategyID)
	assert.Equal(t, 90.0, got[0].Strength)

	perGroup := map[string]int{}
	for _, s := range got {
		perGroup[s.StrategyID]++
	}
	assert.Equal(t, 2, perGroup["a"])
	assert.Equal(t, 2, perGroup["b"])
}

func TestSelectEntriesCountsOpenPositions(t *testing.T) {
	t.Parallel()

	c := NewController(nil, nil, 2, discardLogger())
	groups := map[string]int{"a": 0}
	open := []*types.Position{
		{StrategyID: "a", Status: types.StatusOpen},
		{StrategyID: "a", Status: types.StatusOpen},
	}

	got := c.SelectEntries([]types.Signal{sigFor("a", 90, 0.9, 24000)}, groups, open)
	assert.Empty(t, got, "group already full with open positions")
}

func TestSelectEntriesTotalLimit(t *testing.T) {
	t.Parallel()

	c := NewController(nil, nil, 2, discardLogger())
	groups := map[string]int{"a": 0, "b": 1, "c": 2, "d": 3}

	var sigs []types.Signal
	for i, id := range []string{"a", "b", "c", "d"} {
		sigs = append(sigs, sigFor(id, 90, 0.9, 24000+float64(i)*50))
		sigs = append(sigs, sigFor(id, 85, 0.9, 24400+float64(i)*50))
	}

	got := c.SelectEntries(sigs, groups, nil)
	assert.Len(t, got, 5, "per-tick fan-out cap")
}

func TestControllerPauseGates(t *testing.T) {
	t.Parallel()

	c := NewController(nil, nil, 2, discardLogger())
	now := time.Date(2025, 8, 25, 11, 0, 0, 0, types.IST())

	snap := &types.MarketSnapshot{
		Symbols: map[types.Symbol]*types.SymbolSnapshot{
			types.NIFTY: {Symbol: types.NIFTY, Technicals: types.Technicals{IVRank: 0.97}},
		},
	}
	c.Tick(snap, nil, 0, 1_000_000, now)

	paused, reason := c.Paused()
	assert.True(t, paused)
	assert.Contains(t, reason, "IV rank")
	assert.Empty(t, c.SelectEntries([]types.Signal{sigFor("a", 90, 0.9, 24000)}, map[string]int{"a": 0}, nil))

	// Regime normalizes on the next tick.
	snap.Symbols[types.NIFTY].Technicals.IVRank = 0.40
	c.Tick(snap, nil, 0, 1_000_000, now)
	paused, _ = c.Paused()
	assert.False(t, paused)
}

func TestControllerPauseOnGammaExposure(t *testing.T) {
	t.Parallel()

	c := NewController(nil, nil, 2, discardLogger())
	now := time.Date(2025, 8, 25, 11, 0, 0, 0, types.IST())

	// 0.004 × 10M OI × 80000² × 1e-4 = 2.56e10, far beyond the gate.
	chain := &types.OptionChain{
		Symbol: types.SENSEX, SpotPrice: 80000,
		Strikes: map[float64]types.StrikePair{
			80000: {Call: featureLeg(80000, types.Call, 0.12, 0.004, 10_000_000)},
		},
	}
	snap := &types.MarketSnapshot{Symbols: map[types.Symbol]*types.SymbolSnapshot{
		types.SENSEX: {Symbol: types.SENSEX, Spot: 80000, Chain: chain},
	}}

	c.Tick(snap, nil, 0, 1_000_000, now)
	paused, reason := c.Paused()
	assert.True(t, paused)
	assert.Contains(t, reason, "gamma exposure")
	assert.Empty(t, c.SelectEntries([]types.Signal{sigFor("a", 90, 0.9, 24000)}, map[string]int{"a": 0}, nil))
}

func TestControllerPauseOnPortfolioDelta(t *testing.T) {
	t.Parallel()

	c := NewController(nil, nil, 2, discardLogger())
	now := time.Date(2025, 8, 25, 11, 0, 0, 0, types.IST())
	open := []*types.Position{{
		Status:        types.StatusOpen,
		Quantity:      1000,
		CurrentGreeks: types.Greeks{Delta: 0.6},
	}}

	c.Tick(&types.MarketSnapshot{}, open, 0, 1_000_000, now)
	paused, reason := c.Paused()
	assert.True(t, paused)
	assert.Contains(t, reason, "delta")
}

type fakeAllocStore struct {
	rows []bool // paused flags
}

func (s *fakeAllocStore) RecordAllocation(_ types.Allocation, _ float64, _ string, paused bool) error {
	s.rows = append(s.rows, paused)
	return nil
}

func TestControllerAuditsEveryTick(t *testing.T) {
	t.Parallel()

	store := &fakeAllocStore{}
	c := NewController(nil, store, 2, discardLogger())
	now := time.Date(2025, 8, 25, 11, 0, 0, 0, types.IST())

	c.Tick(&types.MarketSnapshot{}, nil, 0, 1_000_000, now)
	c.Tick(&types.MarketSnapshot{}, nil, 0, 1_000_000, now)
	assert.Len(t, store.rows, 2)
}
