package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/internal/broker"
	"options-engine/internal/cache"
	"options-engine/internal/feed"
	"options-engine/pkg/types"
)

type fakeBroker struct {
	ltp       map[string]float64
	ltpErr    error
	ltpCalls  int
	chains    map[string][]broker.ChainStrike // keyed by symbol + expiry date
	chainSpot float64
	degraded  bool
}

func (b *fakeBroker) LTP(_ context.Context, keys []string) (map[string]float64, error) {
	b.ltpCalls++
	if b.ltpErr != nil {
		return nil, b.ltpErr
	}
	out := make(map[string]float64)
	for _, k := range keys {
		if p, ok := b.ltp[k]; ok {
			out[k] = p
		}
	}
	return out, nil
}

func (b *fakeBroker) OptionChain(_ context.Context, sym types.Symbol, expiry time.Time) ([]broker.ChainStrike, float64, error) {
	rows := b.chains[string(sym)+expiry.Format("2006-01-02")]
	return rows, b.chainSpot, nil
}

func (b *fakeBroker) Historical(context.Context, string, string, int) ([]types.OHLC, error) {
	return nil, errors.New("no history")
}

func (b *fakeBroker) MarketDataDegraded() bool { return b.degraded }

type fakeFeed struct {
	last      map[string]feed.FeedMessage
	subscribe [][]string
	connected bool
}

func (f *fakeFeed) Subscribe(keys []string) error {
	f.subscribe = append(f.subscribe, keys)
	return nil
}
func (f *fakeFeed) OnTick(string, feed.Callback) {}
func (f *fakeFeed) LastPrice(key string) (feed.FeedMessage, bool) {
	msg, ok := f.last[key]
	return msg, ok
}
func (f *fakeFeed) Connected() bool { return f.connected }

func newTestManager(t *testing.T, b *fakeBroker, f *fakeFeed, symbols ...types.Symbol) *Manager {
	t.Helper()
	if len(symbols) == 0 {
		symbols = []types.Symbol{types.NIFTY}
	}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	c := cache.New("", "", 0, logger)
	return NewManager(b, f, c, nil, symbols, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestSpotLadderPrefersFeed(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{ltp: map[string]float64{types.NIFTY.IndexKey(): 23990}}
	f := &fakeFeed{last: map[string]feed.FeedMessage{
		types.NIFTY.IndexKey(): {InstrumentKey: types.NIFTY.IndexKey(), LTP: 24000, LTT: time.Now()},
	}}
	m := newTestManager(t, b, f)

	spot, err := m.Spot(context.Background(), types.NIFTY)
	require.NoError(t, err)
	assert.Equal(t, 24000.0, spot, "fresh feed tick wins over REST")
	assert.Zero(t, b.ltpCalls)

	// Second read is served from the write-back, still no REST call.
	spot, err = m.Spot(context.Background(), types.NIFTY)
	require.NoError(t, err)
	assert.Equal(t, 24000.0, spot)
	assert.Zero(t, b.ltpCalls)
}

func TestSpotLadderFallsThroughToREST(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{ltp: map[string]float64{types.NIFTY.IndexKey(): 23990}}
	f := &fakeFeed{last: map[string]feed.FeedMessage{}}
	m := newTestManager(t, b, f)

	spot, err := m.Spot(context.Background(), types.NIFTY)
	require.NoError(t, err)
	assert.Equal(t, 23990.0, spot)
	assert.Equal(t, 1, b.ltpCalls)
}

func TestSpotStaleTickSkipped(t *testing.T) {
	t.Parallel()

	stale := time.Now().Add(-time.Minute)
	b := &fakeBroker{ltp: map[string]float64{types.NIFTY.IndexKey(): 23990}}
	f := &fakeFeed{last: map[string]feed.FeedMessage{
		types.NIFTY.IndexKey(): {InstrumentKey: types.NIFTY.IndexKey(), LTP: 24500, LTT: stale},
	}}
	m := newTestManager(t, b, f)

	spot, err := m.Spot(context.Background(), types.NIFTY)
	require.NoError(t, err)
	assert.Equal(t, 23990.0, spot, "minute-old tick falls through to REST")
}

func TestChainUsesFallbackExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	next := FallbackExpiries(types.NIFTY, now, 1)[0]

	b := &fakeBroker{
		chainSpot: 24000,
		chains: map[string][]broker.ChainStrike{
			// current expiry empty, next one populated
			"NIFTY" + next.Format("2006-01-02"): {
				{Strike: 24000, Call: leg(24000, types.Call, 1000, 100)},
			},
		},
	}
	m := newTestManager(t, b, &fakeFeed{})

	chain, err := m.Chain(context.Background(), types.NIFTY)
	require.NoError(t, err)
	assert.Equal(t, next.Format("2006-01-02"), chain.Expiry.Format("2006-01-02"))
}

func TestSensexAdoptsNiftyPCR(t *testing.T) {
	t.Parallel()

	now := time.Now()
	niftyExp := CurrentExpiry(types.NIFTY, now).Format("2006-01-02")
	sensexExp := CurrentExpiry(types.SENSEX, now).Format("2006-01-02")

	b := &fakeBroker{
		chainSpot: 24000,
		chains: map[string][]broker.ChainStrike{
			"NIFTY" + niftyExp: {
				{Strike: 24000, Call: leg(24000, types.Call, 1000, 100), Put: leg(24000, types.Put, 1200, 100)},
			},
			"SENSEX" + sensexExp: {
				{Strike: 24000, Put: leg(24000, types.Put, 300, 100)},
			},
		},
	}
	m := newTestManager(t, b, &fakeFeed{}, types.NIFTY, types.SENSEX)

	nifty, err := m.Chain(context.Background(), types.NIFTY)
	require.NoError(t, err)
	require.InDelta(t, 1.2, nifty.PCR, 1e-9)

	sensex, err := m.Chain(context.Background(), types.SENSEX)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, sensex.PCR, 1e-9, "zero call OI adopts the NIFTY ratio")
}

func TestSnapshotMarksStaleOnSpotFailure(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{ltpErr: errors.New("boom")}
	m := newTestManager(t, b, &fakeFeed{})

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Stale, "no spot source leaves the snapshot stale")
	require.Contains(t, snap.Symbols, types.NIFTY)
	assert.Zero(t, snap.Symbols[types.NIFTY].Spot)
}

func TestSnapshotFreshWhenSourcesHealthy(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exp := CurrentExpiry(types.NIFTY, now).Format("2006-01-02")
	b := &fakeBroker{
		ltp:       map[string]float64{types.NIFTY.IndexKey(): 24000},
		chainSpot: 24000,
		chains: map[string][]broker.ChainStrike{
			"NIFTY" + exp: {
				{Strike: 24000, Call: leg(24000, types.Call, 1000, 100), Put: leg(24000, types.Put, 800, 100)},
			},
		},
	}
	m := newTestManager(t, b, &fakeFeed{})

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	ss := snap.Symbols[types.NIFTY]
	require.NotNil(t, ss)
	assert.Equal(t, 24000.0, ss.Spot)
	assert.Equal(t, 24000.0, ss.ATMStrike)
	require.NotNil(t, ss.Chain)
}

func TestSnapshotStaleWhenBreakerOpen(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exp := CurrentExpiry(types.NIFTY, now).Format("2006-01-02")
	b := &fakeBroker{
		ltp:       map[string]float64{types.NIFTY.IndexKey(): 24000},
		chainSpot: 24000,
		degraded:  true,
		chains: map[string][]broker.ChainStrike{
			"NIFTY" + exp: {
				{Strike: 24000, Call: leg(24000, types.Call, 1000, 100)},
			},
		},
	}
	m := newTestManager(t, b, &fakeFeed{})

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Stale, "open market-data breaker taints the snapshot")
}
