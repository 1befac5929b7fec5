// Package marketdata assembles the per-tick view of the market: spot prices,
// filtered option chains, rolling candle windows, and the derived technical
// indicator block. The Manager owns the freshness ladder — push feed first,
// two-tier cache second, REST last — and stamps every snapshot with a
// staleness marker so downstream consumers can refuse to trade on old data.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"options-engine/internal/broker"
	"options-engine/internal/cache"
	"options-engine/internal/feed"
	"options-engine/pkg/types"
)

const (
	spotMaxAge  = 5 * time.Second
	chainMaxAge = 10 * time.Second

	ivHistoryCap     = 500
	fallbackExpiries = 3

	oiHistoryWindow = 45 * time.Minute
	nextChainEvery  = 5 * time.Minute

	// 75 five-minute bars per session, 252 sessions.
	fiveMinBarsPerYear = 75 * 252
)

type brokerAPI interface {
	LTP(ctx context.Context, keys []string) (map[string]float64, error)
	OptionChain(ctx context.Context, sym types.Symbol, expiry time.Time) ([]broker.ChainStrike, float64, error)
	Historical(ctx context.Context, key, unit string, interval int) ([]types.OHLC, error)
	MarketDataDegraded() bool
}

type feedSource interface {
	Subscribe(keys []string) error
	OnTick(key string, cb feed.Callback)
	LastPrice(key string) (feed.FeedMessage, bool)
	Connected() bool
}

type spotPoint struct {
	Price      float64   `json:"price"`
	CapturedAt time.Time `json:"captured_at"`
}

// oiSample is one point of per-side open-interest history, kept to derive
// the OI build velocity.
type oiSample struct {
	at     time.Time
	callOI int64
	putOI  int64
}

// Manager builds MarketSnapshots for the configured symbols. Safe for
// concurrent use; the engine tick and the feed callbacks share it.
type Manager struct {
	broker    brokerAPI
	feed      feedSource
	cache     *cache.Cache
	persister *ChainPersister
	logger    *slog.Logger
	symbols   []types.Symbol

	mu          sync.RWMutex
	windows     map[types.Symbol]map[string]*candleWindow
	lastSpot    map[types.Symbol]spotPoint
	lastChain   map[types.Symbol]*types.OptionChain
	lastTech    map[types.Symbol]types.Technicals
	oiHist      map[types.Symbol][]oiSample
	nextChain   map[types.Symbol]*types.OptionChain
	nextChainAt map[types.Symbol]time.Time
}

func NewManager(b brokerAPI, f feedSource, c *cache.Cache, p *ChainPersister, symbols []types.Symbol, logger *slog.Logger) *Manager {
	m := &Manager{
		broker:      b,
		feed:        f,
		cache:       c,
		persister:   p,
		logger:      logger.With("component", "marketdata"),
		symbols:     symbols,
		windows:     make(map[types.Symbol]map[string]*candleWindow),
		lastSpot:    make(map[types.Symbol]spotPoint),
		lastChain:   make(map[types.Symbol]*types.OptionChain),
		lastTech:    make(map[types.Symbol]types.Technicals),
		oiHist:      make(map[types.Symbol][]oiSample),
		nextChain:   make(map[types.Symbol]*types.OptionChain),
		nextChainAt: make(map[types.Symbol]time.Time),
	}
	for _, sym := range symbols {
		m.windows[sym] = map[string]*candleWindow{
			"5m":  newCandleWindow(5*time.Minute, 200),
			"15m": newCandleWindow(15*time.Minute, 100),
			"1h":  newCandleWindow(time.Hour, 60),
		}
	}
	return m
}

// Start subscribes the index instruments on the feed, registers the spot
// callbacks, and warms the candle windows from historical bars. Warm-up
// failures degrade to live-only windows rather than aborting startup.
func (m *Manager) Start(ctx context.Context) error {
	keys := make([]string, 0, len(m.symbols))
	for _, sym := range m.symbols {
		keys = append(keys, sym.IndexKey())
	}
	if err := m.feed.Subscribe(keys); err != nil {
		return fmt.Errorf("subscribe index feed: %w", err)
	}
	for _, sym := range m.symbols {
		sym := sym
		m.feed.OnTick(sym.IndexKey(), func(msg feed.FeedMessage) {
			m.onSpot(sym, msg)
		})
	}

	for _, sym := range m.symbols {
		if err := m.warmCandles(ctx, sym); err != nil {
			m.logger.Warn("candle warm-up failed, windows build from live ticks",
				"symbol", sym, "error", err)
		}
	}
	return nil
}

func (m *Manager) warmCandles(ctx context.Context, sym types.Symbol) error {
	specs := []struct {
		name     string
		unit     string
		interval int
	}{
		{"5m", "minutes", 5},
		{"15m", "minutes", 15},
		{"1h", "hours", 1},
	}
	for _, s := range specs {
		candles, err := m.broker.Historical(ctx, sym.IndexKey(), s.unit, s.interval)
		if err != nil {
			return fmt.Errorf("%s history: %w", s.name, err)
		}
		m.mu.Lock()
		m.windows[sym][s.name].seed(candles)
		m.mu.Unlock()
	}
	return nil
}

// onSpot is the feed callback for index ticks: record the spot, push it into
// the shared cache, and roll the candle windows.
func (m *Manager) onSpot(sym types.Symbol, msg feed.FeedMessage) {
	if msg.LTP <= 0 {
		return
	}
	at := msg.LTT
	if at.IsZero() {
		at = time.Now()
	}
	pt := spotPoint{Price: msg.LTP, CapturedAt: at}

	m.mu.Lock()
	m.lastSpot[sym] = pt
	for _, w := range m.windows[sym] {
		w.update(msg.LTP, 0, at)
	}
	m.mu.Unlock()

	m.cache.Set(context.Background(), cache.Spot, string(sym), pt)
}

// Spot resolves the index price through the freshness ladder: cache (local
// then shared), feed last-tick, then REST. Cache misses refreshed from feed
// or REST are written back.
func (m *Manager) Spot(ctx context.Context, sym types.Symbol) (float64, error) {
	var pt spotPoint
	if m.cache.Get(ctx, cache.Spot, string(sym), &pt) && pt.Price > 0 {
		return pt.Price, nil
	}

	if msg, ok := m.feed.LastPrice(sym.IndexKey()); ok && msg.LTP > 0 {
		if msg.LTT.IsZero() || time.Since(msg.LTT) <= spotMaxAge {
			pt = spotPoint{Price: msg.LTP, CapturedAt: time.Now()}
			m.recordSpot(ctx, sym, pt)
			return msg.LTP, nil
		}
	}

	prices, err := m.broker.LTP(ctx, []string{sym.IndexKey()})
	if err != nil {
		return 0, fmt.Errorf("spot %s: %w", sym, err)
	}
	price, ok := prices[sym.IndexKey()]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("spot %s: no quote for %s", sym, sym.IndexKey())
	}
	pt = spotPoint{Price: price, CapturedAt: time.Now()}
	m.recordSpot(ctx, sym, pt)
	return price, nil
}

func (m *Manager) recordSpot(ctx context.Context, sym types.Symbol, pt spotPoint) {
	m.mu.Lock()
	m.lastSpot[sym] = pt
	m.mu.Unlock()
	m.cache.Set(ctx, cache.Spot, string(sym), pt)
}

// Chain returns the filtered option chain for the symbol's current expiry.
// An empty chain falls through the next weekly expiries before giving up.
func (m *Manager) Chain(ctx context.Context, sym types.Symbol) (*types.OptionChain, error) {
	var cached types.OptionChain
	if m.cache.Get(ctx, cache.Chain, string(sym), &cached) && len(cached.Strikes) > 0 {
		m.mu.Lock()
		m.lastChain[sym] = &cached
		m.mu.Unlock()
		return &cached, nil
	}

	expiries := ExpiryLadder(sym, time.Now(), fallbackExpiries)

	var lastErr error
	for i, expiry := range expiries {
		rows, spot, err := m.broker.OptionChain(ctx, sym, expiry)
		if err != nil {
			lastErr = err
			if broker.IsPermanent(err) {
				continue // wrong expiry for this symbol, try the next cycle
			}
			return nil, fmt.Errorf("chain %s: %w", sym, err)
		}
		if len(rows) == 0 {
			lastErr = fmt.Errorf("empty chain for %s %s", sym, expiry.Format("2006-01-02"))
			continue
		}
		if i > 0 {
			m.logger.Info("chain resolved on fallback expiry",
				"symbol", sym, "expiry", expiry.Format("2006-01-02"), "attempt", i+1)
		}

		chain := BuildChain(sym, expiry, spot, rows, time.Now())
		m.deriveChainStats(chain)

		m.mu.Lock()
		m.lastChain[sym] = chain
		m.recordOILocked(sym, chain)
		m.mu.Unlock()
		m.cache.Set(ctx, cache.Chain, string(sym), chain)
		if m.persister != nil {
			m.persister.Offer(chain)
		}
		return chain, nil
	}
	return nil, fmt.Errorf("chain %s: all expiries exhausted: %w", sym, lastErr)
}

// deriveChainStats patches aggregates that cannot be derived from the chain
// itself. A chain with zero call OI (thin SENSEX sessions) adopts the sibling
// NIFTY PCR instead of reporting zero.
func (m *Manager) deriveChainStats(chain *types.OptionChain) {
	if chain.TotalCallOI > 0 || chain.Symbol == types.NIFTY {
		return
	}
	m.mu.RLock()
	nifty := m.lastChain[types.NIFTY]
	m.mu.RUnlock()
	if nifty == nil || nifty.PCR == 0 {
		return
	}
	chain.PCR = nifty.PCR
	m.logger.Info("zero call OI, adopting NIFTY PCR",
		"symbol", chain.Symbol, "pcr", chain.PCR)
}

// recordOILocked appends a per-side OI sample and drops anything older than
// the velocity window. Caller holds m.mu.
func (m *Manager) recordOILocked(sym types.Symbol, chain *types.OptionChain) {
	hist := append(m.oiHist[sym], oiSample{
		at:     chain.CapturedAt,
		callOI: chain.TotalCallOI,
		putOI:  chain.TotalPutOI,
	})
	cutoff := chain.CapturedAt.Add(-oiHistoryWindow)
	for len(hist) > 0 && hist[0].at.Before(cutoff) {
		hist = hist[1:]
	}
	m.oiHist[sym] = hist
}

// oiVelocity derives the per-side OI build rate against the oldest samples
// inside the 15- and 30-minute windows. Too little history yields zeros.
func (m *Manager) oiVelocity(sym types.Symbol, chain *types.OptionChain) types.OIVelocity {
	m.mu.RLock()
	hist := m.oiHist[sym]
	m.mu.RUnlock()

	var v types.OIVelocity
	v.Call15, v.Put15 = oiRate(hist, chain, 15*time.Minute)
	v.Call30, v.Put30 = oiRate(hist, chain, 30*time.Minute)
	return v
}

func oiRate(hist []oiSample, chain *types.OptionChain, window time.Duration) (call, put float64) {
	cutoff := chain.CapturedAt.Add(-window)
	for _, s := range hist {
		if s.at.Before(cutoff) || !s.at.Before(chain.CapturedAt) {
			continue
		}
		mins := chain.CapturedAt.Sub(s.at).Minutes()
		if mins < 1 {
			return 0, 0
		}
		return float64(chain.TotalCallOI-s.callOI) / mins, float64(chain.TotalPutOI-s.putOI) / mins
	}
	return 0, 0
}

// nextExpiryChain returns the chain for the expiry after the current one,
// refreshed at most every nextChainEvery. Fetch failures keep serving the
// last build; a nil return means it never succeeded.
func (m *Manager) nextExpiryChain(ctx context.Context, sym types.Symbol) *types.OptionChain {
	m.mu.RLock()
	cached := m.nextChain[sym]
	at := m.nextChainAt[sym]
	m.mu.RUnlock()
	if time.Since(at) < nextChainEvery {
		return cached
	}

	m.mu.Lock()
	m.nextChainAt[sym] = time.Now()
	m.mu.Unlock()

	expiry := FallbackExpiries(sym, time.Now(), 1)[0]
	rows, spot, err := m.broker.OptionChain(ctx, sym, expiry)
	if err != nil || len(rows) == 0 {
		if err != nil {
			m.logger.Warn("next-expiry chain fetch failed", "symbol", sym, "error", err)
		}
		return cached
	}

	chain := BuildChain(sym, expiry, spot, rows, time.Now())
	m.mu.Lock()
	m.nextChain[sym] = chain
	m.mu.Unlock()
	return chain
}

// Technicals computes the indicator block from the candle windows. Cached for
// 30s per symbol; insufficient history yields neutral values, not errors.
func (m *Manager) Technicals(ctx context.Context, sym types.Symbol) (types.Technicals, error) {
	var cached types.Technicals
	if m.cache.Get(ctx, cache.Technicals, string(sym), &cached) {
		return cached, nil
	}

	m.mu.RLock()
	w5 := m.windows[sym]["5m"].snapshot()
	w15 := m.windows[sym]["15m"].snapshot()
	chain := m.lastChain[sym]
	m.mu.RUnlock()

	closes5 := closesOf(w5)
	closes15 := closesOf(w15)

	tech := types.Technicals{
		RSI:      RSI(closes5, 14),
		Return1:  ReturnOver(closes5, 1),
		Return3:  ReturnOver(closes5, 3),
		Return9:  ReturnOver(closes5, 9),
		ATR:      ATR(w5, 14),
		ADX:      ADX(w5, 14),
		VWAP:     SessionVWAP(sessionCandles(w5)),
		VIXProxy: VIXProxy(closes5, fiveMinBarsPerYear),
	}
	tech.MACD, tech.MACDSig = MACD(closes15)
	tech.BBUpper, tech.BBLower = Bollinger(closes5, 20, 2)
	tech.Regime = RegimeFromVIX(tech.VIXProxy)

	if chain != nil {
		if iv := ATMIV(chain); iv > 0 {
			tech.IVRank = m.rankIV(ctx, sym, iv)
		}
	}

	m.mu.Lock()
	m.lastTech[sym] = tech
	m.mu.Unlock()
	m.cache.Set(ctx, cache.Technicals, string(sym), tech)
	return tech, nil
}

// rankIV appends the current ATM IV to the shared rolling history and returns
// its percentile within it.
func (m *Manager) rankIV(ctx context.Context, sym types.Symbol, iv float64) float64 {
	var history []float64
	m.cache.Get(ctx, cache.IVHistory, string(sym), &history)

	rank := IVRank(iv, history)

	history = append(history, iv)
	if len(history) > ivHistoryCap {
		history = history[len(history)-ivHistoryCap:]
	}
	m.cache.Set(ctx, cache.IVHistory, string(sym), history)
	return rank
}

// Snapshot assembles the full market view for one engine tick. Per-symbol
// failures degrade to the last known values; the snapshot is marked Stale
// when any symbol's spot exceeds 5s or chain exceeds 10s of age, and stale
// snapshots must not seed new entries downstream.
func (m *Manager) Snapshot(ctx context.Context) (*types.MarketSnapshot, error) {
	now := time.Now()
	snap := &types.MarketSnapshot{
		Symbols:    make(map[types.Symbol]*types.SymbolSnapshot, len(m.symbols)),
		CapturedAt: now,
	}

	for _, sym := range m.symbols {
		ss := &types.SymbolSnapshot{Symbol: sym, CapturedAt: now}

		spot, err := m.Spot(ctx, sym)
		if err != nil {
			m.logger.Warn("spot refresh failed", "symbol", sym, "error", err)
			m.mu.RLock()
			pt := m.lastSpot[sym]
			m.mu.RUnlock()
			spot = pt.Price
			if spot <= 0 || now.Sub(pt.CapturedAt) > spotMaxAge {
				snap.Stale = true
			}
		}
		ss.Spot = spot

		chain, err := m.Chain(ctx, sym)
		if err != nil {
			m.logger.Warn("chain refresh failed", "symbol", sym, "error", err)
			m.mu.RLock()
			chain = m.lastChain[sym]
			m.mu.RUnlock()
			if chain == nil || now.Sub(chain.CapturedAt) > chainMaxAge {
				snap.Stale = true
			}
		}
		if chain != nil {
			ss.Chain = chain
			ss.Expiry = chain.Expiry
			ss.ATMStrike = chain.ATMStrike()
			ss.OIVelocity = m.oiVelocity(sym, chain)
		}
		ss.NextChain = m.nextExpiryChain(ctx, sym)

		tech, err := m.Technicals(ctx, sym)
		if err == nil {
			ss.Technicals = tech
		}

		snap.Symbols[sym] = ss
	}

	if m.broker.MarketDataDegraded() {
		snap.Stale = true
	}
	return snap, nil
}

// LTP returns the latest traded price for any instrument key: feed tick if
// fresh, REST otherwise.
func (m *Manager) LTP(ctx context.Context, key string) (float64, error) {
	if msg, ok := m.feed.LastPrice(key); ok && msg.LTP > 0 {
		if msg.LTT.IsZero() || time.Since(msg.LTT) <= spotMaxAge {
			return msg.LTP, nil
		}
	}
	prices, err := m.broker.LTP(ctx, []string{key})
	if err != nil {
		return 0, err
	}
	price, ok := prices[key]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("no quote for %s", key)
	}
	return price, nil
}

func closesOf(candles []types.OHLC) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// sessionCandles trims a window to candles since today's market open, the
// range SessionVWAP expects.
func sessionCandles(candles []types.OHLC) []types.OHLC {
	if len(candles) == 0 {
		return nil
	}
	open := types.MarketOpen(time.Now())
	for i, c := range candles {
		if !c.Timestamp.Before(open) {
			return candles[i:]
		}
	}
	return nil
}
