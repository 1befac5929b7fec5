// Package engine is the central orchestrator of the trading system.
//
// It wires together all subsystems:
//
//  1. The market data manager maintains spot, chains, and technicals per
//     symbol and serves unified snapshots.
//  2. Strategies read each snapshot and emit candidate signals.
//  3. The meta controller allocates capital across strategy groups and picks
//     which candidates to admit.
//  4. The risk manager sizes entries, drives exits, and owns the circuit
//     breakers; a tripped loss breaker kills the whole book.
//  5. The order manager executes entries and exits and marks open positions
//     to market off the push feed.
//  6. In live mode a reconciler periodically diffs the engine book against
//     the broker book.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"options-engine/internal/broker"
	"options-engine/internal/cache"
	"options-engine/internal/config"
	"options-engine/internal/feed"
	"options-engine/internal/marketdata"
	"options-engine/internal/meta"
	"options-engine/internal/notify"
	"options-engine/internal/orders"
	"options-engine/internal/reconcile"
	"options-engine/internal/risk"
	"options-engine/internal/storage"
	"options-engine/internal/strategy"
	"options-engine/pkg/types"
)

// Engine owns the lifecycle of all components and goroutines.
type Engine struct {
	cfg      *config.Config
	client   *broker.Client
	feed     *feed.Feed
	cache    *cache.Cache
	store    *storage.Store
	md       *marketdata.Manager
	runner   *strategy.Runner
	riskMgr  *risk.Manager
	book     *orders.Manager
	meta     *meta.Controller
	rec      *reconcile.Reconciler // nil in paper mode
	notifier notify.Notifier
	logger   *slog.Logger

	// multipliers maps canonical strategy id to its sizing multiplier.
	multipliers map[string]float64

	// riskOff is set when a kill signal arrives and stays set for the
	// session. Entries are already blocked by the tripped breaker; the flag
	// keeps exit evaluation on the risk-off path for any position that
	// failed to close on the first sweep.
	riskOff bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. It does not touch the broker;
// connectivity checks happen in Start.
func New(cfg *config.Config, notifier notify.Notifier, logger *slog.Logger) (*Engine, error) {
	client := broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.AccessToken, logger)
	f := feed.New(client, cfg.Feed.ReconnectAttempts, cfg.Feed.ReconnectBase, logger)
	c := cache.New(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, logger)

	store, err := storage.Open(cfg.Database.Path, cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	persister := marketdata.NewChainPersister(store, logger)
	md := marketdata.NewManager(client, f, c, persister, cfg.TradeSymbols(), logger)

	strategies, err := strategy.Build(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("no strategies enabled")
	}
	runner := strategy.NewRunner(strategies, logger)

	policy, err := meta.LoadPolicy(cfg.Meta.PolicyPath)
	if err != nil {
		return nil, err
	}
	controller := meta.NewController(policy, store, cfg.Meta.MaxPerGroup, logger)

	riskMgr := risk.NewManager(cfg.Risk, cfg.InitialCapital, logger)

	mode := types.ModePaper
	if cfg.LiveTradingArmed() {
		mode = types.ModeLive
	}
	book := orders.NewManager(mode, client, f, md, store, logger)

	var rec *reconcile.Reconciler
	if mode == types.ModeLive {
		rec = reconcile.New(client, book, store, notifier, logger)
	}

	multipliers := make(map[string]float64)
	for name, sc := range cfg.Strategies {
		mult := sc.Multiplier
		if mult <= 0 {
			mult = 1.0
		}
		multipliers[strategy.Normalize(name)] = mult
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		client:      client,
		feed:        f,
		cache:       c,
		store:       store,
		md:          md,
		runner:      runner,
		riskMgr:     riskMgr,
		book:        book,
		meta:        controller,
		rec:         rec,
		notifier:    notifier,
		logger:      logger.With("component", "engine"),
		multipliers: multipliers,
		ctx:         ctx,
		cancel:      cancel,
	}

	book.AddObserver(func(ev orders.Event) {
		switch ev.Type {
		case orders.EventOpened:
			notifier.TradeOpened(ev.Position)
		case orders.EventClosed:
			notifier.TradeClosed(ev.Position)
		}
	})

	return e, nil
}

// Start verifies broker connectivity, restores persisted positions, and
// launches the feed and the tick loops.
func (e *Engine) Start() error {
	profile, err := e.client.GetProfile(e.ctx)
	if err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	e.logger.Info("broker session verified", "user", profile.UserName, "mode", e.mode())

	if e.mode() == types.ModeLive {
		funds, err := e.client.Funds(e.ctx)
		if err != nil {
			return fmt.Errorf("funds check: %w", err)
		}
		e.logger.Info("available funds", "funds", funds, "configured_capital", e.cfg.InitialCapital)
		if funds < e.cfg.InitialCapital {
			e.logger.Warn("available funds below configured capital, sizing still uses the configured value")
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("feed terminated", "error", err)
		}
	}()

	if err := e.md.Start(e.ctx); err != nil {
		return fmt.Errorf("market data start: %w", err)
	}

	restored, err := e.book.Rehydrate(e.ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	if restored > 0 {
		e.logger.Info("positions restored from storage", "count", restored)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	e.logger.Info("engine started",
		"mode", e.mode(),
		"symbols", e.cfg.Symbols,
		"market_tick", e.cfg.Engine.MarketTick,
	)
	return nil
}

// Stop cancels all loops and waits for them within the shutdown grace
// period. Open positions are left intact; Rehydrate restores them on the
// next start.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Engine.ShutdownGrace):
		e.logger.Warn("shutdown grace exceeded, abandoning goroutines")
	}

	e.feed.Disconnect()
	if err := e.cache.Close(); err != nil {
		e.logger.Error("cache close", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("storage close", "error", err)
	}
	e.logger.Info("shutdown complete")
}

func (e *Engine) mode() types.TradeMode {
	if e.cfg.LiveTradingArmed() {
		return types.ModeLive
	}
	return types.ModePaper
}

// run is the main loop: a fast market tick for exits and entries, a slow
// meta tick for reallocation, a reconcile tick in live mode, and the kill
// channel.
func (e *Engine) run() {
	marketTick := time.NewTicker(e.cfg.Engine.MarketTick)
	defer marketTick.Stop()
	metaTick := time.NewTicker(e.cfg.Meta.TickInterval)
	defer metaTick.Stop()

	var reconcileCh <-chan time.Time
	if e.rec != nil {
		t := time.NewTicker(e.cfg.Engine.ReconcileTick)
		defer t.Stop()
		reconcileCh = t.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case kill := <-e.riskMgr.KillCh():
			e.handleKill(kill)
		case <-marketTick.C:
			start := time.Now()
			e.onMarketTick(time.Now().In(types.IST()))
			if elapsed := time.Since(start); elapsed > e.cfg.Engine.MarketTick {
				e.logger.Warn("market tick overran its interval", "elapsed", elapsed)
			}
		case <-metaTick.C:
			e.onMetaTick(time.Now().In(types.IST()))
		case <-reconcileCh:
			if err := e.rec.Sweep(e.ctx); err != nil {
				e.logger.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

// onMarketTick runs one full cycle: snapshot, exits, then entries.
func (e *Engine) onMarketTick(now time.Time) {
	if !types.InMarketHours(now) && len(e.book.Open()) == 0 {
		return
	}

	snap, err := e.md.Snapshot(e.ctx)
	if err != nil || snap == nil || snap.Stale {
		detail := "snapshot stale"
		if err != nil {
			detail = err.Error()
		}
		e.riskMgr.ReportDataOutage(detail)
	} else {
		e.riskMgr.ClearDataOutage()
	}

	e.evaluateExits(snap, now)

	if snap == nil || snap.Stale || types.PastSquareOff(now) || !types.InMarketHours(now) {
		return
	}
	e.evaluateEntries(snap, now)
}

// evaluateExits walks the open book and closes anything the risk rules
// flag. Positions are marked off the push feed, so CurrentPrice is the
// freshest price known. Open() hands out copies; a raised trailing stop is
// written back through the book.
func (e *Engine) evaluateExits(snap *types.MarketSnapshot, now time.Time) {
	for _, p := range e.book.Open() {
		ltp := p.CurrentPrice
		if ltp <= 0 {
			ltp = p.EntryPrice
		}
		before := p.TrailingSL
		e.riskMgr.UpdateTrailing(p, ltp)
		if p.TrailingSL > before {
			if err := e.book.SetTrailing(p.ID, p.TrailingSL); err != nil {
				e.logger.Debug("trailing write-back skipped", "position", p.ID, "error", err)
			}
		}

		reason, exit := e.riskMgr.ShouldExit(p, ltp, now, e.riskOff)
		if !exit {
			continue
		}

		trade, err := e.book.Close(e.ctx, p.ID, reason, contextFor(snap, p.Instrument, now))
		if err != nil {
			if !errors.Is(err, orders.ErrAlreadyClosed) {
				e.logger.Error("exit failed", "position", p.ID, "reason", reason, "error", err)
			}
			continue
		}
		e.riskMgr.RecordClose(trade.PnL)
	}
}

// evaluateEntries collects strategy signals, lets the meta controller pick
// the strongest within its per-group limits, then sizes, validates, and
// executes each admitted one.
func (e *Engine) evaluateEntries(snap *types.MarketSnapshot, now time.Time) {
	signals := e.runner.Collect(snap)
	if len(signals) == 0 {
		return
	}

	picks := e.meta.SelectEntries(signals, e.runner.Groups(), e.book.Open())
	for _, sig := range picks {
		open := e.book.Open()

		regime := types.RegimeNormalVol
		if ss := snap.Symbols[sig.Symbol]; ss != nil {
			regime = ss.Technicals.Regime
		}

		lots, err := e.riskMgr.Size(sig, open, regime, e.multipliers[sig.StrategyID])
		if err != nil {
			e.logger.Debug("signal not sized", "strategy", sig.StrategyID, "error", err)
			continue
		}
		if err := e.riskMgr.ValidateEntry(sig, lots, open); err != nil {
			e.logger.Debug("entry rejected", "strategy", sig.StrategyID, "error", err)
			continue
		}

		inst := types.Instrument{Symbol: sig.Symbol, Kind: types.KindOption, Strike: sig.Strike, Right: sig.Right, Expiry: sig.Expiry}
		if _, err := e.book.OpenFromSignal(e.ctx, sig, lots, contextFor(snap, inst, now)); err != nil {
			e.logger.Error("entry failed", "strategy", sig.StrategyID, "error", err)
		}
	}
}

// onMetaTick recomputes the capital allocation and pause state.
func (e *Engine) onMetaTick(now time.Time) {
	if !types.InMarketHours(now) {
		return
	}
	snap, err := e.md.Snapshot(e.ctx)
	if err != nil {
		e.logger.Warn("meta tick skipped, no snapshot", "error", err)
		return
	}
	e.meta.Tick(snap, e.book.Open(), e.riskMgr.DayPnL(), e.cfg.InitialCapital, now)
}

// handleKill flattens the whole book. The breaker that fired stays tripped,
// so no new entries pass validation for the rest of the session.
func (e *Engine) handleKill(kill risk.KillSignal) {
	e.logger.Error("KILL SIGNAL received", "breaker", kill.Breaker, "reason", kill.Reason)
	e.notifier.Critical(fmt.Sprintf("Kill switch: %s (%s). Closing all positions.", kill.Breaker, kill.Reason))
	e.riskOff = true

	now := time.Now().In(types.IST())
	snap, _ := e.md.Snapshot(e.ctx)
	for _, p := range e.book.Open() {
		trade, err := e.book.Close(e.ctx, p.ID, types.ExitRiskOff, contextFor(snap, p.Instrument, now))
		if err != nil {
			if !errors.Is(err, orders.ErrAlreadyClosed) {
				e.logger.Error("risk-off close failed", "position", p.ID, "error", err)
			}
			continue
		}
		e.riskMgr.RecordClose(trade.PnL)
	}
}

// contextFor captures the market state around an entry or exit for the
// persisted trade record. A nil or partial snapshot yields a partial
// context rather than blocking the order.
func contextFor(snap *types.MarketSnapshot, inst types.Instrument, now time.Time) types.MarketContext {
	mc := types.MarketContext{
		Hour:      now.In(types.IST()).Hour(),
		DayOfWeek: now.In(types.IST()).Weekday(),
	}
	if !inst.Expiry.IsZero() {
		if d := types.MarketClose(inst.Expiry).Sub(now).Hours() / 24; d > 0 {
			mc.DaysToExpiry = d
		}
	}
	if snap == nil {
		return mc
	}
	ss := snap.Symbols[inst.Symbol]
	if ss == nil {
		return mc
	}
	mc.Spot = ss.Spot
	mc.VIX = ss.Technicals.VIXProxy
	mc.Regime = ss.Technicals.Regime
	if ss.Chain != nil {
		mc.PCR = ss.Chain.PCR
		if leg := ss.Chain.Leg(inst.Strike, inst.Right); leg != nil {
			mc.OI = leg.OI
			mc.Volume = leg.Volume
			mc.Spread = leg.Ask - leg.Bid
		}
	}
	return mc
}
