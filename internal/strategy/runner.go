package strategy

import (
	"fmt"
	"log/slog"
	"sort"

	"options-engine/pkg/types"
)

// Runner drives the registered strategies for one tick and returns the
// cleaned signal set: validated against the snapshot, deduplicated per
// contract, strongest first.
type Runner struct {
	strategies []Strategy
	logger     *slog.Logger
}

func NewRunner(strategies []Strategy, logger *slog.Logger) *Runner {
	return &Runner{
		strategies: strategies,
		logger:     logger.With("component", "strategy"),
	}
}

// Groups returns the meta-group index per canonical strategy token.
func (r *Runner) Groups() map[string]int {
	out := make(map[string]int, len(r.strategies))
	for _, s := range r.strategies {
		out[s.ID()] = s.Group()
	}
	return out
}

// Collect evaluates every strategy against the snapshot. A stale snapshot
// yields no signals: old prices must not open new positions.
func (r *Runner) Collect(snap *types.MarketSnapshot) []types.Signal {
	if snap == nil || snap.Stale {
		if snap != nil && snap.Stale {
			r.logger.Warn("stale snapshot, skipping signal generation",
				"captured_at", snap.CapturedAt)
		}
		return nil
	}

	var raw []types.Signal
	for _, s := range r.strategies {
		sigs := s.Evaluate(snap)
		for _, sig := range sigs {
			if err := validate(sig, snap); err != nil {
				r.logger.Warn("dropping invalid signal",
					"strategy", s.ID(), "error", err)
				continue
			}
			raw = append(raw, sig)
		}
	}
	return dedupe(raw)
}

// validate rejects signals the order manager could not execute.
func validate(sig types.Signal, snap *types.MarketSnapshot) error {
	if sig.Side != types.Buy {
		return fmt.Errorf("unsupported side %s", sig.Side)
	}
	if sig.EntryPrice <= 0 {
		return fmt.Errorf("non-positive entry price %.2f", sig.EntryPrice)
	}
	if sig.StopLoss >= sig.EntryPrice {
		return fmt.Errorf("stop %.2f not below entry %.2f", sig.StopLoss, sig.EntryPrice)
	}
	if sig.Target <= sig.EntryPrice {
		return fmt.Errorf("target %.2f not above entry %.2f", sig.Target, sig.EntryPrice)
	}
	if sig.Expiry.IsZero() {
		return fmt.Errorf("missing expiry")
	}

	ss, ok := snap.Symbols[sig.Symbol]
	if !ok || ss.Chain == nil {
		return fmt.Errorf("no chain for %s", sig.Symbol)
	}
	if ss.Chain.Leg(sig.Strike, sig.Right) == nil {
		return fmt.Errorf("strike %.0f %s not in chain", sig.Strike, sig.Right)
	}
	return nil
}

// dedupe keeps one signal per contract, preferring the highest strength, and
// orders the result strongest first. Ties break deterministically on
// strategy id.
func dedupe(signals []types.Signal) []types.Signal {
	type contract struct {
		sym    types.Symbol
		strike float64
		right  types.Right
		expiry string
	}
	best := make(map[contract]types.Signal)
	for _, sig := range signals {
		key := contract{sig.Symbol, sig.Strike, sig.Right, sig.Expiry.Format("2006-01-02")}
		cur, ok := best[key]
		if !ok || sig.Strength > cur.Strength ||
			(sig.Strength == cur.Strength && sig.StrategyID < cur.StrategyID) {
			best[key] = sig
		}
	}

	out := make([]types.Signal, 0, len(best))
	for _, sig := range best {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}
