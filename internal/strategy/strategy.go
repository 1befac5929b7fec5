// Package strategy hosts the signal generators and the runner that collects,
// validates, and deduplicates their output each engine tick.
//
// Strategies are pure readers: they get the market snapshot and emit zero or
// more candidate signals. Position sizing, risk checks, and execution happen
// downstream; a strategy never places orders.
package strategy

import (
	"fmt"
	"sort"
	"strings"

	"options-engine/internal/config"
	"options-engine/pkg/types"
)

// Strategy generates trade candidates from a market snapshot.
type Strategy interface {
	// ID returns the canonical strategy token, e.g. "momentum_rider".
	ID() string
	// Group returns the meta-controller group index (0..NumMetaGroups-1).
	Group() int
	// Evaluate emits candidate signals for the snapshot. Never called with a
	// stale snapshot.
	Evaluate(snap *types.MarketSnapshot) []types.Signal
}

// aliases maps the spellings seen in config files and older dashboards to
// canonical tokens.
var aliases = map[string]string{
	"momentum":      "momentum_rider",
	"momentumrider": "momentum_rider",
	"meanrev":       "mean_reversion",
	"meanreversion": "mean_reversion",
	"bollinger":     "mean_reversion",
	"orb":           "opening_breakout",
	"openingrange":  "opening_breakout",
	"breakout":      "opening_breakout",
	"rangebreakout": "opening_breakout",
}

// Normalize resolves a configured strategy name to its canonical token:
// lowercased, separators folded to underscores, aliases applied.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	if canon, ok := aliases[strings.ReplaceAll(n, "_", "")]; ok {
		return canon
	}
	return n
}

// factory builds a strategy from its per-strategy config block.
type factory func(cfg config.StrategyConfig) Strategy

var registry = map[string]factory{
	"momentum_rider":   func(cfg config.StrategyConfig) Strategy { return newMomentumRider(cfg) },
	"mean_reversion":   func(cfg config.StrategyConfig) Strategy { return newMeanReversion(cfg) },
	"opening_breakout": func(cfg config.StrategyConfig) Strategy { return newOpeningBreakout(cfg) },
}

// Known reports whether a canonical token has a registered factory.
func Known(name string) bool {
	_, ok := registry[Normalize(name)]
	return ok
}

// Build instantiates the enabled strategies from config, in deterministic
// order. Unknown names are an error: a typo silently disabling a strategy is
// worse than failing startup.
func Build(cfgs map[string]config.StrategyConfig) ([]Strategy, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Strategy
	seen := make(map[string]bool)
	for _, name := range names {
		cfg := cfgs[name]
		if !cfg.Enabled {
			continue
		}
		canon := Normalize(name)
		f, ok := registry[canon]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
		if seen[canon] {
			return nil, fmt.Errorf("strategy %q configured twice (as %q)", canon, name)
		}
		seen[canon] = true
		out = append(out, f(cfg))
	}
	return out, nil
}
