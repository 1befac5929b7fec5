package strategy

import (
	"options-engine/internal/config"
	"options-engine/pkg/types"
)

// openingBreakout trades the morning expansion: once price pulls away from
// VWAP by more than half an ATR with trend confirmation, it buys one strike
// OTM in the breakout direction. Cheap gamma while the move is young; the
// default window closes the setup before lunch.
type openingBreakout struct {
	gate gate
}

func newOpeningBreakout(cfg config.StrategyConfig) Strategy {
	g := newGate(cfg)
	if g.start == 0 && g.end == 0 {
		g.start = parseClock("09:30")
		g.end = parseClock("11:30")
	}
	return &openingBreakout{gate: g}
}

func (s *openingBreakout) ID() string { return "opening_breakout" }
func (s *openingBreakout) Group() int { return 2 }

const (
	obATRMult = 0.5
	obMinADX  = 25.0
)

func (s *openingBreakout) Evaluate(snap *types.MarketSnapshot) []types.Signal {
	if !s.gate.open(snap.CapturedAt) {
		return nil
	}

	var out []types.Signal
	for _, ss := range snap.Symbols {
		tech := ss.Technicals
		if ss.Spot <= 0 || tech.VWAP <= 0 || tech.ATR <= 0 || tech.ADX < obMinADX {
			continue
		}

		displacement := ss.Spot - tech.VWAP
		threshold := tech.ATR * obATRMult
		if displacement < threshold && displacement > -threshold {
			continue
		}

		right := types.Call
		strike := ss.ATMStrike + ss.Symbol.StrikeStep()
		if displacement < 0 {
			right = types.Put
			strike = ss.ATMStrike - ss.Symbol.StrikeStep()
		}

		leg := pickLeg(ss, strike, right)
		if leg == nil {
			// OTM strike filtered out; fall back to ATM.
			leg = pickLeg(ss, ss.ATMStrike, right)
		}
		if leg == nil {
			continue
		}
		entry := entryPrice(leg)

		stretch := displacement / threshold
		if stretch < 0 {
			stretch = -stretch
		}
		strength := clamp(55+stretch*10+(tech.ADX-obMinADX)/2, 0, 100)
		confidence := clamp(0.55+stretch/20+(tech.ADX-obMinADX)/200, 0, 1)

		out = append(out, types.Signal{
			StrategyID: s.ID(),
			Symbol:     ss.Symbol,
			Right:      right,
			Strike:     leg.Strike,
			Expiry:     ss.Expiry,
			Side:       types.Buy,
			EntryPrice: entry,
			Target:     entry * 1.50,
			StopLoss:   entry * 0.75,
			Strength:   strength,
			Confidence: confidence,
			Greeks:     leg.Greeks,
		})
	}
	return out
}
