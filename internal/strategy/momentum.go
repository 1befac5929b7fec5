package strategy

import (
	"options-engine/internal/config"
	"options-engine/pkg/types"
)

// momentumRider buys the ATM option in the direction of an established
// intraday trend: RSI past its threshold, MACD confirming, and price on the
// right side of VWAP. It wants trending sessions and goes quiet when ADX
// says the market is drifting.
type momentumRider struct {
	gate gate
}

func newMomentumRider(cfg config.StrategyConfig) Strategy {
	return &momentumRider{gate: newGate(cfg)}
}

func (s *momentumRider) ID() string { return "momentum_rider" }
func (s *momentumRider) Group() int { return 0 }

const (
	momRSIBull = 60.0
	momRSIBear = 40.0
	momMinADX  = 20.0
)

func (s *momentumRider) Evaluate(snap *types.MarketSnapshot) []types.Signal {
	if !s.gate.open(snap.CapturedAt) {
		return nil
	}

	var out []types.Signal
	for _, ss := range snap.Symbols {
		tech := ss.Technicals
		if ss.Spot <= 0 || tech.ADX < momMinADX {
			continue
		}

		var right types.Right
		switch {
		case tech.RSI > momRSIBull && tech.MACD > tech.MACDSig && ss.Spot > tech.VWAP:
			right = types.Call
		case tech.RSI < momRSIBear && tech.MACD < tech.MACDSig && ss.Spot < tech.VWAP:
			right = types.Put
		default:
			continue
		}

		leg := pickLeg(ss, ss.ATMStrike, right)
		if leg == nil {
			continue
		}
		entry := entryPrice(leg)

		// Strength scales with trend quality: RSI distance past the
		// threshold plus ADX above its floor.
		rsiEdge := tech.RSI - momRSIBull
		if right == types.Put {
			rsiEdge = momRSIBear - tech.RSI
		}
		strength := clamp(60+rsiEdge*1.5+(tech.ADX-momMinADX), 0, 100)
		confidence := clamp(0.60+rsiEdge/100+(tech.ADX-momMinADX)/200, 0, 1)

		out = append(out, types.Signal{
			StrategyID: s.ID(),
			Symbol:     ss.Symbol,
			Right:      right,
			Strike:     leg.Strike,
			Expiry:     ss.Expiry,
			Side:       types.Buy,
			EntryPrice: entry,
			Target:     entry * 1.40,
			StopLoss:   entry * 0.80,
			Strength:   strength,
			Confidence: confidence,
			Greeks:     leg.Greeks,
		})
	}
	return out
}
