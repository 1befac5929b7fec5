package strategy

import (
	"options-engine/internal/config"
	"options-engine/pkg/types"
)

// meanReversion fades extremes: price piercing the lower Bollinger band with
// an oversold RSI buys a call for the bounce, the mirror setup buys a put.
// High-vol regimes are skipped — band touches there are continuation, not
// exhaustion.
type meanReversion struct {
	gate gate
}

func newMeanReversion(cfg config.StrategyConfig) Strategy {
	return &meanReversion{gate: newGate(cfg)}
}

func (s *meanReversion) ID() string { return "mean_reversion" }
func (s *meanReversion) Group() int { return 1 }

const (
	mrRSIOversold   = 30.0
	mrRSIOverbought = 70.0
	mrMaxADX        = 30.0 // fading a strong trend is how accounts die
)

func (s *meanReversion) Evaluate(snap *types.MarketSnapshot) []types.Signal {
	if !s.gate.open(snap.CapturedAt) {
		return nil
	}

	var out []types.Signal
	for _, ss := range snap.Symbols {
		tech := ss.Technicals
		if ss.Spot <= 0 || tech.BBUpper == 0 {
			continue
		}
		if tech.Regime == types.RegimeHighVol || tech.ADX > mrMaxADX {
			continue
		}

		var right types.Right
		var rsiEdge float64
		switch {
		case ss.Spot < tech.BBLower && tech.RSI < mrRSIOversold:
			right = types.Call
			rsiEdge = mrRSIOversold - tech.RSI
		case ss.Spot > tech.BBUpper && tech.RSI > mrRSIOverbought:
			right = types.Put
			rsiEdge = tech.RSI - mrRSIOverbought
		default:
			continue
		}

		leg := pickLeg(ss, ss.ATMStrike, right)
		if leg == nil {
			continue
		}
		entry := entryPrice(leg)

		strength := clamp(55+rsiEdge*2, 0, 100)
		confidence := clamp(0.55+rsiEdge/80, 0, 1)

		out = append(out, types.Signal{
			StrategyID: s.ID(),
			Symbol:     ss.Symbol,
			Right:      right,
			Strike:     leg.Strike,
			Expiry:     ss.Expiry,
			Side:       types.Buy,
			EntryPrice: entry,
			Target:     entry * 1.30,
			StopLoss:   entry * 0.85,
			Strength:   strength,
			Confidence: confidence,
			Greeks:     leg.Greeks,
		})
	}
	return out
}
