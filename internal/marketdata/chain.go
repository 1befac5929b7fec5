// chain.go converts raw broker chain rows into the filtered OptionChain the
// rest of the engine consumes, and recomputes the derived aggregates (PCR,
// max pain, OI totals) from the filtered legs.
package marketdata

import (
	"math"
	"time"

	"options-engine/internal/broker"
	"options-engine/pkg/types"
)

const (
	strikeBandPct = 0.10 // keep strikes within ±10% of spot
	liquidBandPct = 0.05 // inside ±5% the liquidity floors are waived
	oiFloor       = 50
	volumeFloor   = 5
)

// BuildChain filters raw strike rows around spot and derives aggregates.
// Legs missing greeks get Black-Scholes values computed from the quoted IV.
func BuildChain(sym types.Symbol, expiry time.Time, spot float64, rows []broker.ChainStrike, now time.Time) *types.OptionChain {
	chain := &types.OptionChain{
		Symbol:     sym,
		Expiry:     expiry,
		SpotPrice:  spot,
		Strikes:    make(map[float64]types.StrikePair),
		CapturedAt: now,
	}
	if spot <= 0 {
		return chain
	}
	years := YearsToExpiry(expiry, now)

	for _, row := range rows {
		if !keepStrike(row, spot) {
			continue
		}
		pair := types.StrikePair{}
		if row.Call != nil {
			leg := *row.Call
			fillGreeks(&leg, spot, years)
			pair.Call = &leg
			chain.TotalCallOI += leg.OI
			chain.TotalCallVol += leg.Volume
		}
		if row.Put != nil {
			leg := *row.Put
			fillGreeks(&leg, spot, years)
			pair.Put = &leg
			chain.TotalPutOI += leg.OI
			chain.TotalPutVol += leg.Volume
		}
		if pair.Call == nil && pair.Put == nil {
			continue
		}
		chain.Strikes[row.Strike] = pair
	}

	if chain.TotalCallOI > 0 {
		chain.PCR = float64(chain.TotalPutOI) / float64(chain.TotalCallOI)
	}
	chain.MaxPainStrike = maxPain(chain)
	return chain
}

// keepStrike applies the band and liquidity floors:
//   - outside ±10% of spot: dropped
//   - inside ±5% of spot: kept unconditionally
//   - otherwise: kept only if some leg clears the OI and volume floors
func keepStrike(row broker.ChainStrike, spot float64) bool {
	dist := math.Abs(row.Strike-spot) / spot
	if dist > strikeBandPct {
		return false
	}
	if dist <= liquidBandPct {
		return true
	}
	return legLiquid(row.Call) || legLiquid(row.Put)
}

func legLiquid(leg *types.OptionLeg) bool {
	return leg != nil && leg.OI >= oiFloor && leg.Volume >= volumeFloor
}

func fillGreeks(leg *types.OptionLeg, spot float64, years float64) {
	if leg.Greeks.Delta != 0 || leg.Greeks.Gamma != 0 {
		return // broker supplied them
	}
	if leg.Greeks.IV <= 0 {
		return // nothing to compute from
	}
	leg.Greeks = BlackScholesGreeks(spot, leg.Strike, leg.Greeks.IV, years, leg.Right)
}

// maxPain returns the strike minimizing aggregate option-writer loss at
// settlement: for settlement S, calls lose OI×max(0, S−K) and puts lose
// OI×max(0, K−S).
func maxPain(chain *types.OptionChain) float64 {
	if len(chain.Strikes) == 0 {
		return 0
	}

	best, bestLoss := 0.0, math.MaxFloat64
	for settle := range chain.Strikes {
		loss := 0.0
		for strike, pair := range chain.Strikes {
			if pair.Call != nil && settle > strike {
				loss += float64(pair.Call.OI) * (settle - strike)
			}
			if pair.Put != nil && settle < strike {
				loss += float64(pair.Put.OI) * (strike - settle)
			}
		}
		if loss < bestLoss || (loss == bestLoss && settle < best) {
			best, bestLoss = settle, loss
		}
	}
	return best
}

// ATMIV returns the mean implied volatility of the call and put legs at the
// chain's ATM strike, or 0 when no leg quotes an IV.
func ATMIV(chain *types.OptionChain) float64 {
	pair, ok := chain.Strikes[chain.ATMStrike()]
	if !ok {
		return 0
	}
	sum, n := 0.0, 0
	if pair.Call != nil && pair.Call.Greeks.IV > 0 {
		sum += pair.Call.Greeks.IV
		n++
	}
	if pair.Put != nil && pair.Put.Greeks.IV > 0 {
		sum += pair.Put.Greeks.IV
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
