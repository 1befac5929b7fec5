// Package meta allocates capital across strategy groups. A frozen policy
// network (trained offline, shipped as a JSON artifact) maps a fixed-width
// market/portfolio feature vector to a nine-group allocation; without an
// artifact the controller falls back to equal weights. The controller also
// gates entries entirely when the regime looks untradable.
package meta

import (
	"math"
	"sync"
	"time"

	"options-engine/pkg/types"
)

// NumFeatures is the policy input width. The artifact is trained against
// exactly this layout; changing it is a model version bump.
const NumFeatures = 35

const sessionMinutes = 375 // 09:15 to 15:30

// Tanh scales for the unbounded inputs.
const (
	gexScale        = 1e9 // rupee gamma exposure per 1% move
	netGammaScale   = 5000
	gammaSlopeScale = 1000
	oiVelocityScale = 5000 // contracts per minute
)

// skewBandPct bounds the strikes entering the IV skew average to ±2% of
// spot; wings would swamp the at-the-money signal.
const skewBandPct = 0.02

// FeatureBuilder flattens a snapshot and the portfolio state into the policy
// input vector. It is stateful: the net-gamma slope feature is the first
// difference against the previous tick's chain.
//
// Layout:
//
//	 0..23  NIFTY block: log-spot, returns over 1/3/9 bars, IV rank,
//	        OI and volume PCR for the near and next expiry, max-pain
//	        distance, gamma exposure, net gamma and its slope, IV skew,
//	        IV term slope, OI velocity (call/put × 15/30 min), VWAP
//	        distance in ATRs, RSI, ADX, ATR ratio, VIX proxy
//	24..27  SENSEX block, condensed: return over 1 bar, IV rank, OI PCR,
//	        max-pain distance
//	28..34  portfolio and clock: net delta, net vega, day PnL, open count,
//	        session minutes, weekday, bias
type FeatureBuilder struct {
	mu        sync.Mutex
	prevGamma map[types.Symbol]float64
}

func NewFeatureBuilder() *FeatureBuilder {
	return &FeatureBuilder{prevGamma: make(map[types.Symbol]float64)}
}

// Build produces the policy input for one meta tick. Missing symbols or
// chains contribute zeros, never errors.
func (b *FeatureBuilder) Build(snap *types.MarketSnapshot, open []*types.Position, dayPnL, capital float64, now time.Time) [NumFeatures]float64 {
	var f [NumFeatures]float64
	if snap == nil {
		snap = &types.MarketSnapshot{}
	}

	if ss := snap.Symbols[types.NIFTY]; ss != nil {
		tech := ss.Technicals
		if ss.Spot > 0 {
			f[0] = clamp01(math.Log10(ss.Spot) / 5)
		}
		f[1] = clampSym(tech.Return1 * 100)
		f[2] = clampSym(tech.Return3 * 100)
		f[3] = clampSym(tech.Return9 * 100)
		f[4] = tech.IVRank
		if ss.Chain != nil {
			f[5] = clamp01(ss.Chain.PCR / 2)
			f[6] = clamp01(volumePCR(ss.Chain) / 2)
			if ss.Spot > 0 {
				f[9] = clampSym((ss.Chain.MaxPainStrike - ss.Spot) / ss.Spot)
			}

			gamma := chainNetGamma(ss.Chain)
			f[10] = math.Tanh(gammaExposure(ss.Chain) / gexScale)
			f[11] = math.Tanh(gamma / netGammaScale)
			f[12] = math.Tanh(b.gammaSlope(types.NIFTY, gamma) / gammaSlopeScale)

			f[13] = clampSym(ivSkew(ss.Chain) * 10)
			if near := chainATMIV(ss.Chain); near > 0 && ss.NextChain != nil {
				if next := chainATMIV(ss.NextChain); next > 0 {
					f[14] = clampSym((next - near) * 10)
				}
			}
		}
		if ss.NextChain != nil {
			f[7] = clamp01(ss.NextChain.PCR / 2)
			f[8] = clamp01(volumePCR(ss.NextChain) / 2)
		}
		f[15] = math.Tanh(ss.OIVelocity.Call15 / oiVelocityScale)
		f[16] = math.Tanh(ss.OIVelocity.Put15 / oiVelocityScale)
		f[17] = math.Tanh(ss.OIVelocity.Call30 / oiVelocityScale)
		f[18] = math.Tanh(ss.OIVelocity.Put30 / oiVelocityScale)
		if tech.ATR > 0 {
			f[19] = clampSym((ss.Spot - tech.VWAP) / (3 * tech.ATR))
		}
		f[20] = tech.RSI / 100
		f[21] = tech.ADX / 100
		if ss.Spot > 0 {
			f[22] = tech.ATR / ss.Spot
		}
		f[23] = tech.VIXProxy / 100
	}

	if ss := snap.Symbols[types.SENSEX]; ss != nil {
		f[24] = clampSym(ss.Technicals.Return1 * 100)
		f[25] = ss.Technicals.IVRank
		if ss.Chain != nil {
			f[26] = clamp01(ss.Chain.PCR / 2)
			if ss.Spot > 0 {
				f[27] = clampSym((ss.Chain.MaxPainStrike - ss.Spot) / ss.Spot)
			}
		}
	}

	var openCount int
	var netDelta, netVega float64
	for _, p := range open {
		if p.Status != types.StatusOpen {
			continue
		}
		openCount++
		netDelta += p.CurrentGreeks.Delta * float64(p.Quantity)
		netVega += p.CurrentGreeks.Vega * float64(p.Quantity)
	}
	f[28] = math.Tanh(netDelta / 100)
	f[29] = math.Tanh(netVega / 100)
	if capital > 0 {
		f[30] = clampSym(dayPnL / capital)
	}
	f[31] = clamp01(float64(openCount) / 5)
	f[32] = clamp01(float64(types.MinutesSinceOpen(now)) / sessionMinutes)
	f[33] = float64(weekdayIndex(now)) / 4
	f[34] = 1 // bias

	return f
}

// gammaSlope returns the change in net gamma since the previous tick and
// records the current value. The first observation yields zero.
func (b *FeatureBuilder) gammaSlope(sym types.Symbol, gamma float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.prevGamma[sym]
	b.prevGamma[sym] = gamma
	if !ok {
		return 0
	}
	return gamma - prev
}

// chainNetGamma sums gamma × OI over the chain, calls positive and puts
// negative.
func chainNetGamma(chain *types.OptionChain) float64 {
	total := 0.0
	for _, pair := range chain.Strikes {
		if pair.Call != nil {
			total += pair.Call.Greeks.Gamma * float64(pair.Call.OI)
		}
		if pair.Put != nil {
			total -= pair.Put.Greeks.Gamma * float64(pair.Put.OI)
		}
	}
	return total
}

// gammaExposure converts net gamma into rupee exposure per 1% move in the
// underlying: net gamma × spot² × 0.0001.
func gammaExposure(chain *types.OptionChain) float64 {
	return chainNetGamma(chain) * chain.SpotPrice * chain.SpotPrice * 0.0001
}

// volumePCR is the put/call ratio on traded volume rather than OI.
func volumePCR(chain *types.OptionChain) float64 {
	if chain.TotalCallVol == 0 {
		return 0
	}
	return float64(chain.TotalPutVol) / float64(chain.TotalCallVol)
}

// ivSkew returns mean put IV minus mean call IV over strikes within
// skewBandPct of spot. Positive skew means downside protection is bid.
func ivSkew(chain *types.OptionChain) float64 {
	if chain.SpotPrice <= 0 {
		return 0
	}
	var callSum, putSum float64
	var callN, putN int
	for strike, pair := range chain.Strikes {
		if math.Abs(strike-chain.SpotPrice)/chain.SpotPrice > skewBandPct {
			continue
		}
		if pair.Call != nil && pair.Call.Greeks.IV > 0 {
			callSum += pair.Call.Greeks.IV
			callN++
		}
		if pair.Put != nil && pair.Put.Greeks.IV > 0 {
			putSum += pair.Put.Greeks.IV
			putN++
		}
	}
	if callN == 0 || putN == 0 {
		return 0
	}
	return putSum/float64(putN) - callSum/float64(callN)
}

// chainATMIV is the mean quoted IV of the legs at the ATM strike.
func chainATMIV(chain *types.OptionChain) float64 {
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

// weekdayIndex maps Monday..Friday to 0..4; weekends clamp to the edges.
func weekdayIndex(now time.Time) int {
	wd := int(now.In(types.IST()).Weekday())
	switch {
	case wd < 1:
		return 0
	case wd > 5:
		return 4
	default:
		return wd - 1
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSym(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
