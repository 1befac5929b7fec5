// indicators.go computes the technical indicator block from rolling candle
// windows. All functions are pure and operate on chronological slices;
// callers with insufficient history get neutral values, never errors.
package marketdata

import (
	"math"
	"sort"

	"options-engine/pkg/types"
)

// RSI computes the Relative Strength Index with Wilder smoothing.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50 // neutral until enough history
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ReturnOver computes the fractional return over the last n bars, or 0 when
// the series is too short.
func ReturnOver(closes []float64, n int) float64 {
	if n <= 0 || len(closes) <= n {
		return 0
	}
	base := closes[len(closes)-1-n]
	if base <= 0 {
		return 0
	}
	return (closes[len(closes)-1] - base) / base
}

// EMA computes the exponential moving average of the full series.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) < period {
		return mean(values)
	}
	k := 2.0 / float64(period+1)
	ema := mean(values[:period])
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*k + ema
	}
	return ema
}

// MACD returns the MACD line and its signal line (12/26/9).
func MACD(closes []float64) (macd, signal float64) {
	if len(closes) < 26 {
		return 0, 0
	}
	// Build the MACD series over the tail so the signal EMA has real input.
	start := 26
	series := make([]float64, 0, len(closes)-start+1)
	for i := start; i <= len(closes); i++ {
		series = append(series, EMA(closes[:i], 12)-EMA(closes[:i], 26))
	}
	macd = series[len(series)-1]
	signal = EMA(series, 9)
	return macd, signal
}

// Bollinger returns the upper and lower bands (period 20, 2 sigma).
func Bollinger(closes []float64, period int, width float64) (upper, lower float64) {
	if len(closes) < period {
		return 0, 0
	}
	window := closes[len(closes)-period:]
	m := mean(window)
	sd := stddev(window, m)
	return m + width*sd, m - width*sd
}

// ATR computes the Average True Range over the candle window.
func ATR(candles []types.OHLC, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		h, l, pc := candles[i].High, candles[i].Low, candles[i-1].Close
		tr := math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		trs = append(trs, tr)
	}
	// Wilder smoothing
	atr := mean(trs[:period])
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

// ADX computes the Average Directional Index (trend strength, 0..100).
func ADX(candles []types.OHLC, period int) float64 {
	if len(candles) < 2*period+1 {
		return 0
	}

	var plusDM, minusDM, trs []float64
	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		pdm, mdm := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			pdm = upMove
		}
		if downMove > upMove && downMove > 0 {
			mdm = downMove
		}
		plusDM = append(plusDM, pdm)
		minusDM = append(minusDM, mdm)

		h, l, pc := candles[i].High, candles[i].Low, candles[i-1].Close
		trs = append(trs, math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc))))
	}

	smoothTR := mean(trs[:period]) * float64(period)
	smoothPDM := mean(plusDM[:period]) * float64(period)
	smoothMDM := mean(minusDM[:period]) * float64(period)

	var dxs []float64
	for i := period; i < len(trs); i++ {
		smoothTR = smoothTR - smoothTR/float64(period) + trs[i]
		smoothPDM = smoothPDM - smoothPDM/float64(period) + plusDM[i]
		smoothMDM = smoothMDM - smoothMDM/float64(period) + minusDM[i]
		if smoothTR == 0 {
			continue
		}
		pdi := 100 * smoothPDM / smoothTR
		mdi := 100 * smoothMDM / smoothTR
		if pdi+mdi == 0 {
			continue
		}
		dxs = append(dxs, 100*math.Abs(pdi-mdi)/(pdi+mdi))
	}
	if len(dxs) == 0 {
		return 0
	}
	if len(dxs) < period {
		return mean(dxs)
	}
	adx := mean(dxs[:period])
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx
}

// VIXProxy annualises the standard deviation of bar-to-bar returns and
// scales to index points (×100). barsPerYear depends on the timeframe.
func VIXProxy(closes []float64, barsPerYear float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		rets = append(rets, closes[i]/closes[i-1]-1)
	}
	if len(rets) < 2 {
		return 0
	}
	sd := stddev(rets, mean(rets))
	return sd * math.Sqrt(barsPerYear) * 100
}

// SessionVWAP computes the volume-weighted average price over the session's
// candles (the caller passes only candles since market open).
func SessionVWAP(candles []types.OHLC) float64 {
	var pv, vol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * float64(c.Volume)
		vol += float64(c.Volume)
	}
	if vol == 0 {
		if len(candles) == 0 {
			return 0
		}
		return candles[len(candles)-1].Close
	}
	return pv / vol
}

// IVRank returns the percentile (0..1) of the current value within the
// history. An empty history pins the rank at 0.5.
func IVRank(current float64, history []float64) float64 {
	if len(history) == 0 {
		return 0.5
	}
	sorted := append([]float64(nil), history...)
	sort.Float64s(sorted)
	below := sort.SearchFloat64s(sorted, current)
	return float64(below) / float64(len(sorted))
}

// RegimeFromVIX buckets the VIX proxy into a volatility regime.
func RegimeFromVIX(vix float64) types.VolRegime {
	switch {
	case vix >= 20:
		return types.RegimeHighVol
	case vix <= 12:
		return types.RegimeLowVol
	default:
		return types.RegimeNormalVol
	}
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func stddev(v []float64, m float64) float64 {
	if len(v) < 2 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		d := x - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(v)-1))
}
