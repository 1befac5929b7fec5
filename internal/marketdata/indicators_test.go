package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"options-engine/pkg/types"
)

func TestRSI(t *testing.T) {
	t.Parallel()

	short := []float64{100, 101, 102}
	assert.Equal(t, 50.0, RSI(short, 14), "insufficient history is neutral")

	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	assert.Equal(t, 100.0, RSI(up, 14), "monotone gains saturate")

	down := make([]float64, 30)
	for i := range down {
		down[i] = 200 - float64(i)
	}
	assert.Less(t, RSI(down, 14), 1.0)
}

func TestEMAFlatSeries(t *testing.T) {
	t.Parallel()

	flat := make([]float64, 50)
	for i := range flat {
		flat[i] = 42
	}
	assert.InDelta(t, 42, EMA(flat, 12), 1e-9)
}

func TestMACDTrendSign(t *testing.T) {
	t.Parallel()

	up := make([]float64, 60)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	macd, signal := MACD(up)
	assert.Greater(t, macd, 0.0, "uptrend MACD positive")
	assert.Greater(t, signal, 0.0)

	short := []float64{1, 2, 3}
	macd, signal = MACD(short)
	assert.Zero(t, macd)
	assert.Zero(t, signal)
}

func TestBollingerBands(t *testing.T) {
	t.Parallel()

	closes := make([]float64, 20)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 99
		} else {
			closes[i] = 101
		}
	}
	upper, lower := Bollinger(closes, 20, 2)
	assert.InDelta(t, 100, (upper+lower)/2, 1e-9, "bands centered on the mean")
	assert.Greater(t, upper, lower)
}

func TestATRConstantRange(t *testing.T) {
	t.Parallel()

	candles := make([]types.OHLC, 30)
	for i := range candles {
		candles[i] = types.OHLC{Open: 100, High: 105, Low: 95, Close: 100}
	}
	assert.InDelta(t, 10, ATR(candles, 14), 1e-9)
}

func TestADXTrending(t *testing.T) {
	t.Parallel()

	candles := make([]types.OHLC, 60)
	for i := range candles {
		base := 100 + float64(i)*2
		candles[i] = types.OHLC{Open: base, High: base + 1, Low: base - 1, Close: base + 0.5}
	}
	assert.Greater(t, ADX(candles, 14), 50.0, "steady uptrend reads as strong trend")
}

func TestSessionVWAP(t *testing.T) {
	t.Parallel()

	candles := []types.OHLC{
		{High: 102, Low: 98, Close: 100, Volume: 100},
		{High: 112, Low: 108, Close: 110, Volume: 300},
	}
	// typicals 100 and 110, volume-weighted 1:3
	assert.InDelta(t, 107.5, SessionVWAP(candles), 1e-9)

	zeroVol := []types.OHLC{{High: 102, Low: 98, Close: 100}}
	assert.Equal(t, 100.0, SessionVWAP(zeroVol), "zero volume falls back to last close")
}

func TestIVRank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.5, IVRank(0.14, nil), "empty history pins at midpoint")

	history := []float64{0.10, 0.12, 0.14, 0.16, 0.18}
	assert.InDelta(t, 0.0, IVRank(0.09, history), 1e-9)
	assert.InDelta(t, 1.0, IVRank(0.20, history), 1e-9)
	assert.InDelta(t, 0.4, IVRank(0.14, history), 1e-9)
}

func TestRegimeFromVIX(t *testing.T) {
	t.Parallel()

	assert.Equal(t, types.RegimeHighVol, RegimeFromVIX(22))
	assert.Equal(t, types.RegimeHighVol, RegimeFromVIX(20))
	assert.Equal(t, types.RegimeNormalVol, RegimeFromVIX(15))
	assert.Equal(t, types.RegimeLowVol, RegimeFromVIX(12))
	assert.Equal(t, types.RegimeLowVol, RegimeFromVIX(9))
}
