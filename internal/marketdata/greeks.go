// greeks.go computes Black-Scholes greeks for option legs whose feed did not
// supply them. Inputs: spot, strike, the quoted IV, and time to expiry in
// years (clamped to a floor so expiry-day contracts don't divide by zero).
package marketdata

import (
	"math"
	"time"

	"options-engine/pkg/types"
)

const (
	riskFreeRate     = 0.07 // annual, RBI repo-rate neighborhood
	minYearsToExpiry = 0.001
)

// YearsToExpiry returns the time to expiry in years, clamped to the floor.
// Expiry is treated as 15:30 IST on the expiry date.
func YearsToExpiry(expiry time.Time, now time.Time) float64 {
	end := types.MarketClose(expiry)
	years := end.Sub(now).Hours() / 24 / 365
	if years < minYearsToExpiry {
		return minYearsToExpiry
	}
	return years
}

// BlackScholesGreeks computes the greeks for one leg. iv is the quoted
// implied volatility as a decimal (0.14 = 14%). Theta is per calendar day,
// vega per one volatility point.
func BlackScholesGreeks(spot, strike, iv, years float64, right types.Right) types.Greeks {
	if spot <= 0 || strike <= 0 || iv <= 0 {
		return types.Greeks{IV: iv}
	}
	if years < minYearsToExpiry {
		years = minYearsToExpiry
	}

	sqrtT := math.Sqrt(years)
	d1 := (math.Log(spot/strike) + (riskFreeRate+iv*iv/2)*years) / (iv * sqrtT)
	d2 := d1 - iv*sqrtT

	pdf := normPDF(d1)
	discount := math.Exp(-riskFreeRate * years)

	g := types.Greeks{IV: iv}
	g.Gamma = pdf / (spot * iv * sqrtT)
	g.Vega = spot * pdf * sqrtT / 100

	if right == types.Call {
		g.Delta = normCDF(d1)
		g.Theta = (-spot*pdf*iv/(2*sqrtT) - riskFreeRate*strike*discount*normCDF(d2)) / 365
	} else {
		g.Delta = normCDF(d1) - 1
		g.Theta = (-spot*pdf*iv/(2*sqrtT) + riskFreeRate*strike*discount*normCDF(-d2)) / 365
	}
	return g
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
