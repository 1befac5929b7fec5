package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"options-engine/pkg/types"
)

func TestBlackScholesGreeksCall(t *testing.T) {
	t.Parallel()

	g := BlackScholesGreeks(24000, 24000, 0.14, 7.0/365, types.Call)

	assert.InDelta(t, 0.52, g.Delta, 0.05, "ATM call delta near 0.5")
	assert.Greater(t, g.Gamma, 0.0)
	assert.Greater(t, g.Vega, 0.0)
	assert.Less(t, g.Theta, 0.0, "long options bleed")
	assert.Equal(t, 0.14, g.IV)
}

func TestBlackScholesGreeksPut(t *testing.T) {
	t.Parallel()

	call := BlackScholesGreeks(24000, 24000, 0.14, 7.0/365, types.Call)
	put := BlackScholesGreeks(24000, 24000, 0.14, 7.0/365, types.Put)

	assert.Less(t, put.Delta, 0.0)
	assert.InDelta(t, call.Delta-1, put.Delta, 1e-9, "put-call delta parity")
	assert.InDelta(t, call.Gamma, put.Gamma, 1e-9)
	assert.InDelta(t, call.Vega, put.Vega, 1e-9)
}

func TestBlackScholesGreeksMoneyness(t *testing.T) {
	t.Parallel()

	deepITM := BlackScholesGreeks(24000, 22000, 0.14, 7.0/365, types.Call)
	deepOTM := BlackScholesGreeks(24000, 26000, 0.14, 7.0/365, types.Call)

	assert.Greater(t, deepITM.Delta, 0.95)
	assert.Less(t, deepOTM.Delta, 0.05)
}

func TestBlackScholesGreeksDegenerateInputs(t *testing.T) {
	t.Parallel()

	g := BlackScholesGreeks(0, 24000, 0.14, 7.0/365, types.Call)
	assert.Zero(t, g.Delta)

	g = BlackScholesGreeks(24000, 24000, 0, 7.0/365, types.Call)
	assert.Zero(t, g.Delta)
	assert.Zero(t, g.Gamma)
}

func TestYearsToExpiryFloor(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 8, 26, 15, 25, 0, 0, types.IST())
	expiry := time.Date(2025, 8, 26, 0, 0, 0, 0, types.IST())

	// Five minutes to close clamps at the floor instead of approaching zero.
	assert.Equal(t, minYearsToExpiry, YearsToExpiry(expiry, now))

	weekOut := expiry.AddDate(0, 0, 7)
	assert.InDelta(t, 7.0/365, YearsToExpiry(weekOut, now), 0.001)
}
