package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/internal/broker"
	"options-engine/pkg/types"
)

func leg(strike float64, right types.Right, oi, volume int64) *types.OptionLeg {
	return &types.OptionLeg{Strike: strike, Right: right, OI: oi, Volume: volume, Last: 100}
}

func TestBuildChainFiltersByBand(t *testing.T) {
	t.Parallel()

	spot := 24000.0
	rows := []broker.ChainStrike{
		{Strike: 21000, Call: leg(21000, types.Call, 1000, 100)}, // -12.5%, out
		{Strike: 23000, Call: leg(23000, types.Call, 1000, 100)}, // -4.2%, in
		{Strike: 24000, Call: leg(24000, types.Call, 1000, 100), Put: leg(24000, types.Put, 2000, 100)},
		{Strike: 25000, Call: leg(25000, types.Call, 1000, 100)}, // +4.2%, in
		{Strike: 27000, Call: leg(27000, types.Call, 1000, 100)}, // +12.5%, out
	}

	chain := BuildChain(types.NIFTY, weeklyExpiry(t), spot, rows, time.Now())

	assert.Len(t, chain.Strikes, 3)
	assert.Nil(t, chain.Leg(21000, types.Call))
	assert.Nil(t, chain.Leg(27000, types.Call))
	assert.NotNil(t, chain.Leg(23000, types.Call))
	assert.NotNil(t, chain.Leg(25000, types.Call))
}

func TestBuildChainLiquidityFloors(t *testing.T) {
	t.Parallel()

	spot := 24000.0
	rows := []broker.ChainStrike{
		// 2.1% out: inside the waived band, kept despite zero OI.
		{Strike: 24500, Call: leg(24500, types.Call, 0, 0)},
		// 6.25% out: below both floors, dropped.
		{Strike: 25500, Call: leg(25500, types.Call, 49, 4)},
		// 6.25% out on the put side: clears the floors, kept.
		{Strike: 22500, Put: leg(22500, types.Put, 50, 5)},
		// 8.3% out: OI fine but volume below floor, dropped.
		{Strike: 26000, Call: leg(26000, types.Call, 500, 4)},
	}

	chain := BuildChain(types.NIFTY, weeklyExpiry(t), spot, rows, time.Now())

	assert.NotNil(t, chain.Leg(24500, types.Call))
	assert.Nil(t, chain.Leg(25500, types.Call))
	assert.NotNil(t, chain.Leg(22500, types.Put))
	assert.Nil(t, chain.Leg(26000, types.Call))
}

func TestBuildChainPCRAndTotals(t *testing.T) {
	t.Parallel()

	spot := 24000.0
	rows := []broker.ChainStrike{
		{Strike: 23900, Call: leg(23900, types.Call, 400, 50), Put: leg(23900, types.Put, 600, 50)},
		{Strike: 24000, Call: leg(24000, types.Call, 600, 50), Put: leg(24000, types.Put, 900, 50)},
	}

	chain := BuildChain(types.NIFTY, weeklyExpiry(t), spot, rows, time.Now())

	assert.Equal(t, int64(1000), chain.TotalCallOI)
	assert.Equal(t, int64(1500), chain.TotalPutOI)
	assert.InDelta(t, 1.5, chain.PCR, 1e-9)
}

func TestBuildChainZeroCallOI(t *testing.T) {
	t.Parallel()

	rows := []broker.ChainStrike{
		{Strike: 81000, Put: leg(81000, types.Put, 900, 50)},
	}
	chain := BuildChain(types.SENSEX, weeklyExpiry(t), 81000, rows, time.Now())

	// PCR left at zero; the manager substitutes the NIFTY value.
	assert.Zero(t, chain.PCR)
	assert.Equal(t, int64(900), chain.TotalPutOI)
}

func TestMaxPain(t *testing.T) {
	t.Parallel()

	spot := 24000.0
	// Heavy call OI above and put OI below pin max pain at the middle strike.
	rows := []broker.ChainStrike{
		{Strike: 23900, Call: leg(23900, types.Call, 100, 50), Put: leg(23900, types.Put, 5000, 50)},
		{Strike: 24000, Call: leg(24000, types.Call, 500, 50), Put: leg(24000, types.Put, 500, 50)},
		{Strike: 24100, Call: leg(24100, types.Call, 5000, 50), Put: leg(24100, types.Put, 100, 50)},
	}

	chain := BuildChain(types.NIFTY, weeklyExpiry(t), spot, rows, time.Now())
	assert.Equal(t, 24000.0, chain.MaxPainStrike)
}

func TestBuildChainFillsGreeksFromIV(t *testing.T) {
	t.Parallel()

	call := leg(24000, types.Call, 1000, 100)
	call.Greeks.IV = 0.14
	rows := []broker.ChainStrike{{Strike: 24000, Call: call}}

	expiry := time.Now().In(types.IST()).AddDate(0, 0, 5)
	chain := BuildChain(types.NIFTY, expiry, 24000, rows, time.Now())

	got := chain.Leg(24000, types.Call)
	require.NotNil(t, got)
	assert.InDelta(t, 0.5, got.Greeks.Delta, 0.1) // ATM call
	assert.Greater(t, got.Greeks.Gamma, 0.0)
	assert.Less(t, got.Greeks.Theta, 0.0)
}

func TestATMIV(t *testing.T) {
	t.Parallel()

	call := leg(24000, types.Call, 1000, 100)
	call.Greeks.IV = 0.12
	put := leg(24000, types.Put, 1000, 100)
	put.Greeks.IV = 0.16
	rows := []broker.ChainStrike{{Strike: 24000, Call: call, Put: put}}

	chain := BuildChain(types.NIFTY, weeklyExpiry(t), 24010, rows, time.Now())
	assert.InDelta(t, 0.14, ATMIV(chain), 1e-9)
}

func weeklyExpiry(t *testing.T) time.Time {
	t.Helper()
	return CurrentExpiry(types.NIFTY, time.Now())
}
