package storage

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.db"), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openPosition(id string) *types.Position {
	return &types.Position{
		ID: id,
		Instrument: types.Instrument{
			Symbol: types.NIFTY, Kind: types.KindOption,
			Strike: 24500, Right: types.Call,
			Expiry: time.Date(2025, 8, 26, 0, 0, 0, 0, types.IST()),
			Key:    "NSE_FO|NIFTY26AUG2025CE24500",
		},
		StrategyID: "momentum_rider",
		Quantity:   75,
		EntryPrice: 50,
		EntryTime:  time.Date(2025, 8, 25, 10, 30, 0, 0, types.IST()),
		Target:     80,
		StopLoss:   39.5,
		TP1:        57.5, TP2: 65, TP3: 80,
		Status:       types.StatusOpen,
		EntryGreeks:  types.Greeks{IV: 0.14, Delta: 0.52},
		EntryContext: types.MarketContext{Spot: 24012.35, PCR: 1.18},
	}
}

func TestSavePositionAndRestore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SavePosition(openPosition("p1")))

	open, quarantined, err := s.RestoreOpen()
	require.NoError(t, err)
	assert.Empty(t, quarantined)
	require.Len(t, open, 1)

	got := open[0]
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, types.NIFTY, got.Instrument.Symbol)
	assert.Equal(t, 24500.0, got.Instrument.Strike)
	assert.InDelta(t, 50.0, got.EntryPrice, 1e-9)
	assert.InDelta(t, 0.52, got.EntryGreeks.Delta, 1e-9, "greeks survive the JSON column")
	assert.InDelta(t, 1.18, got.EntryContext.PCR, 1e-9)
}

func TestSavePositionUpserts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	p := openPosition("p1")
	require.NoError(t, s.SavePosition(p))

	p.TrailingSL = 57.5
	p.CurrentPrice = 66
	require.NoError(t, s.SavePosition(p))

	open, _, err := s.RestoreOpen()
	require.NoError(t, err)
	require.Len(t, open, 1, "same ID updates in place")
	assert.InDelta(t, 57.5, open[0].TrailingSL, 1e-9)
}

func TestRestoreQuarantinesIncompleteInstrument(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SavePosition(openPosition("good")))
	broken := openPosition("broken")
	broken.Instrument.Strike = 0
	require.NoError(t, s.SavePosition(broken))

	open, quarantined, err := s.RestoreOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "good", open[0].ID)
	require.Len(t, quarantined, 1)
	assert.Equal(t, "broken", quarantined[0].PositionID)
}

func TestRestoreSkipsClosedPositions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	closed := openPosition("c1")
	closed.Status = types.StatusClosed
	require.NoError(t, s.SavePosition(closed))

	open, _, err := s.RestoreOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestUpdatePrice(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SavePosition(openPosition("p1")))
	require.NoError(t, s.UpdatePrice("p1", 53.05, 228.75))

	open, _, err := s.RestoreOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 53.05, open[0].CurrentPrice, 1e-9)
	assert.InDelta(t, 228.75, open[0].UnrealizedPnL, 1e-9)
}

func TestRemovePosition(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SavePosition(openPosition("p1")))
	require.NoError(t, s.RemovePosition("p1"))

	open, _, err := s.RestoreOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func closedTrade(id string, pnl float64, exitAt time.Time) types.Trade {
	p := *openPosition(id)
	p.Status = types.StatusClosed
	p.ExitReason = types.ExitTarget
	p.ExitPrice = p.EntryPrice + pnl/float64(p.Quantity)
	p.ExitTime = exitAt
	return types.Trade{PositionID: id, Position: p, PnL: pnl, ModelVersion: "v1"}
}

func TestRecordTradeAndDayStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	day := time.Date(2025, 8, 25, 0, 0, 0, 0, types.IST())
	require.NoError(t, s.RecordTrade(closedTrade("t1", 1500, day.Add(11*time.Hour))))
	require.NoError(t, s.RecordTrade(closedTrade("t2", -600, day.Add(13*time.Hour))))
	// A trade from another day must not pollute the aggregate.
	require.NoError(t, s.RecordTrade(closedTrade("t3", 900, day.AddDate(0, 0, -1).Add(11*time.Hour))))

	stats, err := s.StatsForDay(day)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Trades)
	assert.Equal(t, 1, stats.Winners)
	assert.InDelta(t, 900.0, stats.TotalPnL, 1e-9)
}

func TestSaveChainSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	chain := &types.OptionChain{
		Symbol:    types.NIFTY,
		Expiry:    time.Date(2025, 8, 26, 0, 0, 0, 0, types.IST()),
		SpotPrice: 24012.35,
		Strikes: map[float64]types.StrikePair{
			24000: {Call: &types.OptionLeg{Strike: 24000, Right: types.Call, OI: 5000}},
		},
		PCR:        1.18,
		CapturedAt: time.Now(),
	}
	require.NoError(t, s.SaveChainSnapshot(chain))

	var rec ChainSnapshotRecord
	require.NoError(t, s.db.First(&rec).Error)
	assert.Equal(t, "NIFTY", rec.Symbol)
	assert.InDelta(t, 1.18, rec.PCR, 1e-9)
	assert.Contains(t, rec.Payload, "24000", "full chain travels as the JSON payload")
}

func TestRecordAllocation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	a := types.Uniform()
	a.Timestamp = time.Date(2025, 8, 25, 11, 0, 0, 0, types.IST())
	require.NoError(t, s.RecordAllocation(a, 0.12, "v1", false))

	var rec AllocationAudit
	require.NoError(t, s.db.First(&rec).Error)
	assert.Equal(t, "2025-08-25", rec.Day)
	assert.Equal(t, "v1", rec.ModelVersion)
	assert.False(t, rec.Paused)
}

func TestRecordReconciliation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.RecordReconciliation("NSE_FO|NIFTY26AUG2025CE24500", 150, "ORPHAN_KILLED", "broker-only inventory"))

	var rec ReconciliationAudit
	require.NoError(t, s.db.First(&rec).Error)
	assert.Equal(t, 150, rec.Quantity)
	assert.Equal(t, "ORPHAN_KILLED", rec.Action)
}
