// Package storage is the relational persistence layer.
//
// Tables: positions (live book, upserted per tick), trades (append-only
// closed-trade log with ML telemetry), option_chain_snapshots (raw filtered
// chains for later analysis), allocation_audits (per-tick meta-controller
// output) and reconciliation_audits (orphan kills).
//
// SQLite backs local runs; a Postgres DSN switches the driver without any
// other code change. Money columns use decimal types so aggregation in SQL
// stays exact.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"options-engine/pkg/types"
)

// PositionRecord is one row in the positions table.
type PositionRecord struct {
	ID         string `gorm:"primaryKey"`
	Symbol     string `gorm:"index"`
	Strike     float64
	Right      string
	Expiry     time.Time
	Key        string `gorm:"index"`
	StrategyID string `gorm:"index"`
	Quantity   int

	EntryPrice    decimal.Decimal `gorm:"type:decimal(12,2)"`
	CurrentPrice  decimal.Decimal `gorm:"type:decimal(12,2)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(14,2)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(14,2)"`

	Target     float64
	StopLoss   float64
	TP1        float64
	TP2        float64
	TP3        float64
	TrailingSL float64

	Status     string `gorm:"index"`
	ExitReason string
	ExitPrice  decimal.Decimal `gorm:"type:decimal(12,2)"`

	EntryTime time.Time
	ExitTime  *time.Time

	EntryGreeks   string // JSON blobs: greeks + market context travel whole
	CurrentGreeks string
	EntryContext  string
	ExitContext   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeRecord is one row in the trades table. Append-only.
type TradeRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	PositionID string `gorm:"index"`
	Symbol     string `gorm:"index"`
	StrategyID string `gorm:"index"`
	Key        string
	Quantity   int

	EntryPrice decimal.Decimal `gorm:"type:decimal(12,2)"`
	ExitPrice  decimal.Decimal `gorm:"type:decimal(12,2)"`
	PnL        decimal.Decimal `gorm:"type:decimal(14,2)"`
	ExitReason string

	EntryTime time.Time
	ExitTime  time.Time

	ModelVersion     string
	FeaturesSnapshot string // JSON array, meta-controller features at entry
	EntryContext     string
	ExitContext      string

	CreatedAt time.Time
}

// ChainSnapshotRecord is one row in option_chain_snapshots.
type ChainSnapshotRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Symbol        string `gorm:"index"`
	Expiry        time.Time
	SpotPrice     float64
	PCR           float64
	MaxPainStrike float64
	TotalCallOI   int64
	TotalPutOI    int64
	Payload       string    // full filtered chain, JSON
	CapturedAt    time.Time `gorm:"index"`
	CreatedAt     time.Time
}

// AllocationAudit is one row per meta-controller tick.
type AllocationAudit struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Day          string `gorm:"index"` // YYYY-MM-DD in IST
	Weights      string // JSON array of 9 floats
	CriticLoss   float64
	ModelVersion string
	Paused       bool
	CreatedAt    time.Time
}

// ReconciliationAudit records every orphan kill and flag.
type ReconciliationAudit struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Key       string `gorm:"index"`
	Quantity  int
	Action    string // "flagged", "orphan_kill", "promoted"
	Detail    string
	CreatedAt time.Time
}

// IntegrityError describes a persisted position that cannot be priced or
// exited (missing mandatory instrument fields). The caller quarantines it.
type IntegrityError struct {
	PositionID string
	Reason     string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("position %s: %s", e.PositionID, e.Reason)
}

// Store wraps the gorm handle. Safe for concurrent use; gorm serializes
// through its connection pool and SQLite runs in WAL mode.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the database and migrates the schema. dsn selects
// Postgres when non-empty, otherwise path selects the SQLite file.
func Open(path, dsn string, log *slog.Logger) (*Store, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	if dsn != "" {
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create db dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), gcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&PositionRecord{},
		&TradeRecord{},
		&ChainSnapshotRecord{},
		&AllocationAudit{},
		&ReconciliationAudit{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, logger: log.With("component", "storage")}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// SavePosition upserts a position by ID. Atomic per position.
func (s *Store) SavePosition(p *types.Position) error {
	rec := toRecord(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// RemovePosition deletes the open-position row.
func (s *Store) RemovePosition(id string) error {
	return s.db.Delete(&PositionRecord{}, "id = ?", id).Error
}

// UpdatePrice is the low-priority per-tick column update: current price and
// unrealized PnL only.
func (s *Store) UpdatePrice(id string, ltp, unrealized float64) error {
	return s.db.Model(&PositionRecord{}).Where("id = ?", id).Updates(map[string]any{
		"current_price":   decimal.NewFromFloat(ltp),
		"unrealized_pn_l": decimal.NewFromFloat(unrealized),
	}).Error
}

// RestoreOpen returns every OPEN position as a consistent snapshot. Rows
// violating the instrument-completeness invariant are returned separately
// for quarantine, never silently dropped.
func (s *Store) RestoreOpen() ([]types.Position, []IntegrityError, error) {
	var recs []PositionRecord
	if err := s.db.Where("status = ?", string(types.StatusOpen)).Find(&recs).Error; err != nil {
		return nil, nil, fmt.Errorf("restore open positions: %w", err)
	}

	var (
		out        []types.Position
		quarantine []IntegrityError
	)
	for _, rec := range recs {
		p := fromRecord(rec)
		if !p.Instrument.Complete() {
			quarantine = append(quarantine, IntegrityError{
				PositionID: rec.ID,
				Reason:     "instrument missing mandatory fields",
			})
			continue
		}
		out = append(out, p)
	}
	return out, quarantine, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// RecordTrade appends a closed-trade row.
func (s *Store) RecordTrade(t types.Trade) error {
	p := t.Position
	features, _ := json.Marshal(t.FeaturesSnapshot)
	entryCtx, _ := json.Marshal(p.EntryContext)
	exitCtx, _ := json.Marshal(p.ExitContext)

	rec := TradeRecord{
		PositionID:       t.PositionID,
		Symbol:           string(p.Instrument.Symbol),
		StrategyID:       p.StrategyID,
		Key:              p.Instrument.Key,
		Quantity:         p.Quantity,
		EntryPrice:       decimal.NewFromFloat(p.EntryPrice),
		ExitPrice:        decimal.NewFromFloat(p.ExitPrice),
		PnL:              decimal.NewFromFloat(t.PnL),
		ExitReason:       string(p.ExitReason),
		EntryTime:        p.EntryTime,
		ExitTime:         p.ExitTime,
		ModelVersion:     t.ModelVersion,
		FeaturesSnapshot: string(features),
		EntryContext:     string(entryCtx),
		ExitContext:      string(exitCtx),
	}
	return s.db.Create(&rec).Error
}

// DayStats aggregates the closed trades for one IST day.
type DayStats struct {
	Trades   int
	Winners  int
	TotalPnL float64
}

// StatsForDay computes win/loss counts and net PnL for the given day.
func (s *Store) StatsForDay(day time.Time) (DayStats, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, types.IST())
	end := start.Add(24 * time.Hour)

	var recs []TradeRecord
	if err := s.db.Where("exit_time >= ? AND exit_time < ?", start, end).Find(&recs).Error; err != nil {
		return DayStats{}, err
	}
	var stats DayStats
	for _, r := range recs {
		stats.Trades++
		pnl, _ := r.PnL.Float64()
		stats.TotalPnL += pnl
		if pnl > 0 {
			stats.Winners++
		}
	}
	return stats, nil
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots and audits
// ————————————————————————————————————————————————————————————————————————

// SaveChainSnapshot appends a filtered chain snapshot.
func (s *Store) SaveChainSnapshot(chain *types.OptionChain) error {
	payload, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	rec := ChainSnapshotRecord{
		Symbol:        string(chain.Symbol),
		Expiry:        chain.Expiry,
		SpotPrice:     chain.SpotPrice,
		PCR:           chain.PCR,
		MaxPainStrike: chain.MaxPainStrike,
		TotalCallOI:   chain.TotalCallOI,
		TotalPutOI:    chain.TotalPutOI,
		Payload:       string(payload),
		CapturedAt:    chain.CapturedAt,
	}
	return s.db.Create(&rec).Error
}

// RecordAllocation appends the meta-controller audit row for a tick.
func (s *Store) RecordAllocation(a types.Allocation, criticLoss float64, modelVersion string, paused bool) error {
	weights, _ := json.Marshal(a.Weights)
	rec := AllocationAudit{
		Day:          a.Timestamp.In(types.IST()).Format("2006-01-02"),
		Weights:      string(weights),
		CriticLoss:   criticLoss,
		ModelVersion: modelVersion,
		Paused:       paused,
	}
	return s.db.Create(&rec).Error
}

// RecordReconciliation appends a reconciliation audit row.
func (s *Store) RecordReconciliation(key string, quantity int, action, detail string) error {
	rec := ReconciliationAudit{Key: key, Quantity: quantity, Action: action, Detail: detail}
	return s.db.Create(&rec).Error
}

// ————————————————————————————————————————————————————————————————————————
// Mapping
// ————————————————————————————————————————————————————————————————————————

func toRecord(p *types.Position) PositionRecord {
	entryGreeks, _ := json.Marshal(p.EntryGreeks)
	currentGreeks, _ := json.Marshal(p.CurrentGreeks)
	entryCtx, _ := json.Marshal(p.EntryContext)
	exitCtx, _ := json.Marshal(p.ExitContext)

	rec := PositionRecord{
		ID:            p.ID,
		Symbol:        string(p.Instrument.Symbol),
		Strike:        p.Instrument.Strike,
		Right:         string(p.Instrument.Right),
		Expiry:        p.Instrument.Expiry,
		Key:           p.Instrument.Key,
		StrategyID:    p.StrategyID,
		Quantity:      p.Quantity,
		EntryPrice:    decimal.NewFromFloat(p.EntryPrice),
		CurrentPrice:  decimal.NewFromFloat(p.CurrentPrice),
		UnrealizedPnL: decimal.NewFromFloat(p.UnrealizedPnL),
		RealizedPnL:   decimal.NewFromFloat(p.RealizedPnL),
		Target:        p.Target,
		StopLoss:      p.StopLoss,
		TP1:           p.TP1,
		TP2:           p.TP2,
		TP3:           p.TP3,
		TrailingSL:    p.TrailingSL,
		Status:        string(p.Status),
		ExitReason:    string(p.ExitReason),
		ExitPrice:     decimal.NewFromFloat(p.ExitPrice),
		EntryTime:     p.EntryTime,
		EntryGreeks:   string(entryGreeks),
		CurrentGreeks: string(currentGreeks),
		EntryContext:  string(entryCtx),
		ExitContext:   string(exitCtx),
	}
	if !p.ExitTime.IsZero() {
		t := p.ExitTime
		rec.ExitTime = &t
	}
	return rec
}

func fromRecord(rec PositionRecord) types.Position {
	p := types.Position{
		ID: rec.ID,
		Instrument: types.Instrument{
			Symbol: types.Symbol(rec.Symbol),
			Kind:   types.KindOption,
			Strike: rec.Strike,
			Expiry: rec.Expiry,
			Right:  types.Right(rec.Right),
			Key:    rec.Key,
		},
		StrategyID: rec.StrategyID,
		Quantity:   rec.Quantity,
		Target:     rec.Target,
		StopLoss:   rec.StopLoss,
		TP1:        rec.TP1,
		TP2:        rec.TP2,
		TP3:        rec.TP3,
		TrailingSL: rec.TrailingSL,
		Status:     types.PositionStatus(rec.Status),
		ExitReason: types.ExitReason(rec.ExitReason),
		EntryTime:  rec.EntryTime,
	}
	p.EntryPrice, _ = rec.EntryPrice.Float64()
	p.CurrentPrice, _ = rec.CurrentPrice.Float64()
	p.UnrealizedPnL, _ = rec.UnrealizedPnL.Float64()
	p.RealizedPnL, _ = rec.RealizedPnL.Float64()
	p.ExitPrice, _ = rec.ExitPrice.Float64()
	if rec.ExitTime != nil {
		p.ExitTime = *rec.ExitTime
	}
	_ = json.Unmarshal([]byte(rec.EntryGreeks), &p.EntryGreeks)
	_ = json.Unmarshal([]byte(rec.CurrentGreeks), &p.CurrentGreeks)
	_ = json.Unmarshal([]byte(rec.EntryContext), &p.EntryContext)
	_ = json.Unmarshal([]byte(rec.ExitContext), &p.ExitContext)
	return p
}
