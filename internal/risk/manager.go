// Package risk owns position sizing, entry validation, exit rules, and the
// session circuit breakers.
//
// Every entry the engine considers passes through this package twice: once
// to size it (Size) and once to validate it (ValidateEntry). Exits are
// evaluated per tick via ShouldExit. Three breakers guard the session:
//
//   - Daily loss:   realized PnL below −DailyLossLimitPct of capital
//   - Loss streak:  five consecutive losing trades
//   - Data feed:    market data degraded or stale
//
// A tripped loss breaker stays tripped for the session and additionally
// emits a KillSignal on KillCh(); the engine reads it and flattens the book.
// The data-feed breaker clears itself when prices flow again. The operator
// can clear everything with the configured override token.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"options-engine/internal/config"
	"options-engine/pkg/types"
)

// Breaker names.
const (
	BreakerDailyLoss  = "daily_loss"
	BreakerLossStreak = "loss_streak"
	BreakerDataFeed   = "data_feed"
)

const lossStreakLimit = 5

// KillSignal tells the engine to close every open position.
type KillSignal struct {
	Breaker string
	Reason  string
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg     config.RiskConfig
	capital float64
	logger  *slog.Logger

	mu         sync.Mutex
	dayPnL     float64
	lossStreak int
	tripped    map[string]string // breaker -> detail

	killCh chan KillSignal
}

func NewManager(cfg config.RiskConfig, capital float64, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		capital: capital,
		logger:  logger.With("component", "risk"),
		tripped: make(map[string]string),
		killCh:  make(chan KillSignal, 4),
	}
}

// KillCh returns the channel the engine reads flatten-the-book signals from.
func (m *Manager) KillCh() <-chan KillSignal { return m.killCh }

// ————————————————————————————————————————————————————————————————————————
// Sizing
// ————————————————————————————————————————————————————————————————————————

// confidenceMultiplier scales risk with the signal's confidence bucket.
func confidenceMultiplier(c float64) float64 {
	switch {
	case c >= 0.95:
		return 2.0
	case c >= 0.90:
		return 1.5
	case c >= 0.85:
		return 1.2
	case c >= 0.75:
		return 1.0
	default:
		return 0.8
	}
}

// portfolioDamping shrinks new risk as open risk approaches the book limit.
func portfolioDamping(atRiskPct float64) float64 {
	switch {
	case atRiskPct > 8:
		return 0.5
	case atRiskPct > 6:
		return 0.7
	case atRiskPct > 4:
		return 0.85
	default:
		return 1.0
	}
}

// regimeMultiplier throttles in high vol and leans in when vol is cheap.
func regimeMultiplier(r types.VolRegime) float64 {
	switch r {
	case types.RegimeHighVol:
		return 0.8
	case types.RegimeLowVol:
		return 1.2
	default:
		return 1.0
	}
}

// Size converts a signal into a lot count. The base risk budget is
// RiskPercent of capital, scaled by the confidence bucket, the strategy's
// configured multiplier, open portfolio risk, and the vol regime. Lots come
// from dividing the budget by the per-lot loss at the stop, rounded down and
// clamped to the configured range. Deterministic: same inputs, same size.
func (m *Manager) Size(sig types.Signal, open []*types.Position, regime types.VolRegime, strategyMult float64) (int, error) {
	perUnit := sig.EntryPrice - sig.StopLoss
	if perUnit <= 0 {
		return 0, fmt.Errorf("signal %s: stop %.2f not below entry %.2f",
			sig.StrategyID, sig.StopLoss, sig.EntryPrice)
	}
	if strategyMult <= 0 {
		strategyMult = 1.0
	}

	budget := m.capital * m.cfg.RiskPercent / 100
	budget *= confidenceMultiplier(sig.Confidence)
	budget *= strategyMult
	budget *= portfolioDamping(m.openRiskPct(open))
	budget *= regimeMultiplier(regime)

	perLot := perUnit * float64(sig.Symbol.LotSize())
	lots := int(math.Floor(budget / perLot))

	if lots < m.cfg.MinLots {
		lots = m.cfg.MinLots
	}
	if m.cfg.MaxLots > 0 && lots > m.cfg.MaxLots {
		lots = m.cfg.MaxLots
	}
	if lots <= 0 {
		return 0, fmt.Errorf("signal %s: sized to zero lots", sig.StrategyID)
	}
	return lots, nil
}

// openRiskPct returns the open positions' distance-to-stop as a percentage
// of capital.
func (m *Manager) openRiskPct(open []*types.Position) float64 {
	if m.capital <= 0 {
		return 0
	}
	risk := 0.0
	for _, p := range open {
		if p.Status != types.StatusOpen {
			continue
		}
		stop := p.StopLoss
		if p.TrailingSL > stop {
			stop = p.TrailingSL
		}
		if d := p.CurrentPrice - stop; d > 0 {
			risk += d * float64(p.Quantity)
		}
	}
	return risk / m.capital * 100
}

// ————————————————————————————————————————————————————————————————————————
// Entry validation
// ————————————————————————————————————————————————————————————————————————

// ValidateEntry is the final gate before an order goes out.
func (m *Manager) ValidateEntry(sig types.Signal, lots int, open []*types.Position) error {
	if name, detail := m.TrippedBreaker(); name != "" {
		return fmt.Errorf("breaker %s tripped: %s", name, detail)
	}
	if sig.Strength < m.cfg.MinSignalStrength {
		return fmt.Errorf("strength %.1f below minimum %.1f", sig.Strength, m.cfg.MinSignalStrength)
	}

	openCount := 0
	for _, p := range open {
		if p.Status == types.StatusOpen {
			openCount++
		}
	}
	if openCount >= m.cfg.MaxConcurrentPositions {
		return fmt.Errorf("%d positions open, limit %d", openCount, m.cfg.MaxConcurrentPositions)
	}

	if m.cfg.LeverageCap > 0 {
		exposure := sig.EntryPrice * float64(lots*sig.Symbol.LotSize())
		for _, p := range open {
			if p.Status == types.StatusOpen {
				exposure += p.CurrentPrice * float64(p.Quantity)
			}
		}
		if exposure > m.capital*m.cfg.LeverageCap {
			return fmt.Errorf("exposure %.0f exceeds leverage cap %.1fx", exposure, m.cfg.LeverageCap)
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Exits
// ————————————————————————————————————————————————————————————————————————

// UpdateTrailing ratchets the trailing stop up the take-profit ladder:
// crossing TP1 arms it at breakeven, crossing TP2 moves it to TP1. The stop
// never moves down.
func (m *Manager) UpdateTrailing(p *types.Position, ltp float64) {
	var want float64
	switch {
	case p.TP2 > 0 && ltp >= p.TP2:
		want = p.TP1
	case p.TP1 > 0 && ltp >= p.TP1:
		want = p.EntryPrice
	default:
		return
	}
	if want > p.TrailingSL {
		p.TrailingSL = want
		m.logger.Info("trailing stop moved",
			"position", p.ID, "stop", want, "ltp", ltp)
	}
}

// ShouldExit returns the exit reason for a position at the given price, or
// false when it should stay open. riskOff forces every position out.
func (m *Manager) ShouldExit(p *types.Position, ltp float64, now time.Time, riskOff bool) (types.ExitReason, bool) {
	if riskOff {
		return types.ExitRiskOff, true
	}
	if types.PastSquareOff(now) {
		return types.ExitEOD, true
	}
	if p.TP3 > 0 && ltp >= p.TP3 {
		return types.ExitTP3, true
	}
	if p.TP3 == 0 && p.Target > 0 && ltp >= p.Target {
		return types.ExitTarget, true
	}
	if p.TrailingSL > 0 && ltp <= p.TrailingSL {
		return types.ExitTrailingSL, true
	}
	if p.StopLoss > 0 && ltp <= p.StopLoss {
		return types.ExitStopLoss, true
	}
	return "", false
}

// ————————————————————————————————————————————————————————————————————————
// Breakers
// ————————————————————————————————————————————————————————————————————————

// RecordClose feeds a realized PnL into the daily-loss and loss-streak
// breakers.
func (m *Manager) RecordClose(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dayPnL += pnl
	if pnl < 0 {
		m.lossStreak++
	} else {
		m.lossStreak = 0
	}

	if m.cfg.DailyLossLimitPct > 0 && m.capital > 0 {
		limit := -m.capital * m.cfg.DailyLossLimitPct / 100
		if m.dayPnL <= limit {
			m.trip(BreakerDailyLoss,
				fmt.Sprintf("day pnl %.0f breached limit %.0f", m.dayPnL, limit), true)
		}
	}
	if m.lossStreak >= lossStreakLimit {
		m.trip(BreakerLossStreak,
			fmt.Sprintf("%d consecutive losers", m.lossStreak), true)
	}
}

// ReportDataOutage trips the data-feed breaker: no fresh prices means no new
// entries. Open positions are kept, so no kill signal.
func (m *Manager) ReportDataOutage(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trip(BreakerDataFeed, detail, false)
}

// ClearDataOutage resets the data-feed breaker once prices flow again. The
// loss breakers stay tripped; recovered connectivity does not un-lose money.
func (m *Manager) ClearDataOutage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tripped[BreakerDataFeed]; ok {
		delete(m.tripped, BreakerDataFeed)
		m.logger.Info("data feed breaker cleared")
	}
}

// trip must be called with the lock held.
func (m *Manager) trip(name, detail string, kill bool) {
	if _, ok := m.tripped[name]; ok {
		return
	}
	m.tripped[name] = detail
	m.logger.Error("circuit breaker tripped", "breaker", name, "detail", detail)

	if !kill {
		return
	}
	// Drain a stale signal if the channel is full so the latest reason is
	// always delivered.
	sig := KillSignal{Breaker: name, Reason: detail}
	select {
	case m.killCh <- sig:
	default:
		select {
		case <-m.killCh:
		default:
		}
		m.killCh <- sig
	}
}

// TrippedBreaker returns the first active breaker and its detail, or empty
// strings when trading is allowed.
func (m *Manager) TrippedBreaker() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range []string{BreakerDailyLoss, BreakerLossStreak, BreakerDataFeed} {
		if detail, ok := m.tripped[name]; ok {
			return name, detail
		}
	}
	return "", ""
}

// Override clears every tripped breaker when the token matches. Intended for
// the operator who has looked at the book and decided to keep trading.
func (m *Manager) Override(token string) error {
	if m.cfg.OverrideToken == "" || token != m.cfg.OverrideToken {
		return fmt.Errorf("invalid override token")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.tripped {
		m.logger.Warn("breaker cleared by override", "breaker", name)
		delete(m.tripped, name)
	}
	m.lossStreak = 0
	return nil
}

// DayPnL returns the session's realized PnL.
func (m *Manager) DayPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dayPnL
}
