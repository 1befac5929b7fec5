// Package orders executes signals and owns the live position book.
//
// The manager runs in one of two modes. Paper mode simulates fills locally:
// entries fill at the signal price after a short latency, with occasional
// partial fills on very large orders to keep the simulation honest. Live
// mode places aggressive limit orders through the broker and chases the
// fill across a bounded number of retries.
//
// Every open position streams on the push feed; ticks mark the book to
// market and persist the running PnL. Exit decisions live in the risk
// package — this package only executes them.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"options-engine/internal/broker"
	"options-engine/internal/feed"
	"options-engine/internal/storage"
	"options-engine/pkg/types"
)

const (
	paperFillDelay    = 50 * time.Millisecond
	paperPartialMin   = 100 // lots; smaller paper orders always fill whole
	livePricePad      = 1.02
	liveSellPad       = 0.98
	liveFillAttempts  = 3
	liveFillPollEvery = 500 * time.Millisecond
	liveFillPolls     = 6

	resubscribeBatch = 3
	resubscribePause = 500 * time.Millisecond
)

// ErrAlreadyClosed is returned by Close when the position has already left
// the open book. Callers racing the same exit should treat it as a no-op.
var ErrAlreadyClosed = errors.New("position already closed")

// Event is broadcast to observers on position lifecycle changes.
type Event struct {
	Type     EventType
	Position types.Position
}

type EventType string

const (
	EventOpened EventType = "OPENED"
	EventClosed EventType = "CLOSED"
)

// Observer receives position events. Must not block.
type Observer func(Event)

type brokerAPI interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderDetails(ctx context.Context, orderID string) (broker.OrderDetail, error)
}

type feedAPI interface {
	Subscribe(keys []string) error
	Unsubscribe(keys []string) error
	OnTick(key string, cb feed.Callback)
	RemoveCallbacks(key string)
}

type priceSource interface {
	LTP(ctx context.Context, key string) (float64, error)
}

type positionStore interface {
	SavePosition(p *types.Position) error
	UpdatePrice(id string, ltp, unrealized float64) error
	RecordTrade(t types.Trade) error
	RestoreOpen() ([]types.Position, []storage.IntegrityError, error)
}

// Manager is the execution layer. Safe for concurrent use.
type Manager struct {
	mode   types.TradeMode
	broker brokerAPI
	feed   feedAPI
	prices priceSource
	store  positionStore
	logger *slog.Logger
	rng    *rand.Rand
	rngMu  sync.Mutex

	mu        sync.RWMutex
	positions map[string]*types.Position
	observers []Observer
}

func NewManager(mode types.TradeMode, b brokerAPI, f feedAPI, prices priceSource, store positionStore, logger *slog.Logger) *Manager {
	return &Manager{
		mode:      mode,
		broker:    b,
		feed:      f,
		prices:    prices,
		store:     store,
		logger:    logger.With("component", "orders"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		positions: make(map[string]*types.Position),
	}
}

// AddObserver registers a lifecycle observer.
func (m *Manager) AddObserver(obs Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, obs)
	m.mu.Unlock()
}

func (m *Manager) notify(ev Event) {
	m.mu.RLock()
	obs := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, o := range obs {
		o(ev)
	}
}

// Open returns copies of the open positions. Feed ticks keep mutating the
// book concurrently; handing out the live structs would race every reader.
func (m *Manager) Open() []*types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == types.StatusOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// Get returns a copy of one position by id.
func (m *Manager) Get(id string) (*types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// SetTrailing ratchets the trailing stop on an open position. Stops only
// move up; a value at or below the current one is ignored.
func (m *Manager) SetTrailing(id string, stop float64) error {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok || p.Status != types.StatusOpen {
		m.mu.Unlock()
		return fmt.Errorf("no open position %s", id)
	}
	if stop <= p.TrailingSL {
		m.mu.Unlock()
		return nil
	}
	p.TrailingSL = stop
	cp := *p
	m.mu.Unlock()

	if err := m.store.SavePosition(&cp); err != nil {
		m.logger.Debug("persisting trailing stop failed", "position", id, "error", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Entry
// ————————————————————————————————————————————————————————————————————————

// OpenFromSignal executes a sized signal and returns the resulting position.
// The take-profit ladder is derived from the signal's target: TP1 and TP2 at
// a quarter and half of the move, TP3 at the target itself.
func (m *Manager) OpenFromSignal(ctx context.Context, sig types.Signal, lots int, entryCtx types.MarketContext) (*types.Position, error) {
	if lots <= 0 {
		return nil, fmt.Errorf("signal %s: non-positive size", sig.StrategyID)
	}
	qty := lots * sig.Symbol.LotSize()

	inst := types.Instrument{
		Symbol: sig.Symbol,
		Kind:   types.KindOption,
		Strike: sig.Strike,
		Expiry: sig.Expiry,
		Right:  sig.Right,
	}
	inst.Key = broker.InstrumentKey(inst)

	fillPrice, fillQty, err := m.fillEntry(ctx, inst, qty, sig.EntryPrice)
	if err != nil {
		return nil, err
	}
	if fillQty < qty {
		m.logger.Warn("partial entry fill",
			"instrument", inst.String(), "requested", qty, "filled", fillQty)
	}

	move := sig.Target - sig.EntryPrice
	p := &types.Position{
		ID:           uuid.NewString(),
		Instrument:   inst,
		Quantity:     fillQty,
		StrategyID:   sig.StrategyID,
		EntryPrice:   fillPrice,
		EntryTime:    time.Now(),
		CurrentPrice: fillPrice,
		Target:       sig.Target,
		StopLoss:     sig.StopLoss,
		TP1:          sig.EntryPrice + move*0.25,
		TP2:          sig.EntryPrice + move*0.50,
		TP3:          sig.Target,
		EntryGreeks:  sig.Greeks,
		Status:       types.StatusOpen,
		EntryContext: entryCtx,
	}

	if err := m.store.SavePosition(p); err != nil {
		// The position exists at the broker regardless; keep it in memory
		// and let reconciliation repair the row.
		m.logger.Error("persisting new position failed", "position", p.ID, "error", err)
	}

	m.mu.Lock()
	m.positions[p.ID] = p
	opened := *p // copy before ticks can mutate the live struct
	m.mu.Unlock()

	m.track(p)
	m.logger.Info("position opened",
		"position", p.ID,
		"instrument", inst.String(),
		"qty", fillQty,
		"entry", fillPrice,
		"stop", p.StopLoss,
		"target", p.Target,
		"strategy", p.StrategyID,
	)
	m.notify(Event{Type: EventOpened, Position: opened})
	return &opened, nil
}

// fillEntry executes the buy and returns (price, quantity).
func (m *Manager) fillEntry(ctx context.Context, inst types.Instrument, qty int, price float64) (float64, int, error) {
	if m.mode == types.ModeLive {
		return m.liveFill(ctx, inst, qty, types.Buy, price*livePricePad)
	}
	return m.paperFill(inst, qty, price)
}

// paperFill simulates a fill: full at the signal price after a fixed
// latency. Orders of paperPartialMin lots or more occasionally fill partial,
// at a uniform ratio in [0.5, 0.9).
func (m *Manager) paperFill(inst types.Instrument, qty int, price float64) (float64, int, error) {
	time.Sleep(paperFillDelay)

	lots := qty / inst.Symbol.LotSize()
	if lots >= paperPartialMin {
		m.rngMu.Lock()
		partial := m.rng.Float64() < 0.10
		ratio := 0.5 + m.rng.Float64()*0.4
		m.rngMu.Unlock()
		if partial {
			filledLots := int(float64(lots) * ratio)
			if filledLots < 1 {
				filledLots = 1
			}
			return price, filledLots * inst.Symbol.LotSize(), nil
		}
	}
	return price, qty, nil
}

// liveFill places an aggressive limit order and chases the fill: poll the
// order, and when it does not fill in time, cancel and re-place at a fresh
// price, up to liveFillAttempts rounds.
func (m *Manager) liveFill(ctx context.Context, inst types.Instrument, qty int, side types.Side, limit float64) (float64, int, error) {
	var lastErr error
	for attempt := 1; attempt <= liveFillAttempts; attempt++ {
		res, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
			Instrument: inst,
			Quantity:   qty,
			Side:       side,
			OrderType:  types.OrderTypeLimit,
			Price:      decimal.NewFromFloat(limit),
		})
		if err != nil {
			lastErr = err
			if broker.IsPermanent(err) {
				return 0, 0, err
			}
			continue
		}

		for poll := 0; poll < liveFillPolls; poll++ {
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-time.After(liveFillPollEvery):
			}
			det, err := m.broker.OrderDetails(ctx, res.OrderID)
			if err != nil {
				lastErr = err
				continue
			}
			switch det.Status {
			case "complete":
				return det.AveragePrice, det.FilledQuantity, nil
			case "rejected", "cancelled":
				return 0, 0, fmt.Errorf("order %s %s: %s", res.OrderID, det.Status, det.StatusMessage)
			}
		}

		if err := m.broker.CancelOrder(ctx, res.OrderID); err != nil {
			m.logger.Warn("cancel of unfilled order failed", "order", res.OrderID, "error", err)
		}
		lastErr = fmt.Errorf("order %s unfilled after %d polls", res.OrderID, liveFillPolls)

		// Chase: refresh the limit from the current market.
		if ltp, err := m.prices.LTP(ctx, inst.Key); err == nil && ltp > 0 {
			if side == types.Buy {
				limit = ltp * livePricePad
			} else {
				limit = ltp * liveSellPad
			}
		}
	}
	return 0, 0, fmt.Errorf("fill %s ×%d: %w", inst.String(), qty, lastErr)
}

// ————————————————————————————————————————————————————————————————————————
// Mark to market
// ————————————————————————————————————————————————————————————————————————

// track subscribes the position's instrument and wires the tick handler.
func (m *Manager) track(p *types.Position) {
	key := p.Instrument.Key
	if err := m.feed.Subscribe([]string{key}); err != nil {
		m.logger.Warn("feed subscribe failed, MTM falls back to REST",
			"instrument", key, "error", err)
	}
	id := p.ID
	m.feed.OnTick(key, func(msg feed.FeedMessage) {
		m.onTick(id, msg)
	})
}

// onTick marks one position to market. Ticks never trigger exits; the engine
// evaluates exits on its own cadence against the marked book.
func (m *Manager) onTick(id string, msg feed.FeedMessage) {
	if msg.LTP <= 0 {
		return
	}

	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok || p.Status != types.StatusOpen {
		m.mu.Unlock()
		return
	}
	p.MarkToMarket(msg.LTP)
	if msg.HasGreeks {
		p.CurrentGreeks = msg.Greeks
	}
	ltp, unreal := p.CurrentPrice, p.UnrealizedPnL
	m.mu.Unlock()

	if err := m.store.UpdatePrice(id, ltp, unreal); err != nil {
		m.logger.Debug("price persist failed", "position", id, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Exit
// ————————————————————————————————————————————————————————————————————————

// Close exits a position at the freshest available price and records the
// trade. A position already off the open book returns ErrAlreadyClosed.
func (m *Manager) Close(ctx context.Context, id string, reason types.ExitReason, exitCtx types.MarketContext) (*types.Trade, error) {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown position %s", id)
	}
	if p.Status != types.StatusOpen {
		m.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	// Mark as closing under the lock so a concurrent close cannot race.
	p.Status = types.StatusClosed
	m.mu.Unlock()

	ltp, err := m.prices.LTP(ctx, p.Instrument.Key)
	if err != nil || ltp <= 0 {
		m.logger.Warn("no fresh exit quote, using last mark",
			"position", id, "error", err)
		ltp = p.CurrentPrice
	}

	exitPrice := ltp
	if m.mode == types.ModeLive {
		price, _, err := m.liveFill(ctx, p.Instrument, p.Quantity, types.Sell, ltp*liveSellPad)
		if err != nil {
			// Could not get out with limits; a market order beats holding
			// into the close.
			m.logger.Error("limit exit failed, sending market order",
				"position", id, "error", err)
			res, mErr := m.broker.PlaceOrder(ctx, broker.OrderRequest{
				Instrument: p.Instrument,
				Quantity:   p.Quantity,
				Side:       types.Sell,
				OrderType:  types.OrderTypeMarket,
			})
			if mErr != nil {
				m.mu.Lock()
				p.Status = types.StatusOpen // still on the book
				m.mu.Unlock()
				return nil, fmt.Errorf("exit %s: %w", id, mErr)
			}
			if det, dErr := m.broker.OrderDetails(ctx, res.OrderID); dErr == nil && det.AveragePrice > 0 {
				price = det.AveragePrice
			} else {
				price = ltp
			}
		}
		exitPrice = price
	}

	m.mu.Lock()
	p.ExitPrice = exitPrice
	p.ExitTime = time.Now()
	p.ExitReason = reason
	p.ExitContext = exitCtx
	p.CurrentPrice = exitPrice
	p.RealizedPnL = (exitPrice - p.EntryPrice) * float64(p.Quantity)
	p.UnrealizedPnL = 0
	closed := *p
	m.mu.Unlock()

	trade := types.Trade{
		PositionID: closed.ID,
		Position:   closed,
		PnL:        closed.RealizedPnL,
	}

	if err := m.store.SavePosition(&closed); err != nil {
		m.logger.Error("persisting closed position failed", "position", id, "error", err)
	}
	if err := m.store.RecordTrade(trade); err != nil {
		m.logger.Error("recording trade failed", "position", id, "error", err)
	}

	m.untrack(closed.Instrument.Key, id)
	m.logger.Info("position closed",
		"position", id,
		"instrument", closed.Instrument.String(),
		"reason", reason,
		"entry", closed.EntryPrice,
		"exit", exitPrice,
		"pnl", closed.RealizedPnL,
	)
	m.notify(Event{Type: EventClosed, Position: closed})
	return &trade, nil
}

// Abandon drops a position from the book without touching the broker: used
// when reconciliation proves the broker never held it. The row is kept with
// CANCELLED status for the audit trail.
func (m *Manager) Abandon(id string, detail string) error {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok || p.Status != types.StatusOpen {
		m.mu.Unlock()
		return fmt.Errorf("no open position %s", id)
	}
	p.Status = types.StatusCancelled
	p.ExitReason = types.ExitOrphan
	p.ExitTime = time.Now()
	p.UnrealizedPnL = 0
	abandoned := *p
	m.mu.Unlock()

	if err := m.store.SavePosition(&abandoned); err != nil {
		m.logger.Error("persisting abandoned position failed", "position", id, "error", err)
	}
	m.untrack(abandoned.Instrument.Key, id)
	m.logger.Warn("position abandoned",
		"position", id,
		"instrument", abandoned.Instrument.String(),
		"detail", detail,
	)
	return nil
}

// untrack removes the feed wiring for a key unless another open position
// still needs it.
func (m *Manager) untrack(key, closedID string) {
	m.mu.RLock()
	inUse := false
	for id, p := range m.positions {
		if id != closedID && p.Status == types.StatusOpen && p.Instrument.Key == key {
			inUse = true
			break
		}
	}
	m.mu.RUnlock()
	if inUse {
		return
	}
	m.feed.RemoveCallbacks(key)
	if err := m.feed.Unsubscribe([]string{key}); err != nil {
		m.logger.Debug("unsubscribe failed", "instrument", key, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Rehydration
// ————————————————————————————————————————————————————————————————————————

// Rehydrate reloads open positions from storage after a restart, rebuilds
// missing instrument keys, and resubscribes their feeds in small batches so
// a large book does not burst the socket. Quarantined rows are logged and
// skipped; they need operator attention, not automated exits.
func (m *Manager) Rehydrate(ctx context.Context) (int, error) {
	restored, quarantined, err := m.store.RestoreOpen()
	if err != nil {
		return 0, fmt.Errorf("restore open positions: %w", err)
	}
	for _, q := range quarantined {
		m.logger.Error("position quarantined on reload",
			"position", q.PositionID, "reason", q.Reason)
	}

	var keys []string
	m.mu.Lock()
	for i := range restored {
		p := restored[i]
		if p.Instrument.Key == "" {
			p.Instrument.Key = broker.InstrumentKey(p.Instrument)
		}
		m.positions[p.ID] = &p
		keys = append(keys, p.Instrument.Key)
	}
	m.mu.Unlock()

	for i, key := range keys {
		if i > 0 && i%resubscribeBatch == 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-time.After(resubscribePause):
			}
		}
		if err := m.feed.Subscribe([]string{key}); err != nil {
			m.logger.Warn("resubscribe failed", "instrument", key, "error", err)
		}
	}

	m.mu.RLock()
	for id, p := range m.positions {
		if p.Status != types.StatusOpen {
			continue
		}
		id := id
		m.feed.OnTick(p.Instrument.Key, func(msg feed.FeedMessage) {
			m.onTick(id, msg)
		})
	}
	m.mu.RUnlock()

	if len(restored) > 0 {
		m.logger.Info("positions rehydrated", "count", len(restored))
	}
	return len(restored), nil
}
