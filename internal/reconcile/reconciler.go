// Package reconcile keeps the engine's book and the broker's book agreed.
//
// Every sweep compares open engine positions against the broker's net
// positions:
//
//   - Broker-only long quantity (an orphan) is flattened immediately with a
//     sell market order. Unknown inventory is unmanaged risk; there is
//     nothing to deliberate about.
//   - Broker net shorts with no engine position are flagged on the first
//     sweep and bought back at market on the second consecutive one. Closing
//     a short means taking a real position, so it gets one confirmation
//     sweep against broker API glitches.
//   - Engine-only positions (phantoms) are flagged on the first sweep and
//     abandoned on the second consecutive one. A single missed sweep can be
//     broker API lag; two in a row means the fill never happened.
//
// Every action is written to the reconciliation audit table and pushed to
// the operator.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"options-engine/internal/broker"
	"options-engine/internal/notify"
	"options-engine/pkg/types"
)

// confirmSweeps is how many consecutive sweeps a discrepancy must persist
// before the destructive action: abandoning a phantom, buying back a short.
const confirmSweeps = 2

type brokerAPI interface {
	Positions(ctx context.Context) ([]broker.BrokerPosition, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error)
}

type book interface {
	Open() []*types.Position
	Abandon(id string, detail string) error
}

type auditStore interface {
	RecordReconciliation(key string, quantity int, action, detail string) error
}

type Reconciler struct {
	broker   brokerAPI
	book     book
	store    auditStore
	notifier notify.Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	missing map[string]int // position id -> consecutive sweeps unseen at broker
	shorts  map[string]int // instrument key -> consecutive sweeps net short at broker
}

func New(b brokerAPI, bk book, store auditStore, n notify.Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		broker:   b,
		book:     bk,
		store:    store,
		notifier: n,
		logger:   logger.With("component", "reconcile"),
		missing:  make(map[string]int),
		shorts:   make(map[string]int),
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	brokerPositions, err := r.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker positions: %w", err)
	}

	brokerQty := make(map[string]int, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerQty[broker.NormalizeKey(bp.Key)] += bp.Quantity
	}

	engineQty := make(map[string]int)
	open := r.book.Open()
	for _, p := range open {
		engineQty[p.Instrument.Key] += p.Quantity
	}

	r.killOrphans(ctx, brokerQty, engineQty)
	r.flagPhantoms(brokerQty, open)
	return nil
}

// killOrphans flattens broker inventory the engine does not know about.
func (r *Reconciler) killOrphans(ctx context.Context, brokerQty, engineQty map[string]int) {
	shortNow := make(map[string]bool)
	for key, qty := range brokerQty {
		excess := qty - engineQty[key]
		if excess <= 0 {
			// Long-only book: negative broker quantity with no engine
			// position should not exist. Flag it, then buy it back on the
			// next consecutive sweep.
			if qty < 0 && engineQty[key] == 0 {
				shortNow[key] = true
				r.closeShort(ctx, key, qty)
			}
			continue
		}

		inst, err := broker.ParseOptionKey(key)
		if err != nil {
			r.audit(key, excess, "ORPHAN_UNPARSEABLE", err.Error())
			r.notifier.Critical(fmt.Sprintf("reconcile: orphan %d of %s, key unparseable: %v", excess, key, err))
			continue
		}

		_, err = r.broker.PlaceOrder(ctx, broker.OrderRequest{
			Instrument: inst,
			Quantity:   excess,
			Side:       types.Sell,
			OrderType:  types.OrderTypeMarket,
		})
		if err != nil {
			r.audit(key, excess, "ORPHAN_KILL_FAILED", err.Error())
			r.notifier.Critical(fmt.Sprintf("reconcile: failed to flatten orphan %d of %s: %v", excess, key, err))
			continue
		}

		r.audit(key, excess, "ORPHAN_KILLED", "broker-only quantity flattened at market")
		r.notifier.Critical(fmt.Sprintf("reconcile: flattened orphan %d of %s", excess, key))
		r.logger.Warn("orphan position flattened", "instrument", key, "qty", excess)
	}

	// Shorts that resolved themselves reset their counters.
	r.mu.Lock()
	for key := range r.shorts {
		if !shortNow[key] {
			delete(r.shorts, key)
		}
	}
	r.mu.Unlock()
}

// closeShort flags a broker net short, and on the second consecutive sweep
// buys it back with a market order.
func (r *Reconciler) closeShort(ctx context.Context, key string, qty int) {
	r.mu.Lock()
	r.shorts[key]++
	sweeps := r.shorts[key]
	if sweeps >= confirmSweeps {
		delete(r.shorts, key)
	}
	r.mu.Unlock()

	if sweeps < confirmSweeps {
		r.audit(key, qty, "SHORT_DETECTED", "net short at broker, buy-back on next consecutive sweep")
		r.notifier.Critical(fmt.Sprintf("reconcile: net short %d at broker for %s", qty, key))
		r.logger.Warn("net short at broker, flagged", "instrument", key, "qty", qty)
		return
	}

	inst, err := broker.ParseOptionKey(key)
	if err != nil {
		r.audit(key, qty, "SHORT_UNPARSEABLE", err.Error())
		r.notifier.Critical(fmt.Sprintf("reconcile: net short %d of %s, key unparseable: %v", qty, key, err))
		return
	}

	_, err = r.broker.PlaceOrder(ctx, broker.OrderRequest{
		Instrument: inst,
		Quantity:   -qty,
		Side:       types.Buy,
		OrderType:  types.OrderTypeMarket,
	})
	if err != nil {
		r.audit(key, qty, "SHORT_CLOSE_FAILED", err.Error())
		r.notifier.Critical(fmt.Sprintf("reconcile: failed to buy back short %d of %s: %v", qty, key, err))
		return
	}

	r.audit(key, qty, "SHORT_CLOSED", "net short bought back at market after confirmation sweep")
	r.notifier.Critical(fmt.Sprintf("reconcile: bought back net short %d of %s", qty, key))
	r.logger.Warn("net short bought back", "instrument", key, "qty", qty)
}

// flagPhantoms tracks engine positions the broker does not hold and
// abandons them after confirmSweeps consecutive misses.
func (r *Reconciler) flagPhantoms(brokerQty map[string]int, open []*types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(open))
	for _, p := range open {
		seen[p.ID] = true

		if brokerQty[p.Instrument.Key] >= p.Quantity {
			if r.missing[p.ID] > 0 {
				r.logger.Info("phantom flag cleared", "position", p.ID)
			}
			delete(r.missing, p.ID)
			continue
		}

		r.missing[p.ID]++
		if r.missing[p.ID] < confirmSweeps {
			r.logger.Warn("position missing at broker, flagged",
				"position", p.ID,
				"instrument", p.Instrument.Key,
				"sweeps", r.missing[p.ID],
			)
			continue
		}

		delete(r.missing, p.ID)
		detail := fmt.Sprintf("missing at broker for %d consecutive sweeps", confirmSweeps)
		if err := r.book.Abandon(p.ID, detail); err != nil {
			r.logger.Error("abandoning phantom failed", "position", p.ID, "error", err)
			continue
		}
		r.audit(p.Instrument.Key, p.Quantity, "PHANTOM_ABANDONED", detail)
		r.notifier.Critical(fmt.Sprintf("reconcile: abandoned phantom %s (%s ×%d)",
			p.ID, p.Instrument.Key, p.Quantity))
	}

	// Positions that left the book reset their counters.
	for id := range r.missing {
		if !seen[id] {
			delete(r.missing, id)
		}
	}
}

func (r *Reconciler) audit(key string, qty int, action, detail string) {
	if err := r.store.RecordReconciliation(key, qty, action, detail); err != nil {
		r.logger.Error("reconciliation audit write failed",
			"instrument", key, "action", action, "error", err)
	}
}
