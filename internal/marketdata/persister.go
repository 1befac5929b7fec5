package marketdata

import (
	"log/slog"
	"sync"
	"time"

	"options-engine/pkg/types"
)

// chainWriter is the slice of the storage layer the persister needs.
type chainWriter interface {
	SaveChainSnapshot(chain *types.OptionChain) error
}

// ChainPersister appends option-chain snapshots to storage in the background,
// throttled to at most one write per symbol per minute. Writes are
// fire-and-forget: a failed insert is logged and never blocks the snapshot
// path.
type ChainPersister struct {
	store    chainWriter
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSave map[types.Symbol]time.Time
}

func NewChainPersister(store chainWriter, logger *slog.Logger) *ChainPersister {
	return &ChainPersister{
		store:    store,
		interval: time.Minute,
		logger:   logger.With("component", "chain_persister"),
		lastSave: make(map[types.Symbol]time.Time),
	}
}

// Offer persists the chain if the symbol's throttle window has elapsed.
func (p *ChainPersister) Offer(chain *types.OptionChain) {
	if p.store == nil || chain == nil || len(chain.Strikes) == 0 {
		return
	}

	p.mu.Lock()
	last := p.lastSave[chain.Symbol]
	if time.Since(last) < p.interval {
		p.mu.Unlock()
		return
	}
	p.lastSave[chain.Symbol] = time.Now()
	p.mu.Unlock()

	go func() {
		if err := p.store.SaveChainSnapshot(chain); err != nil {
			p.logger.Warn("chain snapshot save failed",
				"symbol", chain.Symbol, "error", err)
		}
	}()
}
