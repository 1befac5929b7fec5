package meta

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"options-engine/pkg/types"
)

const (
	// Pause thresholds. When any trips, the controller stops admitting new
	// entries until the next tick clears it; open positions are unaffected.
	pauseIVRank   = 0.95
	pauseNetDelta = 500.0 // absolute portfolio delta in units
	pauseGEX      = 3e9   // absolute rupee gamma exposure per 1% move

	maxEntriesPerTick = 5
)

type allocStore interface {
	RecordAllocation(a types.Allocation, criticLoss float64, modelVersion string, paused bool) error
}

// Controller owns the capital allocation across strategy groups and the
// per-tick entry fan-out. Recompute cadence is the engine's meta tick.
type Controller struct {
	policy      *Policy // nil runs uniform weights
	store       allocStore
	features    *FeatureBuilder
	logger      *slog.Logger
	maxPerGroup int

	mu      sync.RWMutex
	current types.Allocation
	paused  bool
	reason  string
}

func NewController(policy *Policy, store allocStore, maxPerGroup int, logger *slog.Logger) *Controller {
	if maxPerGroup <= 0 {
		maxPerGroup = 2
	}
	c := &Controller{
		policy:      policy,
		store:       store,
		features:    NewFeatureBuilder(),
		logger:      logger.With("component", "meta"),
		maxPerGroup: maxPerGroup,
		current:     types.Uniform(),
	}
	if policy == nil {
		c.logger.Info("no policy artifact, running uniform allocation")
	} else {
		c.logger.Info("policy loaded", "version", policy.Version, "critic_loss", policy.CriticLoss)
	}
	return c
}

// Tick recomputes the allocation and the pause state from the current
// market, and appends the audit row.
func (c *Controller) Tick(snap *types.MarketSnapshot, open []*types.Position, dayPnL, capital float64, now time.Time) {
	alloc := types.Uniform()
	version := "uniform"
	criticLoss := 0.0
	if c.policy != nil {
		features := c.features.Build(snap, open, dayPnL, capital, now)
		alloc = c.policy.Allocate(features)
		version = c.policy.Version
		criticLoss = c.policy.CriticLoss
	}

	paused, reason := c.evaluatePause(snap, open)

	c.mu.Lock()
	c.current = alloc
	wasPaused := c.paused
	c.paused = paused
	c.reason = reason
	c.mu.Unlock()

	if paused && !wasPaused {
		c.logger.Warn("entries paused", "reason", reason)
	} else if !paused && wasPaused {
		c.logger.Info("entries resumed")
	}

	if c.store != nil {
		if err := c.store.RecordAllocation(alloc, criticLoss, version, paused); err != nil {
			c.logger.Error("allocation audit write failed", "error", err)
		}
	}
}

// evaluatePause checks the regime gates: extreme IV rank or gamma exposure
// anywhere, or a portfolio delta large enough that adding positions
// compounds one bet.
func (c *Controller) evaluatePause(snap *types.MarketSnapshot, open []*types.Position) (bool, string) {
	if snap != nil {
		for sym, ss := range snap.Symbols {
			if ss.Technicals.IVRank > pauseIVRank {
				return true, fmt.Sprintf("%s IV rank %.2f above %.2f", sym, ss.Technicals.IVRank, pauseIVRank)
			}
			if ss.Chain == nil {
				continue
			}
			if gex := gammaExposure(ss.Chain); math.Abs(gex) > pauseGEX {
				return true, fmt.Sprintf("%s gamma exposure %.2g beyond ±%.2g", sym, gex, pauseGEX)
			}
		}
	}

	netDelta := 0.0
	for _, p := range open {
		if p.Status == types.StatusOpen {
			netDelta += p.CurrentGreeks.Delta * float64(p.Quantity)
		}
	}
	if netDelta > pauseNetDelta || netDelta < -pauseNetDelta {
		return true, fmt.Sprintf("portfolio delta %.0f beyond ±%.0f", netDelta, pauseNetDelta)
	}
	return false, ""
}

// Allocation returns the active allocation.
func (c *Controller) Allocation() types.Allocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Paused reports whether entries are gated, with the reason.
func (c *Controller) Paused() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused, c.reason
}

// SelectEntries ranks validated signals by strength × group allocation ×
// confidence and admits at most maxEntriesPerTick overall and maxPerGroup
// per group, counting positions already open in each group. groups maps
// strategy id to group index.
func (c *Controller) SelectEntries(signals []types.Signal, groups map[string]int, open []*types.Position) []types.Signal {
	c.mu.RLock()
	paused := c.paused
	alloc := c.current
	c.mu.RUnlock()
	if paused || len(signals) == 0 {
		return nil
	}

	groupOpen := make(map[int]int)
	for _, p := range open {
		if p.Status != types.StatusOpen {
			continue
		}
		if g, ok := groups[p.StrategyID]; ok {
			groupOpen[g]++
		}
	}

	type ranked struct {
		sig   types.Signal
		group int
		score float64
	}
	cands := make([]ranked, 0, len(signals))
	for _, sig := range signals {
		g, ok := groups[sig.StrategyID]
		if !ok || g < 0 || g >= types.NumMetaGroups {
			c.logger.Warn("signal from unmapped strategy dropped", "strategy", sig.StrategyID)
			continue
		}
		cands = append(cands, ranked{
			sig:   sig,
			group: g,
			score: sig.Strength * alloc.Weights[g] * sig.Confidence,
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].sig.StrategyID < cands[j].sig.StrategyID
	})

	var out []types.Signal
	for _, cand := range cands {
		if len(out) >= maxEntriesPerTick {
			break
		}
		if groupOpen[cand.group] >= c.maxPerGroup {
			continue
		}
		groupOpen[cand.group]++
		out = append(out, cand.sig)
	}
	return out
}
