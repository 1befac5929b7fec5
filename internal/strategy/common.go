package strategy

import (
	"strings"
	"time"

	"options-engine/internal/config"
	"options-engine/pkg/types"
)

// gate restricts a strategy to a session window and weekday set.
type gate struct {
	start, end time.Duration // offsets from midnight IST; zero means unbounded
	days       map[time.Weekday]bool
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday,
}

func newGate(cfg config.StrategyConfig) gate {
	g := gate{}
	if parts := strings.SplitN(cfg.Window, "-", 2); len(parts) == 2 {
		g.start = parseClock(parts[0])
		g.end = parseClock(parts[1])
	}
	if len(cfg.Days) > 0 {
		g.days = make(map[time.Weekday]bool)
		for _, d := range cfg.Days {
			key := strings.ToLower(strings.TrimSpace(d))
			if len(key) > 3 {
				key = key[:3]
			}
			if wd, ok := weekdayNames[key]; ok {
				g.days[wd] = true
			}
		}
	}
	return g
}

// parseClock turns "09:30" into an offset from midnight. Bad input yields
// zero, which leaves the window unbounded on that side.
func parseClock(s string) time.Duration {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}

// open reports whether the gate admits signals at t.
func (g gate) open(t time.Time) bool {
	t = t.In(types.IST())
	if g.days != nil && !g.days[t.Weekday()] {
		return false
	}
	if g.start == 0 && g.end == 0 {
		return true
	}
	off := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	if g.start != 0 && off < g.start {
		return false
	}
	if g.end != 0 && off > g.end {
		return false
	}
	return true
}

// entryPrice returns the price a long entry should assume for a leg: the
// bid/ask mid when depth is present, last trade otherwise.
func entryPrice(leg *types.OptionLeg) float64 {
	if leg.Bid > 0 && leg.Ask > 0 {
		return (leg.Bid + leg.Ask) / 2
	}
	return leg.Last
}

// pickLeg returns the leg at the given strike and right if it is tradable.
func pickLeg(ss *types.SymbolSnapshot, strike float64, right types.Right) *types.OptionLeg {
	if ss.Chain == nil {
		return nil
	}
	leg := ss.Chain.Leg(strike, right)
	if leg == nil || entryPrice(leg) <= 0 {
		return nil
	}
	return leg
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
