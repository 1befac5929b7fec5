// expiry.go resolves the tradable expiry for each symbol.
//
// NIFTY expires weekly on Tuesday, SENSEX weekly on Thursday; monthly
// contracts expire on the month's last weekly day. The current expiry is the
// next qualifying date on or after today — on the expiry day itself the
// contract stays current until 15:30 IST, then rolls to the next cycle.
package marketdata

import (
	"time"

	"options-engine/pkg/types"
)

// expiryWeekday returns the weekly expiry day for a symbol.
func expiryWeekday(sym types.Symbol) time.Weekday {
	if sym == types.SENSEX {
		return time.Thursday
	}
	return time.Tuesday
}

// CurrentExpiry returns the active weekly expiry for the symbol at time now.
func CurrentExpiry(sym types.Symbol, now time.Time) time.Time {
	now = now.In(types.IST())
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, types.IST())
	target := expiryWeekday(sym)

	for i := 0; i < 8; i++ {
		candidate := day.AddDate(0, 0, i)
		if candidate.Weekday() != target {
			continue
		}
		// On the expiry day, today's contract is tradable until 15:30.
		if i == 0 && !now.Before(types.MarketClose(now)) {
			continue
		}
		return candidate
	}
	return day // unreachable: a week always contains the target weekday
}

// FallbackExpiries returns the next few weekly expiries after the current
// one, tried in order when the broker returns an empty chain.
func FallbackExpiries(sym types.Symbol, now time.Time, n int) []time.Time {
	current := CurrentExpiry(sym, now)
	out := make([]time.Time, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, current.AddDate(0, 0, 7*i))
	}
	return out
}

// ExpiryLadder returns the expiries a chain fetch should try in order: the
// current weekly, the next n weeklies, and the month's monthly contract when
// it is still live and not already one of them.
func ExpiryLadder(sym types.Symbol, now time.Time, n int) []time.Time {
	out := append([]time.Time{CurrentExpiry(sym, now)}, FallbackExpiries(sym, now, n)...)
	monthly := MonthlyExpiry(sym, now)
	if monthly.Before(out[0]) {
		return out // this month's contract already expired
	}
	for _, e := range out {
		if e.Equal(monthly) {
			return out
		}
	}
	return append(out, monthly)
}

// MonthlyExpiry returns the last weekly-expiry-day of the month containing t.
func MonthlyExpiry(sym types.Symbol, t time.Time) time.Time {
	t = t.In(types.IST())
	// Last day of month, walk back to the weekly day.
	last := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, types.IST()).AddDate(0, 0, -1)
	for last.Weekday() != expiryWeekday(sym) {
		last = last.AddDate(0, 0, -1)
	}
	return last
}
