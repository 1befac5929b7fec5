// session.go holds exchange-session time helpers. All session logic runs in
// the exchange timezone (Asia/Kolkata) regardless of host timezone.
package types

import "time"

var ist = loadIST()

func loadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// UTC+5:30, no DST
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}

// IST returns the exchange timezone.
func IST() *time.Location { return ist }

// Session boundary constants, minutes from midnight IST.
const (
	marketOpenMinute  = 9*60 + 15  // 09:15
	squareOffMinute   = 15*60 + 20 // 15:20 — EOD flat
	marketCloseMinute = 15*60 + 30 // 15:30
)

// MarketOpen returns 09:15 IST on t's date.
func MarketOpen(t time.Time) time.Time {
	t = t.In(ist)
	return time.Date(t.Year(), t.Month(), t.Day(), 9, 15, 0, 0, ist)
}

// SquareOffTime returns 15:20 IST on t's date, when the engine force-closes
// all intraday positions.
func SquareOffTime(t time.Time) time.Time {
	t = t.In(ist)
	return time.Date(t.Year(), t.Month(), t.Day(), 15, 20, 0, 0, ist)
}

// MarketClose returns 15:30 IST on t's date.
func MarketClose(t time.Time) time.Time {
	t = t.In(ist)
	return time.Date(t.Year(), t.Month(), t.Day(), 15, 30, 0, 0, ist)
}

// InMarketHours reports whether t falls inside the trading session
// (09:15–15:30 IST, Monday through Friday).
func InMarketHours(t time.Time) bool {
	t = t.In(ist)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	return m >= marketOpenMinute && m < marketCloseMinute
}

// PastSquareOff reports whether t is at or past the 15:20 IST EOD cutoff.
func PastSquareOff(t time.Time) bool {
	t = t.In(ist)
	m := t.Hour()*60 + t.Minute()
	return m >= squareOffMinute
}

// MinutesSinceOpen returns whole minutes elapsed since 09:15 IST, clamped
// at zero before the open.
func MinutesSinceOpen(t time.Time) int {
	d := t.In(ist).Sub(MarketOpen(t))
	if d < 0 {
		return 0
	}
	return int(d.Minutes())
}
