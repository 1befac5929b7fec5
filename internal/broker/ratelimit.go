// ratelimit.go implements sliding-window rate limiting for the broker REST API.
//
// The broker enforces per-endpoint limits measured over rolling windows. Each
// endpoint category gets its own window so a burst of quote polling can never
// starve order placement. Callers block in Wait() until the window has room or
// the context is cancelled; the entry is timestamped at admission.
package broker

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow admits at most maxCalls operations per rolling window.
// Admission times are recorded; an operation admitted at t blocks the slot
// until t+window has passed.
type SlidingWindow struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	entries  []time.Time // admission times, oldest first
}

// NewSlidingWindow creates a limiter allowing maxCalls per window.
func NewSlidingWindow(maxCalls int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		maxCalls: maxCalls,
		window:   window,
		entries:  make([]time.Time, 0, maxCalls),
	}
}

// Wait blocks until the window has room or ctx is cancelled. On success the
// admission time is recorded.
func (w *SlidingWindow) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		w.evict(now)

		if len(w.entries) < w.maxCalls {
			w.entries = append(w.entries, now)
			w.mu.Unlock()
			return nil
		}

		// Sleep until the oldest entry leaves the window.
		wait := w.entries[0].Add(w.window).Sub(now)
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// evict drops entries older than the window. Caller holds the lock.
func (w *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && !w.entries[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// InFlight returns the number of admissions still inside the window.
func (w *SlidingWindow) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(time.Now())
	return len(w.entries)
}

// Limits groups sliding windows by broker API endpoint category. Every REST
// call must pass the matching window's Wait() before the HTTP request.
type Limits struct {
	Quote      *SlidingWindow // /market-quote/* — hot polling path
	Chain      *SlidingWindow // /option/* — chain and contract lookups
	Historical *SlidingWindow // /historical-candle/*
	Order      *SlidingWindow // /order/* — placement, modify, cancel, details
	Portfolio  *SlidingWindow // /portfolio/*, /user/*
}

// NewLimits creates limiters tuned to the broker's published per-endpoint
// limits (calls per rolling second, with short-burst headroom per 30s).
func NewLimits() *Limits {
	return &Limits{
		Quote:      NewSlidingWindow(25, time.Second),
		Chain:      NewSlidingWindow(10, time.Second),
		Historical: NewSlidingWindow(5, time.Second),
		Order:      NewSlidingWindow(10, time.Second),
		Portfolio:  NewSlidingWindow(5, time.Second),
	}
}
