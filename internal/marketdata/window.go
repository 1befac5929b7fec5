package marketdata

import (
	"time"

	"options-engine/pkg/types"
)

// candleWindow keeps a bounded chronological window of OHLC bars for one
// timeframe. Seeded from historical bars, then rolled forward from live
// ticks. Not safe for concurrent use; the Manager serializes access.
type candleWindow struct {
	interval time.Duration
	max      int
	candles  []types.OHLC
}

func newCandleWindow(interval time.Duration, max int) *candleWindow {
	return &candleWindow{interval: interval, max: max}
}

// seed replaces the window with historical bars, keeping the newest max.
func (w *candleWindow) seed(candles []types.OHLC) {
	if len(candles) > w.max {
		candles = candles[len(candles)-w.max:]
	}
	w.candles = append(w.candles[:0], candles...)
}

// update folds a tick into the current bar, opening a new one when the tick
// crosses an interval boundary. Ticks older than the current bar are dropped.
func (w *candleWindow) update(price float64, volume int64, ts time.Time) {
	bucket := ts.Truncate(w.interval)

	if n := len(w.candles); n > 0 {
		cur := &w.candles[n-1]
		curBucket := cur.Timestamp.Truncate(w.interval)
		if bucket.Before(curBucket) {
			return
		}
		if bucket.Equal(curBucket) {
			if price > cur.High {
				cur.High = price
			}
			if price < cur.Low {
				cur.Low = price
			}
			cur.Close = price
			cur.Volume += volume
			return
		}
	}

	w.candles = append(w.candles, types.OHLC{
		Open: price, High: price, Low: price, Close: price,
		Volume:    volume,
		Timestamp: bucket,
	})
	if len(w.candles) > w.max {
		w.candles = w.candles[1:]
	}
}

// snapshot returns a copy of the window for lock-free reads.
func (w *candleWindow) snapshot() []types.OHLC {
	return append([]types.OHLC(nil), w.candles...)
}
