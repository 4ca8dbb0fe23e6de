package feed

import (
	"time"

	"github.com/newthinker/tradesim/internal/core"
)

// Provider supplies historical bars for a symbol
type Provider interface {
	Name() string

	// FetchHistory returns bars in ascending time order. A zero start or end
	// leaves that side of the range open; an empty interval matches any.
	FetchHistory(symbol string, start, end time.Time, interval string) ([]core.OHLCV, error)
}

// filter keeps bars inside [start, end] that match interval
func filter(bars []core.OHLCV, start, end time.Time, interval string) []core.OHLCV {
	out := make([]core.OHLCV, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Time.Before(start) {
			continue
		}
		if !end.IsZero() && b.Time.After(end) {
			continue
		}
		if interval != "" && b.Interval != "" && b.Interval != interval {
			continue
		}
		out = append(out, b)
	}
	return out
}
