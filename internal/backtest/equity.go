package backtest

import (
	"sync"
	"time"
)

// EquityTracker records a mark-to-market valuation of the ledger per bar
type EquityTracker struct {
	mu    sync.RWMutex
	curve []EquityPoint
}

// NewEquityTracker creates an empty tracker
func NewEquityTracker() *EquityTracker {
	return &EquityTracker{}
}

// Valuation is available capital plus the entry notional and unrealized PnL
// of every open trade, all marked at price.
func Valuation(snap Snapshot, price float64) float64 {
	equity := snap.Available
	for _, t := range snap.Open {
		equity += t.Unrealized(price) + t.Notional()
	}
	return equity
}

// Mark appends a snapshot valued at price and returns it
func (e *EquityTracker) Mark(snap Snapshot, ts time.Time, price float64) EquityPoint {
	point := EquityPoint{
		Time:       ts,
		Equity:     Valuation(snap, price),
		Price:      price,
		OpenTrades: len(snap.Open),
	}

	e.mu.Lock()
	e.curve = append(e.curve, point)
	e.mu.Unlock()

	return point
}

// Curve returns a copy of the equity curve
func (e *EquityTracker) Curve() []EquityPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]EquityPoint(nil), e.curve...)
}

// Latest returns the most recent point, if any
func (e *EquityTracker) Latest() (EquityPoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.curve) == 0 {
		return EquityPoint{}, false
	}
	return e.curve[len(e.curve)-1], true
}

// Reset drops all points
func (e *EquityTracker) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.curve = nil
}
