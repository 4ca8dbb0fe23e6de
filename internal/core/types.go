package core

import (
	"strings"
	"time"
)

// OHLCV represents a candlestick/bar
type OHLCV struct {
	Symbol   string    `json:"symbol,omitempty"`
	Interval string    `json:"interval,omitempty"` // "1m", "5m", "1d"
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   int64     `json:"volume"`
	Time     time.Time `json:"time"`
}

// IsValid checks that the bar prices are positive and consistent
func (b OHLCV) IsValid() bool {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	return b.High >= b.Low && b.Volume >= 0
}

// Action represents the signal emitted for a single bar
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionNone Action = ""
)

// ParseAction normalizes free-form signal text. Unknown values map to ActionNone.
func ParseAction(s string) Action {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG", "STRONG_BUY":
		return ActionBuy
	case "SELL", "SHORT", "STRONG_SELL":
		return ActionSell
	default:
		return ActionNone
	}
}
