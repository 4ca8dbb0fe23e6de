package backtest

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Direction is the side of a position
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// TradeStatus is the lifecycle state of a trade
type TradeStatus string

const (
	StatusOpen   TradeStatus = "OPEN"
	StatusClosed TradeStatus = "CLOSED"
)

// TradeEvent identifies a ledger notification
type TradeEvent string

const (
	EventOpen  TradeEvent = "OPEN"
	EventClose TradeEvent = "CLOSE"
)

// Exit reasons written by the simulator itself
const (
	ReasonSignal        = "Signal"
	ReasonReverse       = "Reverse Signal"
	ReasonEndOfBacktest = "End of Backtest"
	ReasonStopLoss      = "Stop Loss"
	ReasonTarget        = "Target"
	reasonTrailingStop  = "Trailing SL"
)

// ExitKind classifies a free-text exit reason
type ExitKind string

const (
	ExitSignal        ExitKind = "signal"
	ExitReverse       ExitKind = "reverse"
	ExitStopLoss      ExitKind = "stop_loss"
	ExitTarget        ExitKind = "target"
	ExitTrailingStop  ExitKind = "trailing_stop"
	ExitEndOfBacktest ExitKind = "end_of_backtest"
	ExitOther         ExitKind = "other"
)

// Classify maps an exit reason onto a bounded set of kinds
func Classify(reason string) ExitKind {
	switch {
	case reason == ReasonSignal:
		return ExitSignal
	case reason == ReasonReverse:
		return ExitReverse
	case reason == ReasonStopLoss:
		return ExitStopLoss
	case reason == ReasonTarget:
		return ExitTarget
	case strings.HasPrefix(reason, reasonTrailingStop):
		return ExitTrailingStop
	case reason == ReasonEndOfBacktest:
		return ExitEndOfBacktest
	default:
		return ExitOther
	}
}

// Trade is a single position from entry to exit
type Trade struct {
	ID         int         `json:"id"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	EntryTime  time.Time   `json:"entry_time"`
	EntryPrice float64     `json:"entry_price"`
	Quantity   int         `json:"quantity"`
	ExitTime   time.Time   `json:"exit_time"`
	ExitPrice  float64     `json:"exit_price"`
	PnL        float64     `json:"pnl"`
	PnLPercent float64     `json:"pnl_percent"`
	Status     TradeStatus `json:"status"`
	ExitReason string      `json:"exit_reason,omitempty"`
	// Watermark is the highest price seen since entry for longs, the lowest for shorts.
	Watermark float64 `json:"watermark"`
}

// IsClosed returns true once the trade has been exited
func (t Trade) IsClosed() bool {
	return t.Status == StatusClosed
}

// IsWin returns true if the closed trade made money
func (t Trade) IsWin() bool {
	return t.IsClosed() && t.PnL > 0
}

// Notional is the entry value of the position
func (t Trade) Notional() float64 {
	return t.EntryPrice * float64(t.Quantity)
}

// Unrealized marks the open position at price
func (t Trade) Unrealized(price float64) float64 {
	if t.Direction == DirectionShort {
		return (t.EntryPrice - price) * float64(t.Quantity)
	}
	return (price - t.EntryPrice) * float64(t.Quantity)
}

// Duration returns the holding period, zero when either timestamp is missing
func (t Trade) Duration() time.Duration {
	if t.EntryTime.IsZero() || t.ExitTime.IsZero() {
		return 0
	}
	return t.ExitTime.Sub(t.EntryTime)
}

// EquityPoint is one mark-to-market snapshot of the ledger
type EquityPoint struct {
	Time       time.Time `json:"time"`
	Equity     float64   `json:"equity"`
	Price      float64   `json:"price"`
	OpenTrades int       `json:"open_trades"`
}

// Stats holds performance statistics
type Stats struct {
	TotalPnL           float64 `json:"total_pnl"`
	TotalPnLPercent    float64 `json:"total_pnl_percent"`
	TotalTrades        int     `json:"total_trades"`
	WinningTrades      int     `json:"winning_trades"`
	LosingTrades       int     `json:"losing_trades"`
	WinRate            float64 `json:"win_rate"`             // Percentage of profitable trades
	MaxDrawdown        float64 `json:"max_drawdown"`         // Largest peak-to-trough decline in currency
	MaxDrawdownPercent float64 `json:"max_drawdown_percent"` // Relative to initial capital
	ProfitFactor       float64 `json:"profit_factor"`        // +Inf when there are no losses
	AvgWin             float64 `json:"avg_win"`
	AvgLoss            float64 `json:"avg_loss"` // Magnitude
	LargestWin         float64 `json:"largest_win"`
	LargestLoss        float64 `json:"largest_loss"`
	AvgTradeDuration   float64 `json:"avg_trade_duration"` // Minutes
	SharpeRatio        float64 `json:"sharpe_ratio"`       // Annualized over bar returns
}

// MarshalJSON renders an infinite profit factor as null
func (s Stats) MarshalJSON() ([]byte, error) {
	type alias Stats
	out := struct {
		alias
		ProfitFactor *float64 `json:"profit_factor"`
	}{alias: alias(s)}
	if !math.IsInf(s.ProfitFactor, 0) && !math.IsNaN(s.ProfitFactor) {
		pf := s.ProfitFactor
		out.ProfitFactor = &pf
	}
	return json.Marshal(out)
}

// Result holds the complete backtest output
type Result struct {
	RunID          string        `json:"run_id"`
	Symbol         string        `json:"symbol"`
	Strategy       string        `json:"strategy"`
	StartDate      time.Time     `json:"start_date"`
	EndDate        time.Time     `json:"end_date"`
	InitialCapital float64       `json:"initial_capital"`
	FinalCapital   float64       `json:"final_capital"`
	State          RunState      `json:"state"`
	BarsProcessed  int           `json:"bars_processed"`
	Stats          Stats         `json:"stats"`
	Trades         []Trade       `json:"trades"`
	EquityCurve    []EquityPoint `json:"equity_curve"`
}

// Progress is reported once per processed bar
type Progress struct {
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	Time       time.Time `json:"time"`
	Price      float64   `json:"price"`
	Capital    float64   `json:"capital"`
	OpenTrades int       `json:"open_trades"`
}

// Percent returns completion in the 0-100 range
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 100
	}
	return (p.Index + 1) * 100 / p.Total
}
