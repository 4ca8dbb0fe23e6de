package backtest

import "github.com/newthinker/tradesim/internal/core"

// SignalAdapter produces the signal for one bar. It sees the full series but
// must only look at series[:index+1] to avoid lookahead.
type SignalAdapter interface {
	Signal(bar core.OHLCV, index int, series []core.OHLCV) core.Action
}

// SignalFunc adapts a function to SignalAdapter
type SignalFunc func(bar core.OHLCV, index int, series []core.OHLCV) core.Action

// Signal calls f(bar, index, series)
func (f SignalFunc) Signal(bar core.OHLCV, index int, series []core.OHLCV) core.Action {
	return f(bar, index, series)
}
