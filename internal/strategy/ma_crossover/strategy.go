package ma_crossover

import (
	"fmt"
	"strings"

	"github.com/newthinker/tradesim/internal/core"
	"github.com/newthinker/tradesim/internal/indicator"
	"github.com/newthinker/tradesim/internal/strategy"
)

const (
	TypeSMA = "sma"
	TypeEMA = "ema"
)

// MACrossover emits BUY on a golden cross and SELL on a death cross of a
// fast and a slow moving average of closing prices
type MACrossover struct {
	fastPeriod int
	slowPeriod int
	maType     string

	// Moving averages for the series currently being replayed. Both are
	// causal, so the value at bar i only depends on bars 0..i.
	series *core.OHLCV
	length int
	fastMA []float64
	slowMA []float64
}

// New creates a new MA Crossover strategy
func New(fastPeriod, slowPeriod int) *MACrossover {
	return &MACrossover{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		maType:     TypeSMA,
	}
}

// Factory builds the default 10/30 SMA crossover
func Factory() strategy.Strategy {
	return New(10, 30)
}

func (m *MACrossover) Name() string {
	return "ma_crossover"
}

func (m *MACrossover) Description() string {
	return fmt.Sprintf("%s Crossover (%d/%d)", strings.ToUpper(m.maType), m.fastPeriod, m.slowPeriod)
}

func (m *MACrossover) Init(cfg strategy.Config) error {
	fast, err := strategy.IntParam(cfg.Params, "fast_period", m.fastPeriod)
	if err != nil {
		return err
	}
	slow, err := strategy.IntParam(cfg.Params, "slow_period", m.slowPeriod)
	if err != nil {
		return err
	}
	maType, err := strategy.StringParam(cfg.Params, "ma_type", m.maType)
	if err != nil {
		return err
	}

	if fast <= 0 || slow <= fast {
		return fmt.Errorf("need 0 < fast_period < slow_period, got %d/%d", fast, slow)
	}
	maType = strings.ToLower(maType)
	if maType != TypeSMA && maType != TypeEMA {
		return fmt.Errorf("unknown ma_type %q", maType)
	}

	m.fastPeriod, m.slowPeriod, m.maType = fast, slow, maType
	m.series = nil
	return nil
}

// Signal looks for a cross between bar index-1 and bar index
func (m *MACrossover) Signal(_ core.OHLCV, index int, history []core.OHLCV) core.Action {
	if index < m.slowPeriod || index >= len(history) {
		return core.ActionNone // Not enough data
	}
	m.prepare(history)

	fast := m.window(m.fastMA, m.fastPeriod, index)
	slow := m.window(m.slowMA, m.slowPeriod, index)

	switch indicator.Crossover(fast, slow) {
	case indicator.CrossAbove:
		return core.ActionBuy
	case indicator.CrossBelow:
		return core.ActionSell
	default:
		return core.ActionNone
	}
}

// prepare computes both averages once per series
func (m *MACrossover) prepare(history []core.OHLCV) {
	if m.series == &history[0] && m.length == len(history) {
		return
	}

	prices := indicator.Closes(history)
	average := indicator.SMA
	if m.maType == TypeEMA {
		average = indicator.EMA
	}
	m.fastMA = average(prices, m.fastPeriod)
	m.slowMA = average(prices, m.slowPeriod)
	m.series = &history[0]
	m.length = len(history)
}

// window returns the average at bars index-1 and index. An average of period
// p has its first value at bar p-1.
func (m *MACrossover) window(ma []float64, period, index int) []float64 {
	i := index - (period - 1)
	return ma[i-1 : i+1]
}
