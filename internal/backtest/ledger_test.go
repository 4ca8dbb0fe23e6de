package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

type recordingListener struct {
	events []TradeEvent
	trades []Trade
}

func (r *recordingListener) OnTrade(trade Trade, event TradeEvent) {
	r.events = append(r.events, event)
	r.trades = append(r.trades, trade)
}

func newTestLedger(initial, slippage, commission float64) (*Ledger, *recordingListener) {
	rec := &recordingListener{}
	exec := NewExecutionModel(ExecutionConfig{SlippagePercent: slippage, Commission: commission})
	return NewLedger(initial, exec, rec, nil), rec
}

func TestLedger_RoundTripLong(t *testing.T) {
	l, rec := newTestLedger(100000, 0, 20)

	opened, ok := l.Open("NIFTY", DirectionLong, 100, t0, 0)
	require.True(t, ok)
	assert.Equal(t, 1, opened.ID)
	assert.Equal(t, 100, opened.Quantity)
	assert.Equal(t, 100.0, opened.EntryPrice)
	assert.Equal(t, 100.0, opened.Watermark)
	assert.Equal(t, StatusOpen, opened.Status)
	assert.Equal(t, 89980.0, l.Available(), "entry cost should be 100*100+20")

	closed, ok := l.Close("NIFTY", 110, t0.Add(time.Hour), ReasonSignal)
	require.True(t, ok)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, 110.0, closed.ExitPrice)
	assert.Equal(t, 980.0, closed.PnL)
	assert.InDelta(t, 9.8, closed.PnLPercent, 1e-9)
	assert.Equal(t, 100980.0, l.Available())
	assert.Equal(t, 100980.0, l.Current())
	assert.Equal(t, 0, l.OpenCount())

	assert.Equal(t, []TradeEvent{EventOpen, EventClose}, rec.events)
}

func TestLedger_RoundTripShortNetsPnL(t *testing.T) {
	l, _ := newTestLedger(100000, 0, 20)

	_, ok := l.Open("NIFTY", DirectionShort, 100, t0, 50)
	require.True(t, ok)
	assert.Equal(t, 94980.0, l.Available())

	closed, ok := l.Close("NIFTY", 90, t0.Add(time.Hour), ReasonSignal)
	require.True(t, ok)
	assert.Equal(t, 480.0, closed.PnL, "(100-90)*50-20")
	assert.Equal(t, 100000.0+closed.PnL, l.Available())
}

func TestLedger_SlippageSides(t *testing.T) {
	l, _ := newTestLedger(100000, 1, 0)

	long, ok := l.Open("A", DirectionLong, 100, t0, 10)
	require.True(t, ok)
	assert.InDelta(t, 101.0, long.EntryPrice, 1e-9, "long entry buys")
	closed, _ := l.Close("A", 100, t0, ReasonSignal)
	assert.InDelta(t, 99.0, closed.ExitPrice, 1e-9, "long exit sells")

	short, ok := l.Open("B", DirectionShort, 100, t0, 10)
	require.True(t, ok)
	assert.InDelta(t, 99.0, short.EntryPrice, 1e-9, "short entry sells")
	closed, _ = l.Close("B", 100, t0, ReasonSignal)
	assert.InDelta(t, 101.0, closed.ExitPrice, 1e-9, "short exit buys")
}

func TestLedger_CloseWithoutPositionIsNoop(t *testing.T) {
	l, rec := newTestLedger(100000, 0, 20)
	_, ok := l.Open("A", DirectionLong, 100, t0, 10)
	require.True(t, ok)

	before := l.Snapshot()
	beforeLog := l.Trades()

	_, ok = l.Close("B", 100, t0, ReasonSignal)
	assert.False(t, ok)
	_, ok = l.Close("B", 100, t0, ReasonSignal)
	assert.False(t, ok)

	assert.Equal(t, before, l.Snapshot())
	assert.Equal(t, beforeLog, l.Trades())
	assert.Len(t, rec.events, 1)
}

func TestLedger_OnePositionPerSymbol(t *testing.T) {
	l, _ := newTestLedger(100000, 0, 20)
	_, ok := l.Open("A", DirectionLong, 100, t0, 10)
	require.True(t, ok)

	available := l.Available()
	_, ok = l.Open("A", DirectionShort, 100, t0, 10)
	assert.False(t, ok)
	assert.Equal(t, available, l.Available())
	assert.Equal(t, 1, l.OpenCount())
	assert.Len(t, l.Trades(), 1)
}

func TestLedger_InsufficientCapitalRejects(t *testing.T) {
	l, rec := newTestLedger(50, 0, 20)

	_, ok := l.Open("A", DirectionLong, 100, t0, 0)
	assert.False(t, ok)
	assert.Equal(t, 50.0, l.Available())
	assert.Empty(t, l.Trades())
	assert.Empty(t, rec.events)
}

func TestLedger_AvailableNeverNegative(t *testing.T) {
	l, _ := newTestLedger(1000, 0, 20)

	for i, sym := range []string{"A", "B", "C", "D", "E"} {
		l.Open(sym, DirectionLong, 300, t0, 10)
		assert.GreaterOrEqual(t, l.Available(), 0.0, "after open %d", i)
	}
	// 1000 -> 3 units of 300 + 20 = 920 left 80, then nothing else fits.
	assert.Equal(t, 1, l.OpenCount())
	assert.Equal(t, 80.0, l.Available())
}

func TestLedger_ExitTimeNotBeforeEntry(t *testing.T) {
	l, _ := newTestLedger(100000, 0, 0)
	l.Open("A", DirectionLong, 100, t0, 1)
	closed, ok := l.Close("A", 100, t0.Add(-time.Minute), ReasonSignal)
	require.True(t, ok)
	assert.False(t, closed.ExitTime.Before(closed.EntryTime))
}

func TestLedger_ApplyRiskStopsAtFirstHit(t *testing.T) {
	l, rec := newTestLedger(100000, 0, 0)
	l.Open("A", DirectionLong, 100, t0, 10)

	risk := NewRiskEvaluator(RiskParams{StopLossPercent: 2, TargetPercent: 2})
	closed, ok := l.ApplyRisk("A", []float64{101, 97, 103}, t0.Add(time.Minute), risk)
	require.True(t, ok)
	assert.Equal(t, ReasonStopLoss, closed.ExitReason)
	assert.Equal(t, 97.0, closed.ExitPrice)
	assert.Equal(t, []TradeEvent{EventOpen, EventClose}, rec.events)

	_, ok = l.ApplyRisk("A", []float64{90}, t0, risk)
	assert.False(t, ok)
}

func TestLedger_ApplyRiskUpdatesWatermark(t *testing.T) {
	l, _ := newTestLedger(100000, 0, 0)
	l.Open("A", DirectionLong, 100, t0, 10)

	_, ok := l.ApplyRisk("A", []float64{104, 99, 102}, t0, NewRiskEvaluator(RiskParams{}))
	require.False(t, ok)

	pos, ok := l.Position("A")
	require.True(t, ok)
	assert.Equal(t, 104.0, pos.Watermark)
}

func TestLedger_ClosedTradesAreRetained(t *testing.T) {
	l, _ := newTestLedger(100000, 0, 0)
	l.Open("A", DirectionLong, 100, t0, 1)
	l.Close("A", 101, t0, ReasonSignal)
	l.Open("A", DirectionShort, 101, t0, 1)

	log := l.Trades()
	require.Len(t, log, 2)
	assert.Equal(t, 1, log[0].ID)
	assert.Equal(t, 2, log[1].ID)
	assert.Len(t, l.ClosedTrades(), 1)

	l.Reset(5000)
	assert.Empty(t, l.Trades())
	assert.Equal(t, 5000.0, l.Available())

	reopened, _ := l.Open("A", DirectionLong, 100, t0, 1)
	assert.Equal(t, 1, reopened.ID, "ids restart after reset")
}
