package backtest_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/newthinker/tradesim/internal/backtest"
	"github.com/newthinker/tradesim/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)

// flatBars builds bars whose open/high/low/close all equal the given price.
func flatBars(prices ...float64) []core.OHLCV {
	bars := make([]core.OHLCV, len(prices))
	for i, p := range prices {
		bars[i] = core.OHLCV{Open: p, High: p, Low: p, Close: p, Volume: 1000, Time: base.Add(time.Duration(i) * time.Minute)}
	}
	return bars
}

// scripted returns fixed actions by bar index.
func scripted(actions map[int]core.Action) backtest.SignalAdapter {
	return backtest.SignalFunc(func(_ core.OHLCV, index int, _ []core.OHLCV) core.Action {
		return actions[index]
	})
}

func zeroSlippage() backtest.Options {
	opts := backtest.DefaultOptions()
	opts.Execution.SlippagePercent = 0
	return opts
}

func TestSimulator_RoundTripScenario(t *testing.T) {
	sim := backtest.New(zeroSlippage(), nil)

	var afterFirstClose float64
	sim.AddTradeListener(backtest.TradeListenerFunc(func(tr backtest.Trade, ev backtest.TradeEvent) {
		if ev == backtest.EventClose && tr.ID == 1 {
			afterFirstClose = sim.Ledger().Available()
		}
	}))

	bars := flatBars(100, 110)
	result, err := sim.Run(context.Background(), "NIFTY", "scripted", bars, scripted(map[int]core.Action{
		0: core.ActionBuy,
		1: core.ActionSell,
	}))
	require.NoError(t, err)

	require.NotEmpty(t, result.Trades)
	first := result.Trades[0]
	assert.Equal(t, backtest.DirectionLong, first.Direction)
	assert.Equal(t, 100, first.Quantity)
	assert.Equal(t, 100.0, first.EntryPrice)
	assert.Equal(t, 110.0, first.ExitPrice)
	assert.Equal(t, 980.0, first.PnL)
	assert.Equal(t, backtest.ReasonReverse, first.ExitReason)
	assert.Equal(t, 100980.0, afterFirstClose)

	// The SELL reversed into a short that was flattened at the end of data.
	require.Len(t, result.Trades, 2)
	assert.Equal(t, backtest.DirectionShort, result.Trades[1].Direction)
	assert.Equal(t, backtest.ReasonEndOfBacktest, result.Trades[1].ExitReason)

	assert.InDelta(t, result.InitialCapital+result.Stats.TotalPnL, result.FinalCapital, 1e-6)
	assert.Equal(t, backtest.StateCompleted, result.State)
	assert.Equal(t, backtest.StateCompleted, sim.State())
}

func TestSimulator_StopLossPriority(t *testing.T) {
	opts := zeroSlippage()
	opts.Risk = backtest.RiskParams{StopLossPercent: 2, TrailingStopPercent: 1}
	sim := backtest.New(opts, nil)

	bars := []core.OHLCV{
		{Open: 100, High: 100, Low: 100, Close: 100, Time: base},
		{Open: 100, High: 103, Low: 97, Close: 101, Time: base.Add(time.Minute)},
	}
	result, err := sim.Run(context.Background(), "NIFTY", "scripted", bars, scripted(map[int]core.Action{0: core.ActionBuy}))
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	tr := result.Trades[0]
	assert.Equal(t, backtest.ReasonStopLoss, tr.ExitReason)
	assert.Equal(t, 97.0, tr.ExitPrice, "closes at the low that triggered it")
	assert.Equal(t, bars[1].Time, tr.ExitTime)
	assert.Equal(t, 103.0, tr.Watermark, "high was checked first")
}

func TestSimulator_TrailingStop(t *testing.T) {
	opts := zeroSlippage()
	opts.Risk = backtest.RiskParams{TrailingStopPercent: 1}
	sim := backtest.New(opts, nil)

	result, err := sim.Run(context.Background(), "NIFTY", "scripted", flatBars(100, 110, 109.5, 108.8, 120),
		scripted(map[int]core.Action{0: core.ActionBuy}))
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	tr := result.Trades[0]
	assert.True(t, strings.HasPrefix(tr.ExitReason, "Trailing SL"), tr.ExitReason)
	assert.Contains(t, tr.ExitReason, "110.00")
	assert.Equal(t, 108.8, tr.ExitPrice)
	assert.Equal(t, base.Add(3*time.Minute), tr.ExitTime)
}

func TestSimulator_TrailingStopEntryGuard(t *testing.T) {
	opts := zeroSlippage()
	opts.Risk = backtest.RiskParams{TrailingStopPercent: 1}
	sim := backtest.New(opts, nil)

	// 99 sits below the 100.5*0.99 trail, but also below the entry.
	result, err := sim.Run(context.Background(), "NIFTY", "scripted", flatBars(100, 100.5, 99, 98, 100),
		scripted(map[int]core.Action{0: core.ActionBuy}))
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, backtest.ReasonEndOfBacktest, result.Trades[0].ExitReason)
}

func TestSimulator_NoSignals(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)

	bars := flatBars(100, 101, 99, 105, 95)
	result, err := sim.Run(context.Background(), "NIFTY", "none", bars, scripted(nil))
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	assert.Empty(t, sim.Ledger().Trades())
	require.Len(t, result.EquityCurve, len(bars))
	for _, p := range result.EquityCurve {
		assert.Equal(t, 100000.0, p.Equity)
		assert.Equal(t, 0, p.OpenTrades)
	}
	assert.Equal(t, 0.0, result.Stats.MaxDrawdown)
}

func TestSimulator_EmptySeries(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)

	before := time.Now()
	result, err := sim.Run(context.Background(), "NIFTY", "none", nil, scripted(nil))
	require.NoError(t, err)

	assert.Equal(t, 0, result.BarsProcessed)
	assert.Empty(t, result.EquityCurve)
	assert.False(t, result.StartDate.Before(before))
	assert.False(t, result.EndDate.Before(before))
	assert.Equal(t, 100000.0, result.FinalCapital)
}

func TestSimulator_EndOfRunFlattens(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)

	bars := flatBars(100, 102, 104)
	result, err := sim.Run(context.Background(), "NIFTY", "scripted", bars, scripted(map[int]core.Action{0: core.ActionBuy}))
	require.NoError(t, err)

	assert.Equal(t, 0, sim.Ledger().OpenCount())
	require.Len(t, result.Trades, 1)
	tr := result.Trades[0]
	assert.Equal(t, backtest.ReasonEndOfBacktest, tr.ExitReason)
	assert.Equal(t, bars[2].Time, tr.ExitTime)
	assert.InDelta(t, 104*(1-0.0005), tr.ExitPrice, 1e-9)
}

func TestSimulator_EquityMarksOpenPositions(t *testing.T) {
	sim := backtest.New(zeroSlippage(), nil)

	result, err := sim.Run(context.Background(), "NIFTY", "scripted", flatBars(100, 105), scripted(map[int]core.Action{0: core.ActionBuy}))
	require.NoError(t, err)

	require.Len(t, result.EquityCurve, 2)
	// 100 units bought at 100 with a 20 commission, marked at 100 then 105.
	assert.Equal(t, 99980.0, result.EquityCurve[0].Equity)
	assert.Equal(t, 100480.0, result.EquityCurve[1].Equity)
	assert.Equal(t, 1, result.EquityCurve[1].OpenTrades)
}

func TestSimulator_SignalsInSameDirectionAreIgnored(t *testing.T) {
	sim := backtest.New(zeroSlippage(), nil)

	result, err := sim.Run(context.Background(), "NIFTY", "scripted", flatBars(100, 101, 102), scripted(map[int]core.Action{
		0: core.ActionBuy,
		1: core.ActionBuy,
		2: core.ActionBuy,
	}))
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, 100.0, result.Trades[0].EntryPrice)
}

func TestSimulator_Progress(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)

	var got []backtest.Progress
	sim.AddProgressListener(backtest.ProgressListenerFunc(func(p backtest.Progress) {
		got = append(got, p)
	}))

	bars := flatBars(100, 101, 102)
	_, err := sim.Run(context.Background(), "NIFTY", "scripted", bars, scripted(map[int]core.Action{1: core.ActionBuy}))
	require.NoError(t, err)

	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, 3, p.Total)
		assert.Equal(t, bars[i].Time, p.Time)
		assert.Equal(t, bars[i].Close, p.Price)
	}
	assert.Equal(t, 0, got[0].OpenTrades)
	assert.Equal(t, 1, got[1].OpenTrades)
	assert.Equal(t, 100, got[2].Percent())
}

func TestSimulator_ListenerPanicDoesNotAbort(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)
	sim.AddTradeListener(backtest.TradeListenerFunc(func(backtest.Trade, backtest.TradeEvent) {
		panic("boom")
	}))
	sim.AddProgressListener(backtest.ProgressListenerFunc(func(backtest.Progress) {
		panic("boom")
	}))

	var seen int
	sim.AddTradeListener(backtest.TradeListenerFunc(func(backtest.Trade, backtest.TradeEvent) { seen++ }))

	result, err := sim.Run(context.Background(), "NIFTY", "scripted", flatBars(100, 110), scripted(map[int]core.Action{0: core.ActionBuy}))
	require.NoError(t, err)
	assert.Len(t, result.Trades, 1)
	assert.Equal(t, 2, seen, "later listeners still receive OPEN and CLOSE")
}

func TestSimulator_SignalPanicIsTreatedAsNone(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)
	adapter := backtest.SignalFunc(func(_ core.OHLCV, index int, _ []core.OHLCV) core.Action {
		if index == 0 {
			panic("bad indicator")
		}
		return core.ActionNone
	})

	result, err := sim.Run(context.Background(), "NIFTY", "panics", flatBars(100, 101), adapter)
	require.NoError(t, err)
	assert.Equal(t, 2, result.BarsProcessed)
}

func TestSimulator_StopClosesAtLastProcessedBar(t *testing.T) {
	sim := backtest.New(zeroSlippage(), nil)
	sim.AddProgressListener(backtest.ProgressListenerFunc(func(p backtest.Progress) {
		if p.Index == 2 {
			require.NoError(t, sim.Stop())
		}
	}))

	bars := flatBars(100, 101, 102, 150, 200)
	result, err := sim.Run(context.Background(), "NIFTY", "scripted", bars, scripted(map[int]core.Action{0: core.ActionBuy}))
	require.NoError(t, err)

	assert.Equal(t, backtest.StateStopped, result.State)
	assert.Equal(t, 3, result.BarsProcessed)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, 102.0, result.Trades[0].ExitPrice)
	assert.Equal(t, bars[2].Time, result.Trades[0].ExitTime)
	assert.Equal(t, 0, sim.Ledger().OpenCount())
}

func TestSimulator_ContextCancellation(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := sim.Run(ctx, "NIFTY", "scripted", flatBars(100, 101, 102), scripted(nil))
	require.NoError(t, err)
	assert.Equal(t, backtest.StateStopped, result.State)
	assert.Equal(t, 0, result.BarsProcessed)
}

func TestSimulator_PauseResume(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)

	var (
		mu      sync.Mutex
		indices []int
	)
	paused := make(chan struct{})
	sim.AddProgressListener(backtest.ProgressListenerFunc(func(p backtest.Progress) {
		mu.Lock()
		indices = append(indices, p.Index)
		mu.Unlock()
		if p.Index == 1 {
			require.NoError(t, sim.Pause())
			close(paused)
		}
	}))

	bars := flatBars(100, 101, 102, 103, 104)
	done := make(chan *backtest.Result, 1)
	go func() {
		result, err := sim.Run(context.Background(), "NIFTY", "none", bars, scripted(nil))
		assert.NoError(t, err)
		done <- result
	}()

	<-paused
	assert.Equal(t, backtest.StatePaused, sim.State())
	// Give the loop a chance to run ahead if pausing were broken.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{0, 1}, indices)
	mu.Unlock()
	assert.Len(t, sim.Equity().Curve(), 2)

	require.NoError(t, sim.Resume())

	select {
	case result := <-done:
		assert.Equal(t, backtest.StateCompleted, result.State)
		assert.Equal(t, 5, result.BarsProcessed)
	case <-time.After(5 * time.Second):
		t.Fatal("simulation did not finish after resume")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indices, "no bar skipped or repeated")
}

func TestSimulator_StopWhilePaused(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)
	paused := make(chan struct{})
	sim.AddProgressListener(backtest.ProgressListenerFunc(func(p backtest.Progress) {
		if p.Index == 0 {
			_ = sim.Pause()
			close(paused)
		}
	}))

	done := make(chan *backtest.Result, 1)
	go func() {
		result, _ := sim.Run(context.Background(), "NIFTY", "none", flatBars(100, 101, 102), scripted(nil))
		done <- result
	}()

	<-paused
	require.NoError(t, sim.Stop())

	select {
	case result := <-done:
		assert.Equal(t, backtest.StateStopped, result.State)
		assert.Equal(t, 1, result.BarsProcessed)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not release the paused loop")
	}
}

func TestSimulator_ControlWhenIdle(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)

	assert.ErrorIs(t, sim.Pause(), core.ErrSimulationIdle)
	assert.ErrorIs(t, sim.Resume(), core.ErrSimulationIdle)
	assert.ErrorIs(t, sim.Stop(), core.ErrSimulationIdle)
	assert.Equal(t, backtest.StateInitialized, sim.State())
}

func TestSimulator_RunWhileRunning(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)
	inside := make(chan error, 1)
	sim.AddProgressListener(backtest.ProgressListenerFunc(func(p backtest.Progress) {
		if p.Index == 0 {
			_, err := sim.Run(context.Background(), "X", "none", flatBars(1), scripted(nil))
			inside <- err
		}
	}))

	_, err := sim.Run(context.Background(), "NIFTY", "none", flatBars(100, 101), scripted(nil))
	require.NoError(t, err)
	assert.ErrorIs(t, <-inside, core.ErrSimulationRunning)
}

func TestSimulator_RunResetsState(t *testing.T) {
	sim := backtest.New(backtest.DefaultOptions(), nil)
	signals := scripted(map[int]core.Action{0: core.ActionBuy})

	first, err := sim.Run(context.Background(), "NIFTY", "scripted", flatBars(100, 120), signals)
	require.NoError(t, err)
	second, err := sim.Run(context.Background(), "NIFTY", "scripted", flatBars(100, 120), signals)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Stats.TotalPnL, second.Stats.TotalPnL)
	assert.Equal(t, 1, second.Trades[0].ID)
	assert.Len(t, second.EquityCurve, 2)

	require.NoError(t, sim.Reset())
	assert.Equal(t, backtest.StateInitialized, sim.State())
	assert.Empty(t, sim.Ledger().Trades())
	assert.Empty(t, sim.Equity().Curve())
}

func TestSimulator_RealtimeStopInterruptsDelay(t *testing.T) {
	opts := backtest.DefaultOptions()
	opts.Realtime = true
	opts.SpeedMultiplier = 0.1 // 1s per bar
	sim := backtest.New(opts, nil)
	sim.AddProgressListener(backtest.ProgressListenerFunc(func(p backtest.Progress) {
		if p.Index == 0 {
			go func() { _ = sim.Stop() }()
		}
	}))

	start := time.Now()
	result, err := sim.Run(context.Background(), "NIFTY", "none", flatBars(100, 101, 102, 103), scripted(nil))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, backtest.StateStopped, result.State)
}

func TestClampSpeed(t *testing.T) {
	assert.Equal(t, 0.1, backtest.ClampSpeed(0.01))
	assert.Equal(t, 10.0, backtest.ClampSpeed(50))
	assert.Equal(t, 2.0, backtest.ClampSpeed(2))
}

func TestSimulator_SetSpeed(t *testing.T) {
	opts := backtest.DefaultOptions()
	opts.SpeedMultiplier = 2
	sim := backtest.New(opts, nil)
	assert.Equal(t, 2.0, sim.Speed())

	sim.SetSpeed(4)
	assert.Equal(t, 4.0, sim.Speed())
	sim.SetSpeed(0)
	assert.Equal(t, 0.1, sim.Speed())
	sim.SetSpeed(100)
	assert.Equal(t, 10.0, sim.Speed())
}
