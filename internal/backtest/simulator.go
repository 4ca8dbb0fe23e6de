package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newthinker/tradesim/internal/core"
	"go.uber.org/zap"
)

const (
	minSpeed = 0.1
	maxSpeed = 10.0

	// realtimeBaseDelay is the per-bar pause at speed 1.0 in realtime mode.
	realtimeBaseDelay = 100 * time.Millisecond
)

// RunState is the controller lifecycle state
type RunState string

const (
	StateInitialized RunState = "INITIALIZED"
	StateRunning     RunState = "RUNNING"
	StatePaused      RunState = "PAUSED"
	StateStopped     RunState = "STOPPED"
	StateCompleted   RunState = "COMPLETED"
)

// Options configures a simulator. It is fixed for the duration of a run.
type Options struct {
	InitialCapital  float64         `json:"initial_capital"`
	Execution       ExecutionConfig `json:"execution"`
	Risk            RiskParams      `json:"risk"`
	SpeedMultiplier float64         `json:"speed_multiplier"`
	Realtime        bool            `json:"realtime_mode"`
}

// DefaultOptions returns the stock simulation settings
func DefaultOptions() Options {
	return Options{
		InitialCapital: 100000,
		Execution: ExecutionConfig{
			SlippagePercent: 0.05,
			Commission:      20,
		},
		SpeedMultiplier: 1.0,
	}
}

// ClampSpeed bounds a speed multiplier to [0.1, 10]
func ClampSpeed(speed float64) float64 {
	if speed < minSpeed {
		return minSpeed
	}
	if speed > maxSpeed {
		return maxSpeed
	}
	return speed
}

// Simulator replays bars through a signal adapter and a trade ledger.
// Run executes on the caller's goroutine; Pause, Resume, Stop and the read
// accessors are safe to call from any other goroutine.
type Simulator struct {
	opts   Options
	exec   *ExecutionModel
	risk   *RiskEvaluator
	ledger *Ledger
	equity *EquityTracker
	events *listeners
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	state   RunState
	paused  bool
	stopped bool
	speed   float64
	wake    chan struct{}
}

// New creates a simulator
func New(opts Options, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SpeedMultiplier == 0 {
		opts.SpeedMultiplier = 1.0
	}

	s := &Simulator{
		opts:   opts,
		exec:   NewExecutionModel(opts.Execution),
		risk:   NewRiskEvaluator(opts.Risk),
		equity: NewEquityTracker(),
		events: newListeners(logger),
		logger: logger,
		state:  StateInitialized,
		speed:  ClampSpeed(opts.SpeedMultiplier),
	}
	s.cond = sync.NewCond(&s.mu)
	s.ledger = NewLedger(opts.InitialCapital, s.exec, s.events, logger)
	return s
}

// AddTradeListener registers a listener for OPEN/CLOSE events
func (s *Simulator) AddTradeListener(l TradeListener) {
	s.events.addTrade(l)
}

// AddProgressListener registers a listener for per-bar progress
func (s *Simulator) AddProgressListener(l ProgressListener) {
	s.events.addProgress(l)
}

// Options returns the simulator configuration
func (s *Simulator) Options() Options {
	return s.opts
}

// Ledger exposes the trade ledger for read access and manual orders
func (s *Simulator) Ledger() *Ledger {
	return s.ledger
}

// Equity exposes the equity tracker
func (s *Simulator) Equity() *EquityTracker {
	return s.equity
}

// State returns the current lifecycle state
func (s *Simulator) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Speed returns the realtime playback speed
func (s *Simulator) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// SetSpeed changes the realtime playback speed, clamped to [0.1, 10]
func (s *Simulator) SetSpeed(speed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed = ClampSpeed(speed)
}

// Pause holds the loop at the next bar boundary
func (s *Simulator) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning && s.state != StatePaused {
		return core.ErrSimulationIdle
	}
	if !s.stopped {
		s.paused = true
		s.state = StatePaused
	}
	return nil
}

// Resume releases a paused loop
func (s *Simulator) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning && s.state != StatePaused {
		return core.ErrSimulationIdle
	}
	s.paused = false
	if s.state == StatePaused {
		s.state = StateRunning
	}
	s.cond.Broadcast()
	return nil
}

// Stop ends the run after the bar in progress. It also releases a paused loop.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning && s.state != StatePaused {
		return core.ErrSimulationIdle
	}
	if !s.stopped {
		s.stopped = true
		close(s.wake)
	}
	s.paused = false
	s.cond.Broadcast()
	return nil
}

// Reset discards the ledger and equity curve from a previous run
func (s *Simulator) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning || s.state == StatePaused {
		return core.ErrSimulationRunning
	}
	s.resetLocked()
	s.state = StateInitialized
	return nil
}

func (s *Simulator) resetLocked() {
	s.ledger.Reset(s.opts.InitialCapital)
	s.equity.Reset()
	s.paused = false
	s.stopped = false
	s.wake = make(chan struct{})
}

// Run replays bars for symbol through adapter and returns the final result.
// Cancelling ctx behaves like Stop.
func (s *Simulator) Run(ctx context.Context, symbol, strategyName string, bars []core.OHLCV, adapter SignalAdapter) (*Result, error) {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StatePaused {
		s.mu.Unlock()
		return nil, core.ErrSimulationRunning
	}
	s.resetLocked()
	s.state = StateRunning
	wake := s.wake
	s.mu.Unlock()

	release := context.AfterFunc(ctx, func() { _ = s.Stop() })
	defer release()

	start, end := time.Now(), time.Now()
	if len(bars) > 0 {
		start, end = bars[0].Time, bars[len(bars)-1].Time
	}

	runID := uuid.NewString()
	log := s.logger.With(zap.String("run_id", runID), zap.String("symbol", symbol))
	log.Info("starting backtest",
		zap.String("strategy", strategyName),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("bars", len(bars)),
	)

	var (
		last      *core.OHLCV
		processed int
	)
	for i := range bars {
		if ctx.Err() != nil {
			_ = s.Stop()
		}
		if !s.awaitTurn() {
			break
		}

		bar := bars[i]
		s.step(symbol, bar, i, bars, adapter, log)
		last = &bars[i]
		processed++

		s.events.OnProgress(Progress{
			Index:      i,
			Total:      len(bars),
			Time:       bar.Time,
			Price:      bar.Close,
			Capital:    s.ledger.Current(),
			OpenTrades: s.ledger.OpenCount(),
		})

		if s.opts.Realtime {
			s.delay(wake)
		}
	}

	// Flatten at the last bar actually processed, not the end of the series.
	if last != nil {
		for _, sym := range s.ledger.OpenSymbols() {
			s.ledger.Close(sym, last.Close, last.Time, ReasonEndOfBacktest)
		}
	}

	s.mu.Lock()
	final := StateCompleted
	if s.stopped {
		final = StateStopped
	}
	s.state = final
	s.mu.Unlock()

	trades := s.ledger.ClosedTrades()
	curve := s.equity.Curve()
	result := &Result{
		RunID:          runID,
		Symbol:         symbol,
		Strategy:       strategyName,
		StartDate:      start,
		EndDate:        end,
		InitialCapital: s.ledger.Initial(),
		FinalCapital:   s.ledger.Current(),
		State:          final,
		BarsProcessed:  processed,
		Stats:          CalculateStats(s.ledger.Initial(), trades, curve),
		Trades:         trades,
		EquityCurve:    curve,
	}

	log.Info("backtest complete",
		zap.String("state", string(final)),
		zap.Int("bars_processed", processed),
		zap.Int("trades", result.Stats.TotalTrades),
		zap.Float64("pnl", result.Stats.TotalPnL),
	)
	return result, nil
}

// awaitTurn blocks while paused and reports whether the next bar may run.
func (s *Simulator) awaitTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.paused && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return false
	}
	s.state = StateRunning
	return true
}

// step runs risk checks, the signal and the equity mark for one bar.
func (s *Simulator) step(symbol string, bar core.OHLCV, index int, bars []core.OHLCV, adapter SignalAdapter, log *zap.Logger) {
	candidates := []float64{bar.High, bar.Low, bar.Close}
	for _, sym := range s.ledger.OpenSymbols() {
		if t, ok := s.ledger.ApplyRisk(sym, candidates, bar.Time, s.risk); ok {
			log.Debug("risk exit",
				zap.Int("trade_id", t.ID),
				zap.String("reason", t.ExitReason),
			)
		}
	}

	s.apply(symbol, s.signal(adapter, bar, index, bars, log), bar)

	s.equity.Mark(s.ledger.Snapshot(), bar.Time, bar.Close)
}

func (s *Simulator) signal(adapter SignalAdapter, bar core.OHLCV, index int, bars []core.OHLCV, log *zap.Logger) (action core.Action) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("signal adapter panicked",
				zap.Int("index", index),
				zap.String("panic", fmt.Sprint(r)),
			)
			action = core.ActionNone
		}
	}()
	return adapter.Signal(bar, index, bars)
}

func (s *Simulator) apply(symbol string, action core.Action, bar core.OHLCV) {
	var want, opposite Direction
	switch action {
	case core.ActionBuy:
		want, opposite = DirectionLong, DirectionShort
	case core.ActionSell:
		want, opposite = DirectionShort, DirectionLong
	default:
		return
	}

	pos, open := s.ledger.Position(symbol)
	switch {
	case !open:
		s.ledger.Open(symbol, want, bar.Close, bar.Time, 0)
	case pos.Direction == opposite:
		s.ledger.Close(symbol, bar.Close, bar.Time, ReasonReverse)
		s.ledger.Open(symbol, want, bar.Close, bar.Time, 0)
	}
}

// delay is cosmetic pacing for realtime playback; Stop cuts it short.
func (s *Simulator) delay(wake <-chan struct{}) {
	s.mu.Lock()
	speed := s.speed
	s.mu.Unlock()

	t := time.NewTimer(time.Duration(float64(realtimeBaseDelay) / speed))
	defer t.Stop()
	select {
	case <-t.C:
	case <-wake:
	}
}
