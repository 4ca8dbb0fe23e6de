package backtest

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the capital and trade bookkeeping for a single run
type State struct {
	InitialCapital   float64
	AvailableCapital float64
	CurrentCapital   float64

	open   map[string]*Trade
	log    []*Trade
	nextID int
}

// NewState creates empty run state funded with initial capital
func NewState(initial float64) *State {
	return &State{
		InitialCapital:   initial,
		AvailableCapital: initial,
		CurrentCapital:   initial,
		open:             make(map[string]*Trade),
	}
}

// Snapshot is a consistent copy of the ledger at one moment
type Snapshot struct {
	Initial   float64
	Available float64
	Current   float64
	Open      []Trade
}

// Ledger owns open and closed trades and the capital balances.
// Every mutation happens under mu; listener calls happen after it is released.
type Ledger struct {
	mu       sync.RWMutex
	state    *State
	exec     *ExecutionModel
	listener TradeListener
	logger   *zap.Logger
}

// NewLedger creates a ledger. listener may be nil.
func NewLedger(initial float64, exec *ExecutionModel, listener TradeListener, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		state:    NewState(initial),
		exec:     exec,
		listener: listener,
		logger:   logger,
	}
}

// Reset discards all trades and refunds the initial capital
func (l *Ledger) Reset(initial float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = NewState(initial)
}

// Open enters a position. It returns false, without touching the ledger, when
// capital is insufficient or the symbol already has an open trade.
func (l *Ledger) Open(symbol string, dir Direction, quoted float64, ts time.Time, quantity int) (Trade, bool) {
	l.mu.Lock()
	trade, ok := l.openLocked(symbol, dir, quoted, ts, quantity)
	l.mu.Unlock()

	if ok {
		l.notify(trade, EventOpen)
	}
	return trade, ok
}

func (l *Ledger) openLocked(symbol string, dir Direction, quoted float64, ts time.Time, quantity int) (Trade, bool) {
	if existing, busy := l.state.open[symbol]; busy {
		l.logger.Warn("position already open",
			zap.String("symbol", symbol),
			zap.Int("trade_id", existing.ID),
		)
		return Trade{}, false
	}

	fill := l.exec.FillPrice(quoted, dir == DirectionLong)
	qty, ok := l.exec.ResolveQuantity(quantity, fill, l.state.AvailableCapital)
	if !ok {
		l.logger.Warn("insufficient capital to open trade",
			zap.String("symbol", symbol),
			zap.String("direction", string(dir)),
			zap.Float64("price", fill),
			zap.Float64("available", l.state.AvailableCapital),
		)
		return Trade{}, false
	}

	l.state.AvailableCapital -= fill*float64(qty) + l.exec.Commission()

	l.state.nextID++
	t := &Trade{
		ID:         l.state.nextID,
		Symbol:     symbol,
		Direction:  dir,
		EntryTime:  ts,
		EntryPrice: fill,
		Quantity:   qty,
		Status:     StatusOpen,
		Watermark:  fill,
	}
	l.state.open[symbol] = t
	l.state.log = append(l.state.log, t)

	l.logger.Info("opened trade",
		zap.Int("trade_id", t.ID),
		zap.String("symbol", symbol),
		zap.String("direction", string(dir)),
		zap.Float64("price", fill),
		zap.Int("quantity", qty),
	)
	return *t, true
}

// Close exits the open trade for symbol. Without an open trade it is a no-op.
func (l *Ledger) Close(symbol string, quoted float64, ts time.Time, reason string) (Trade, bool) {
	l.mu.Lock()
	trade, ok := l.closeLocked(symbol, quoted, ts, reason)
	l.mu.Unlock()

	if ok {
		l.notify(trade, EventClose)
	}
	return trade, ok
}

func (l *Ledger) closeLocked(symbol string, quoted float64, ts time.Time, reason string) (Trade, bool) {
	t, ok := l.state.open[symbol]
	if !ok {
		return Trade{}, false
	}

	// Closing a long sells, closing a short buys back.
	fill := l.exec.FillPrice(quoted, t.Direction == DirectionShort)
	qty := float64(t.Quantity)
	commission := l.exec.Commission()

	if ts.Before(t.EntryTime) {
		ts = t.EntryTime
	}
	t.ExitTime = ts
	t.ExitPrice = fill
	t.ExitReason = reason
	t.Status = StatusClosed

	if t.Direction == DirectionLong {
		t.PnL = (fill-t.EntryPrice)*qty - commission
		l.state.AvailableCapital += fill * qty
	} else {
		t.PnL = (t.EntryPrice-fill)*qty - commission
		// Refund the entry commission so a short round trip nets exactly its PnL,
		// the same as a long one.
		l.state.AvailableCapital += t.EntryPrice*qty + t.PnL + commission
	}
	t.PnLPercent = t.PnL / (t.EntryPrice * qty) * 100
	l.state.CurrentCapital = l.state.AvailableCapital

	delete(l.state.open, symbol)

	l.logger.Info("closed trade",
		zap.Int("trade_id", t.ID),
		zap.String("symbol", symbol),
		zap.Float64("price", fill),
		zap.Float64("pnl", t.PnL),
		zap.String("reason", reason),
	)
	return *t, true
}

// ApplyRisk evaluates candidate prices in order against the open trade for
// symbol and closes it at the first price that fires a rule.
func (l *Ledger) ApplyRisk(symbol string, candidates []float64, ts time.Time, risk *RiskEvaluator) (Trade, bool) {
	l.mu.Lock()
	t, ok := l.state.open[symbol]
	if !ok {
		l.mu.Unlock()
		return Trade{}, false
	}

	var (
		closed Trade
		fired  bool
	)
	for _, price := range candidates {
		exit, hit := risk.Evaluate(t, price)
		if !hit {
			continue
		}
		closed, fired = l.closeLocked(symbol, price, ts, exit.Reason)
		break
	}
	l.mu.Unlock()

	if fired {
		l.notify(closed, EventClose)
	}
	return closed, fired
}

// Position returns the open trade for symbol, if any
func (l *Ledger) Position(symbol string) (Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.state.open[symbol]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

// OpenSymbols lists symbols with an open trade, ordered by trade id
func (l *Ledger) OpenSymbols() []string {
	open := l.OpenTrades()
	symbols := make([]string, len(open))
	for i, t := range open {
		symbols[i] = t.Symbol
	}
	return symbols
}

// OpenCount returns the number of open trades
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.state.open)
}

// OpenTrades returns copies of the open trades ordered by id
func (l *Ledger) OpenTrades() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.openTradesLocked()
}

func (l *Ledger) openTradesLocked() []Trade {
	out := make([]Trade, 0, len(l.state.open))
	for _, t := range l.state.open {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Trades returns the full trade log, open and closed, in creation order
func (l *Ledger) Trades() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Trade, len(l.state.log))
	for i, t := range l.state.log {
		out[i] = *t
	}
	return out
}

// ClosedTrades returns closed trades in creation order
func (l *Ledger) ClosedTrades() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Trade
	for _, t := range l.state.log {
		if t.IsClosed() {
			out = append(out, *t)
		}
	}
	return out
}

// Available returns capital not tied up in open positions
func (l *Ledger) Available() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.AvailableCapital
}

// Current returns capital as of the last close
func (l *Ledger) Current() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.CurrentCapital
}

// Initial returns the capital the run started with
func (l *Ledger) Initial() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.InitialCapital
}

// Snapshot returns balances and open trades read under one lock
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		Initial:   l.state.InitialCapital,
		Available: l.state.AvailableCapital,
		Current:   l.state.CurrentCapital,
		Open:      l.openTradesLocked(),
	}
}

func (l *Ledger) notify(t Trade, event TradeEvent) {
	if l.listener != nil {
		l.listener.OnTrade(t, event)
	}
}
