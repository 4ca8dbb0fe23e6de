package backtest

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// TradeListener receives ledger open/close events
type TradeListener interface {
	OnTrade(trade Trade, event TradeEvent)
}

// ProgressListener receives one update per processed bar
type ProgressListener interface {
	OnProgress(p Progress)
}

// TradeListenerFunc adapts a function to TradeListener
type TradeListenerFunc func(trade Trade, event TradeEvent)

// OnTrade calls f(trade, event)
func (f TradeListenerFunc) OnTrade(trade Trade, event TradeEvent) { f(trade, event) }

// ProgressListenerFunc adapts a function to ProgressListener
type ProgressListenerFunc func(p Progress)

// OnProgress calls f(p)
func (f ProgressListenerFunc) OnProgress(p Progress) { f(p) }

// listeners is a registry of typed observers. A panicking listener is logged
// and skipped; it never reaches the simulation loop.
type listeners struct {
	mu       sync.RWMutex
	trade    []TradeListener
	progress []ProgressListener
	logger   *zap.Logger
}

func newListeners(logger *zap.Logger) *listeners {
	return &listeners{logger: logger}
}

func (l *listeners) addTrade(tl TradeListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trade = append(l.trade, tl)
}

func (l *listeners) addProgress(pl ProgressListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, pl)
}

// OnTrade fans the event out to every registered trade listener.
func (l *listeners) OnTrade(trade Trade, event TradeEvent) {
	l.mu.RLock()
	targets := append([]TradeListener(nil), l.trade...)
	l.mu.RUnlock()

	for _, tl := range targets {
		l.safely("trade", func() { tl.OnTrade(trade, event) })
	}
}

// OnProgress fans the update out to every registered progress listener.
func (l *listeners) OnProgress(p Progress) {
	l.mu.RLock()
	targets := append([]ProgressListener(nil), l.progress...)
	l.mu.RUnlock()

	for _, pl := range targets {
		l.safely("progress", func() { pl.OnProgress(p) })
	}
}

func (l *listeners) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("listener panicked",
				zap.String("kind", kind),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}
