package metrics

import (
	"github.com/newthinker/tradesim/internal/backtest"
)

// Observer feeds simulator events into the registry. Register it with both
// AddTradeListener and AddProgressListener.
type Observer struct {
	reg *Registry
}

// NewObserver creates an observer. A nil registry makes it a no-op.
func NewObserver(reg *Registry) *Observer {
	return &Observer{reg: reg}
}

func (o *Observer) OnTrade(t backtest.Trade, event backtest.TradeEvent) {
	if o.reg == nil {
		return
	}
	switch event {
	case backtest.EventOpen:
		o.reg.RecordTradeOpened(string(t.Direction))
	case backtest.EventClose:
		o.reg.RecordTradeClosed(string(backtest.Classify(t.ExitReason)))
	}
}

func (o *Observer) OnProgress(backtest.Progress) {
	if o.reg == nil {
		return
	}
	o.reg.RecordBar()
}
