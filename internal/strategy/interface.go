package strategy

import (
	"github.com/newthinker/tradesim/internal/backtest"
)

// Config holds strategy configuration
type Config struct {
	Params map[string]any
}

// Strategy is a named, configurable signal adapter. Instances hold per-run
// caches and must not be shared between concurrent runs.
type Strategy interface {
	backtest.SignalAdapter

	Name() string
	Description() string
	Init(cfg Config) error
}

// Factory builds a fresh strategy instance with default parameters
type Factory func() Strategy
