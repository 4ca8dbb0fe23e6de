// Package builtin registers the strategies shipped with tradesim.
package builtin

import (
	"github.com/newthinker/tradesim/internal/strategy"
	"github.com/newthinker/tradesim/internal/strategy/ma_crossover"
	"github.com/newthinker/tradesim/internal/strategy/scripted"
	"go.uber.org/zap"
)

// Registry returns a registry holding every built-in strategy
func Registry(logger *zap.Logger) *strategy.Registry {
	r := strategy.NewRegistry(logger)
	r.Register("ma_crossover", ma_crossover.Factory)
	r.Register("scripted", scripted.Factory)
	return r
}
