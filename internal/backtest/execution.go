package backtest

import "math"

// defaultSizingFraction is the share of available capital used when no quantity is requested.
const defaultSizingFraction = 0.10

// ExecutionConfig holds fill and cost settings
type ExecutionConfig struct {
	SlippagePercent float64 `json:"slippage_percent"`
	Commission      float64 `json:"commission_per_trade"` // Flat, charged on entry and on exit
}

// ExecutionModel prices fills and sizes orders against available capital
type ExecutionModel struct {
	cfg ExecutionConfig
}

// NewExecutionModel creates an execution model
func NewExecutionModel(cfg ExecutionConfig) *ExecutionModel {
	return &ExecutionModel{cfg: cfg}
}

// Commission returns the flat per-trade commission
func (m *ExecutionModel) Commission() float64 {
	return m.cfg.Commission
}

// FillPrice applies slippage against the trader: buys fill higher, sells lower
func (m *ExecutionModel) FillPrice(quoted float64, buySide bool) float64 {
	slippage := quoted * (m.cfg.SlippagePercent / 100)
	if buySide {
		return quoted + slippage
	}
	return quoted - slippage
}

// ResolveQuantity returns an affordable quantity for the fill price.
// The second return value is false when not even one unit can be paid for.
func (m *ExecutionModel) ResolveQuantity(requested int, fill, available float64) (int, bool) {
	if fill <= 0 || available <= 0 {
		return 0, false
	}

	qty := requested
	if qty <= 0 {
		qty = floorQuantity(available * defaultSizingFraction / fill)
		if qty < 1 {
			qty = 1
		}
	}

	required := fill*float64(qty) + m.cfg.Commission
	if required > available {
		qty = floorQuantity((available - m.cfg.Commission) / fill)
		if qty <= 0 {
			return 0, false
		}
	}

	return qty, true
}

// floorQuantity truncates units to an int, saturating at math.MaxInt
func floorQuantity(units float64) int {
	if units >= math.MaxInt {
		return math.MaxInt
	}
	return int(math.Floor(units))
}
