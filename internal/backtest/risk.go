package backtest

import "fmt"

// RiskParams holds percentage based exit rules. Zero disables a rule.
type RiskParams struct {
	StopLossPercent     float64 `json:"stop_loss_percent"`
	TargetPercent       float64 `json:"target_percent"`
	TrailingStopPercent float64 `json:"trailing_stop_percent"`
}

// Exit describes a fired risk condition
type Exit struct {
	Kind   ExitKind
	Reason string
}

// RiskEvaluator decides whether an open trade must be exited at a price
type RiskEvaluator struct {
	params RiskParams
}

// NewRiskEvaluator creates a risk evaluator
func NewRiskEvaluator(params RiskParams) *RiskEvaluator {
	return &RiskEvaluator{params: params}
}

// Evaluate moves the trade's watermark to price if it is more favorable, then
// checks stop-loss, target and trailing stop in that order.
func (r *RiskEvaluator) Evaluate(t *Trade, price float64) (Exit, bool) {
	entry := t.EntryPrice
	if entry <= 0 {
		return Exit{}, false
	}

	if t.Direction == DirectionShort {
		if price < t.Watermark {
			t.Watermark = price
		}
		pct := (entry - price) / entry * 100
		if exit, ok := r.fixed(pct); ok {
			return exit, true
		}
		if r.params.TrailingStopPercent > 0 {
			trail := t.Watermark * (1 + r.params.TrailingStopPercent/100)
			// The trail only protects profit; above entry it is the stop-loss's job.
			if price >= trail && price < entry {
				return Exit{
					Kind:   ExitTrailingStop,
					Reason: fmt.Sprintf("%s (Low: %.2f)", reasonTrailingStop, t.Watermark),
				}, true
			}
		}
		return Exit{}, false
	}

	if price > t.Watermark {
		t.Watermark = price
	}
	pct := (price - entry) / entry * 100
	if exit, ok := r.fixed(pct); ok {
		return exit, true
	}
	if r.params.TrailingStopPercent > 0 {
		trail := t.Watermark * (1 - r.params.TrailingStopPercent/100)
		if price <= trail && price > entry {
			return Exit{
				Kind:   ExitTrailingStop,
				Reason: fmt.Sprintf("%s (High: %.2f)", reasonTrailingStop, t.Watermark),
			}, true
		}
	}
	return Exit{}, false
}

// fixed checks the entry-anchored rules against a direction-adjusted move.
func (r *RiskEvaluator) fixed(pct float64) (Exit, bool) {
	if r.params.StopLossPercent > 0 && pct <= -r.params.StopLossPercent {
		return Exit{Kind: ExitStopLoss, Reason: ReasonStopLoss}, true
	}
	if r.params.TargetPercent > 0 && pct >= r.params.TargetPercent {
		return Exit{Kind: ExitTarget, Reason: ReasonTarget}, true
	}
	return Exit{}, false
}
