package backtest

import (
	"strings"
	"testing"
)

func TestRiskEvaluator_Long(t *testing.T) {
	tests := []struct {
		name   string
		params RiskParams
		price  float64
		want   ExitKind
		fired  bool
	}{
		{"disabled", RiskParams{}, 50, "", false},
		{"stop loss", RiskParams{StopLossPercent: 2}, 98, ExitStopLoss, true},
		{"stop loss not reached", RiskParams{StopLossPercent: 2}, 98.5, "", false},
		{"target", RiskParams{TargetPercent: 5}, 105, ExitTarget, true},
		{"stop loss before target", RiskParams{StopLossPercent: 2, TargetPercent: 1}, 97, ExitStopLoss, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRiskEvaluator(tt.params)
			trade := &Trade{Direction: DirectionLong, EntryPrice: 100, Watermark: 100}
			exit, ok := r.Evaluate(trade, tt.price)
			if ok != tt.fired {
				t.Fatalf("fired = %v, want %v", ok, tt.fired)
			}
			if exit.Kind != tt.want {
				t.Errorf("kind = %q, want %q", exit.Kind, tt.want)
			}
		})
	}
}

func TestRiskEvaluator_Short(t *testing.T) {
	tests := []struct {
		name   string
		params RiskParams
		price  float64
		want   ExitKind
		fired  bool
	}{
		{"stop loss on rally", RiskParams{StopLossPercent: 2}, 102, ExitStopLoss, true},
		{"no stop on drop", RiskParams{StopLossPercent: 2}, 90, "", false},
		{"target on drop", RiskParams{TargetPercent: 5}, 95, ExitTarget, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRiskEvaluator(tt.params)
			trade := &Trade{Direction: DirectionShort, EntryPrice: 100, Watermark: 100}
			exit, ok := r.Evaluate(trade, tt.price)
			if ok != tt.fired {
				t.Fatalf("fired = %v, want %v", ok, tt.fired)
			}
			if exit.Kind != tt.want {
				t.Errorf("kind = %q, want %q", exit.Kind, tt.want)
			}
		})
	}
}

func TestRiskEvaluator_TrailingStopLong(t *testing.T) {
	r := NewRiskEvaluator(RiskParams{TrailingStopPercent: 1})
	trade := &Trade{Direction: DirectionLong, EntryPrice: 100, Watermark: 100}

	if _, ok := r.Evaluate(trade, 110); ok {
		t.Fatal("should not fire while making new highs")
	}
	if trade.Watermark != 110 {
		t.Fatalf("watermark = %f, want 110", trade.Watermark)
	}
	if _, ok := r.Evaluate(trade, 109.5); ok {
		t.Fatal("should not fire above the trail")
	}

	exit, ok := r.Evaluate(trade, 108.8)
	if !ok {
		t.Fatal("expected trailing stop at 108.8")
	}
	if exit.Kind != ExitTrailingStop {
		t.Errorf("kind = %q, want trailing_stop", exit.Kind)
	}
	if !strings.Contains(exit.Reason, "High: 110.00") {
		t.Errorf("reason = %q, want watermark in reason", exit.Reason)
	}
}

func TestRiskEvaluator_TrailingStopEntryGuard(t *testing.T) {
	r := NewRiskEvaluator(RiskParams{TrailingStopPercent: 1})
	trade := &Trade{Direction: DirectionLong, EntryPrice: 100, Watermark: 100}

	r.Evaluate(trade, 100.5)
	// 99 is under the 99.495 trail but also under entry.
	if _, ok := r.Evaluate(trade, 99); ok {
		t.Error("trailing stop must not fire at or below entry")
	}
	if _, ok := r.Evaluate(trade, 100); ok {
		t.Error("trailing stop must not fire at entry")
	}
}

func TestRiskEvaluator_TrailingStopShort(t *testing.T) {
	r := NewRiskEvaluator(RiskParams{TrailingStopPercent: 1})
	trade := &Trade{Direction: DirectionShort, EntryPrice: 100, Watermark: 100}

	r.Evaluate(trade, 90)
	if trade.Watermark != 90 {
		t.Fatalf("watermark = %f, want 90", trade.Watermark)
	}

	exit, ok := r.Evaluate(trade, 91)
	if !ok || exit.Kind != ExitTrailingStop {
		t.Fatalf("expected trailing stop at 91, got %+v fired=%v", exit, ok)
	}
	if !strings.Contains(exit.Reason, "Low: 90.00") {
		t.Errorf("reason = %q", exit.Reason)
	}

	guarded := &Trade{Direction: DirectionShort, EntryPrice: 100, Watermark: 99.8}
	if _, ok := r.Evaluate(guarded, 101); ok {
		t.Error("short trailing stop must not fire above entry")
	}
}

func TestRiskEvaluator_WatermarkNeverRetreats(t *testing.T) {
	r := NewRiskEvaluator(RiskParams{})
	trade := &Trade{Direction: DirectionLong, EntryPrice: 100, Watermark: 100}
	for _, p := range []float64{105, 103, 107, 101} {
		r.Evaluate(trade, p)
	}
	if trade.Watermark != 107 {
		t.Errorf("watermark = %f, want 107", trade.Watermark)
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]ExitKind{
		ReasonStopLoss:              ExitStopLoss,
		ReasonTarget:                ExitTarget,
		"Trailing SL (High: 10.00)": ExitTrailingStop,
		ReasonReverse:               ExitReverse,
		ReasonEndOfBacktest:         ExitEndOfBacktest,
		ReasonSignal:                ExitSignal,
		"manual":                    ExitOther,
	}
	for reason, want := range tests {
		if got := Classify(reason); got != want {
			t.Errorf("Classify(%q) = %q, want %q", reason, got, want)
		}
	}
}
