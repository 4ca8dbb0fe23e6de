package backtest

import (
	"math"
)

// CalculateStats computes performance statistics from closed trades and the equity curve
func CalculateStats(initial float64, trades []Trade, curve []EquityPoint) Stats {
	var (
		winning, losing         int
		totalPnL                float64
		totalWins, totalLoss    float64
		largestWin, largestLoss float64
		durationSum             float64
		durationCount           int
	)

	for _, t := range trades {
		if !t.IsClosed() {
			continue
		}
		totalPnL += t.PnL
		if t.IsWin() {
			winning++
			totalWins += t.PnL
			largestWin = math.Max(largestWin, t.PnL)
		} else {
			losing++
			totalLoss += t.PnL
			largestLoss = math.Min(largestLoss, t.PnL)
		}
		if !t.EntryTime.IsZero() && !t.ExitTime.IsZero() {
			durationSum += t.Duration().Minutes()
			durationCount++
		}
	}

	stats := Stats{
		TotalPnL:      totalPnL,
		TotalTrades:   winning + losing,
		WinningTrades: winning,
		LosingTrades:  losing,
		LargestWin:    largestWin,
		LargestLoss:   largestLoss,
		ProfitFactor:  math.Inf(1),
		SharpeRatio:   calculateSharpeRatio(equityReturns(curve)),
	}

	if initial > 0 {
		stats.TotalPnLPercent = totalPnL / initial * 100
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(winning) / float64(stats.TotalTrades) * 100
	}
	if totalLoss != 0 {
		stats.ProfitFactor = totalWins / math.Abs(totalLoss)
	}
	if winning > 0 {
		stats.AvgWin = totalWins / float64(winning)
	}
	if losing > 0 {
		stats.AvgLoss = math.Abs(totalLoss) / float64(losing)
	}
	if durationCount > 0 {
		stats.AvgTradeDuration = durationSum / float64(durationCount)
	}

	stats.MaxDrawdown = calculateMaxDrawdown(initial, curve)
	if initial > 0 {
		stats.MaxDrawdownPercent = stats.MaxDrawdown / initial * 100
	}

	return stats
}

// calculateMaxDrawdown finds the largest peak-to-trough decline in currency.
// The running peak starts at the initial capital.
func calculateMaxDrawdown(initial float64, curve []EquityPoint) float64 {
	peak := initial
	var maxDD float64

	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if dd := peak - p.Equity; dd > maxDD {
			maxDD = dd
		}
	}

	return maxDD
}

func equityReturns(curve []EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	return returns
}

// calculateSharpeRatio computes risk-adjusted return
// Assumes risk-free rate of 0 for simplicity
func calculateSharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	// Calculate mean return
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	// Calculate standard deviation
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(returns)-1))

	if stdDev == 0 {
		return 0
	}

	// Annualize (assuming ~252 trading days)
	return mean * 252 / (stdDev * math.Sqrt(252))
}
