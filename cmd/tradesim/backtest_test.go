package main

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/newthinker/tradesim/internal/backtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBars(t *testing.T, dir, symbol string, closes []float64) {
	t.Helper()
	var b strings.Builder
	b.WriteString("time,open,high,low,close,volume\n")
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		fmt.Fprintf(&b, "%s,%.2f,%.2f,%.2f,%.2f,1000\n", day.AddDate(0, 0, i).Format("2006-01-02"), c, c+1, c-1, c)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, symbol+".csv"), []byte(b.String()), 0644))
}

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.True(t, end.After(time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC)))

	_, _, err = parseRange("2024-02-01", "2024-01-01")
	assert.Error(t, err)

	_, _, err = parseRange("01/02/2024", "")
	assert.Error(t, err)

	start, end, err = parseRange("", "")
	require.NoError(t, err)
	assert.True(t, start.IsZero())
	assert.True(t, end.IsZero())
}

func TestPrintReport_InfiniteProfitFactor(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &backtest.Result{
		State:          backtest.StateCompleted,
		InitialCapital: 1000,
		FinalCapital:   1100,
		Stats:          backtest.Stats{TotalPnL: 100, TotalTrades: 1, WinningTrades: 1, ProfitFactor: math.Inf(1)},
	})

	out := buf.String()
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "inf")
	assert.Contains(t, out, "1100.00")
}

func TestBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	closes := []float64{}
	for i := 0; i < 30; i++ {
		closes = append(closes, 100+10*math.Sin(float64(i)/3))
	}
	writeBars(t, dir, "TEST", closes)
	exportDir := filepath.Join(dir, "out")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"backtest", "ma_crossover",
		"--data", dir,
		"--symbol", "TEST",
		"--fast", "2",
		"--slow", "5",
		"--trades",
		"--export", exportDir,
	})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	require.NoError(t, rootCmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Symbol:   TEST")
	assert.Contains(t, text, "(30 bars)")
	assert.Contains(t, text, "COMPLETED")
	assert.Contains(t, text, "Exported")

	entries, err := os.ReadDir(exportDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	for _, name := range []string{"trades.csv", "equity.csv", "summary.json"} {
		_, err := os.Stat(filepath.Join(exportDir, entries[0].Name(), name))
		assert.NoError(t, err, name)
	}
}
