package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

const csvTimeLayout = "2006-01-02 15:04:05"

var tradesHeader = []string{
	"Trade ID", "Symbol", "Type", "Entry Time", "Entry Price",
	"Exit Time", "Exit Price", "Quantity", "P&L", "P&L %", "Exit Reason",
}

// WriteTradesCSV writes one row per closed trade. Open trades are skipped.
func WriteTradesCSV(w io.Writer, trades []Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradesHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for _, t := range trades {
		if !t.IsClosed() {
			continue
		}
		row := []string{
			strconv.Itoa(t.ID),
			t.Symbol,
			string(t.Direction),
			formatTime(t.EntryTime),
			fmt.Sprintf("%.2f", t.EntryPrice),
			formatTime(t.ExitTime),
			fmt.Sprintf("%.2f", t.ExitPrice),
			strconv.Itoa(t.Quantity),
			fmt.Sprintf("%.2f", t.PnL),
			fmt.Sprintf("%.2f", t.PnLPercent),
			t.ExitReason,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing trade %d: %w", t.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteEquityCSV writes the equity curve, one row per bar
func WriteEquityCSV(w io.Writer, curve []EquityPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Time", "Equity", "Price", "Open Trades"}); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, p := range curve {
		row := []string{
			formatTime(p.Time),
			fmt.Sprintf("%.2f", p.Equity),
			fmt.Sprintf("%.2f", p.Price),
			strconv.Itoa(p.OpenTrades),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(csvTimeLayout)
}
