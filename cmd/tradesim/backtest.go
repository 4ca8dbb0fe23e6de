package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/newthinker/tradesim/internal/backtest"
	"github.com/newthinker/tradesim/internal/config"
	"github.com/newthinker/tradesim/internal/export"
	"github.com/newthinker/tradesim/internal/feed"
	"github.com/newthinker/tradesim/internal/storage/archive"
	"github.com/newthinker/tradesim/internal/strategy"
	"github.com/newthinker/tradesim/internal/strategy/builtin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	backtestData         string
	backtestSymbol       string
	backtestFrom         string
	backtestTo           string
	backtestInterval     string
	backtestFast         int
	backtestSlow         int
	backtestMAType       string
	backtestParams       map[string]string
	backtestCapital      float64
	backtestStopLoss     float64
	backtestTarget       float64
	backtestTrailingStop float64
	backtestRealtime     bool
	backtestSpeed        float64
	backtestExportDir    string
	backtestArchive      bool
	backtestShowTrades   bool
)

var backtestCmd = &cobra.Command{
	Use:   "backtest [strategy]",
	Short: "Run backtest on a strategy",
	Long: `Replay historical bars from a CSV file through a strategy and show
performance statistics. Interrupting the run stops it at the current bar
and reports the partial result.`,
	Args: cobra.ExactArgs(1),
	RunE: runBacktest,
}

func init() {
	f := backtestCmd.Flags()
	f.StringVar(&backtestData, "data", "", "CSV bar file, or directory of <SYMBOL>.csv files (required)")
	f.StringVar(&backtestSymbol, "symbol", "", "Symbol to backtest (required)")
	f.StringVar(&backtestFrom, "from", "", "Start date YYYY-MM-DD")
	f.StringVar(&backtestTo, "to", "", "End date YYYY-MM-DD")
	f.StringVar(&backtestInterval, "interval", "", "Bar interval label, e.g. 1d")
	f.IntVar(&backtestFast, "fast", 0, "Fast moving average period (ma_crossover)")
	f.IntVar(&backtestSlow, "slow", 0, "Slow moving average period (ma_crossover)")
	f.StringVar(&backtestMAType, "ma-type", "", "Moving average type sma|ema (ma_crossover)")
	f.StringToStringVar(&backtestParams, "param", nil, "Strategy parameter key=value, repeatable")
	f.Float64Var(&backtestCapital, "capital", 0, "Initial capital")
	f.Float64Var(&backtestStopLoss, "stop-loss", 0, "Stop-loss percent, 0 disables")
	f.Float64Var(&backtestTarget, "target", 0, "Target percent, 0 disables")
	f.Float64Var(&backtestTrailingStop, "trailing-stop", 0, "Trailing stop percent, 0 disables")
	f.BoolVar(&backtestRealtime, "realtime", false, "Pace playback and print live progress")
	f.Float64Var(&backtestSpeed, "speed", 1, "Realtime playback speed, 0.1 to 10")
	f.StringVar(&backtestExportDir, "export", "", "Directory to write trades.csv, equity.csv and summary.json")
	f.BoolVar(&backtestArchive, "archive", false, "Archive the run to the configured export storage")
	f.BoolVar(&backtestShowTrades, "trades", false, "Print every closed trade")

	backtestCmd.MarkFlagRequired("data")
	backtestCmd.MarkFlagRequired("symbol")

	rootCmd.AddCommand(backtestCmd)
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	fromDate, toDate, err := parseRange(backtestFrom, backtestTo)
	if err != nil {
		return err
	}

	opts := cfg.BacktestOptions()
	flags := cmd.Flags()
	if flags.Changed("capital") {
		opts.InitialCapital = backtestCapital
	}
	if flags.Changed("stop-loss") {
		opts.Risk.StopLossPercent = backtestStopLoss
	}
	if flags.Changed("target") {
		opts.Risk.TargetPercent = backtestTarget
	}
	if flags.Changed("trailing-stop") {
		opts.Risk.TrailingStopPercent = backtestTrailingStop
	}
	if flags.Changed("realtime") {
		opts.Realtime = backtestRealtime
	}
	if flags.Changed("speed") {
		opts.SpeedMultiplier = backtestSpeed
	}
	if opts.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive")
	}

	params := make(map[string]any, len(backtestParams)+3)
	for k, v := range backtestParams {
		params[k] = v
	}
	if backtestFast > 0 {
		params["fast_period"] = backtestFast
	}
	if backtestSlow > 0 {
		params["slow_period"] = backtestSlow
	}
	if backtestMAType != "" {
		params["ma_type"] = backtestMAType
	}

	strat, err := builtin.Registry(log).New(args[0], strategy.Config{Params: params})
	if err != nil {
		return err
	}

	provider := feed.NewCSVProvider(backtestData, backtestInterval)
	bars, err := provider.FetchHistory(backtestSymbol, fromDate, toDate, "")
	if err != nil {
		return fmt.Errorf("loading bars: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== tradesim Backtest ===")
	fmt.Fprintf(out, "Strategy: %s\n", strat.Description())
	fmt.Fprintf(out, "Symbol:   %s\n", backtestSymbol)
	fmt.Fprintf(out, "Period:   %s to %s (%d bars)\n",
		bars[0].Time.Format("2006-01-02"), bars[len(bars)-1].Time.Format("2006-01-02"), len(bars))
	fmt.Fprintln(out)

	sim := backtest.New(opts, log)
	if opts.Realtime {
		sim.AddTradeListener(backtest.TradeListenerFunc(func(t backtest.Trade, ev backtest.TradeEvent) {
			printTradeEvent(out, t, ev)
		}))
		sim.AddProgressListener(backtest.ProgressListenerFunc(func(p backtest.Progress) {
			fmt.Fprintf(out, "\r[%3d%%] %s  price %10.2f  capital %12.2f  open %d",
				p.Percent(), p.Time.Format("2006-01-02 15:04"), p.Price, p.Capital, p.OpenTrades)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := sim.Run(ctx, backtestSymbol, strat.Name(), bars, strat)
	if err != nil {
		return fmt.Errorf("running backtest: %w", err)
	}
	if opts.Realtime {
		fmt.Fprintln(out)
		fmt.Fprintln(out)
	}

	printReport(out, result)
	if backtestShowTrades {
		fmt.Fprintln(out)
		printTrades(out, result.Trades)
	}

	return exportResult(out, cfg, result, log)
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if from != "" {
		if start, err = time.Parse("2006-01-02", from); err != nil {
			return start, end, fmt.Errorf("invalid from date format (expected YYYY-MM-DD): %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse("2006-01-02", to); err != nil {
			return start, end, fmt.Errorf("invalid to date format (expected YYYY-MM-DD): %w", err)
		}
		// Include the whole end day.
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("end date must be after start date")
	}
	return start, end, nil
}

func exportResult(out io.Writer, cfg *config.Config, result *backtest.Result, log *zap.Logger) error {
	var stores []archive.Storage
	if backtestExportDir != "" {
		store, err := archive.NewLocalFS(backtestExportDir)
		if err != nil {
			return fmt.Errorf("creating export directory: %w", err)
		}
		stores = append(stores, store)
	}
	if backtestArchive {
		store, err := export.NewStorage(cfg.Export)
		if err != nil {
			return fmt.Errorf("creating export storage: %w", err)
		}
		stores = append(stores, store)
	}

	for _, store := range stores {
		manifest, err := export.New(store, "", log).Export(context.Background(), result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		for _, p := range manifest.Paths {
			fmt.Fprintf(out, "Exported %s\n", p)
		}
	}
	return nil
}

func printTradeEvent(out io.Writer, t backtest.Trade, ev backtest.TradeEvent) {
	if ev == backtest.EventOpen {
		fmt.Fprintf(out, "\n%s  OPEN  #%d %-5s %d @ %.2f\n",
			t.EntryTime.Format("2006-01-02 15:04"), t.ID, t.Direction, t.Quantity, t.EntryPrice)
		return
	}
	fmt.Fprintf(out, "\n%s  CLOSE #%d %-5s @ %.2f  pnl %.2f  (%s)\n",
		t.ExitTime.Format("2006-01-02 15:04"), t.ID, t.Direction, t.ExitPrice, t.PnL, t.ExitReason)
}

func printReport(out io.Writer, r *backtest.Result) {
	s := r.Stats
	pf := "inf"
	if !math.IsInf(s.ProfitFactor, 0) {
		pf = fmt.Sprintf("%.2f", s.ProfitFactor)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\t(%d bars processed)\n", r.State, r.BarsProcessed)
	fmt.Fprintf(w, "Initial capital:\t%.2f\n", r.InitialCapital)
	fmt.Fprintf(w, "Final capital:\t%.2f\n", r.FinalCapital)
	fmt.Fprintf(w, "Total P&L:\t%.2f\t(%.2f%%)\n", s.TotalPnL, s.TotalPnLPercent)
	fmt.Fprintf(w, "Trades:\t%d\t(%d won, %d lost)\n", s.TotalTrades, s.WinningTrades, s.LosingTrades)
	fmt.Fprintf(w, "Win rate:\t%.2f%%\n", s.WinRate)
	fmt.Fprintf(w, "Profit factor:\t%s\n", pf)
	fmt.Fprintf(w, "Avg win / loss:\t%.2f / %.2f\n", s.AvgWin, s.AvgLoss)
	fmt.Fprintf(w, "Largest win / loss:\t%.2f / %.2f\n", s.LargestWin, s.LargestLoss)
	fmt.Fprintf(w, "Max drawdown:\t%.2f\t(%.2f%%)\n", s.MaxDrawdown, s.MaxDrawdownPercent)
	fmt.Fprintf(w, "Sharpe ratio:\t%.2f\n", s.SharpeRatio)
	fmt.Fprintf(w, "Avg duration:\t%.1f min\n", s.AvgTradeDuration)
	w.Flush()
}

func printTrades(out io.Writer, trades []backtest.Trade) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tENTRY\tPRICE\tEXIT\tPRICE\tQTY\tP&L\tREASON")
	for _, t := range trades {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%s\t%.2f\t%d\t%.2f\t%s\n",
			t.ID, t.Direction,
			t.EntryTime.Format("2006-01-02"), t.EntryPrice,
			t.ExitTime.Format("2006-01-02"), t.ExitPrice,
			t.Quantity, t.PnL, t.ExitReason)
	}
	w.Flush()
}
