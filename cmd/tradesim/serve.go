package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newthinker/tradesim/internal/api"
	"github.com/newthinker/tradesim/internal/api/job"
	"github.com/newthinker/tradesim/internal/export"
	"github.com/newthinker/tradesim/internal/feed"
	"github.com/newthinker/tradesim/internal/metrics"
	"github.com/newthinker/tradesim/internal/strategy/builtin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveDataDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tradesim API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDataDir, "data", "", "directory of <SYMBOL>.csv bar files served as the data feed")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	deps := api.Dependencies{
		Strategies: builtin.Registry(log),
		Defaults:   cfg.BacktestOptions(),
		Jobs:       job.NewStore(cfg.Server.MaxJobs, time.Duration(cfg.Server.JobTTLHours)*time.Hour),
	}
	if serveDataDir != "" {
		deps.Provider = feed.NewCSVProvider(serveDataDir, "")
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.NewRegistry()
	}

	store, err := export.NewStorage(cfg.Export)
	if err != nil {
		return fmt.Errorf("creating export storage: %w", err)
	}
	deps.Exporter = export.New(store, "", log)

	log.Info("starting tradesim server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("export", cfg.Export.Type),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	server, err := api.NewServer(api.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		APIKey:      cfg.Server.APIKey,
		MetricsPath: cfg.Metrics.Path,
	}, deps, log)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down tradesim server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return server.Shutdown(ctx)
}
