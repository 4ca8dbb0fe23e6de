package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/newthinker/tradesim/internal/backtest"
	"github.com/newthinker/tradesim/internal/config"
	"github.com/newthinker/tradesim/internal/core"
	"github.com/newthinker/tradesim/internal/storage/archive"
	"go.uber.org/zap"
)

const (
	TradesFile  = "trades.csv"
	EquityFile  = "equity.csv"
	SummaryFile = "summary.json"
)

// Manifest lists the objects written for one run
type Manifest struct {
	RunID string   `json:"run_id"`
	Paths []string `json:"paths"`
}

// Exporter archives completed runs into a storage backend
type Exporter struct {
	store  archive.Storage
	prefix string
	logger *zap.Logger
}

// New creates an exporter writing under prefix
func New(store archive.Storage, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// NewStorage builds the storage backend selected by cfg
func NewStorage(cfg config.ExportConfig) (archive.Storage, error) {
	switch cfg.Type {
	case "", "localfs":
		return archive.NewLocalFS(cfg.Path)
	case "s3":
		return archive.NewS3(archive.S3Config{
			Bucket:    cfg.S3.Bucket,
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
	default:
		return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("unknown export type %q", cfg.Type))
	}
}

// Path returns the object path for one of a run's files
func (e *Exporter) Path(runID, file string) string {
	if e.prefix == "" {
		return path.Join(runID, file)
	}
	return path.Join(e.prefix, runID, file)
}

// Export writes the trade log, the equity curve and a JSON summary of result.
// Objects already written are removed when a later write fails.
func (e *Exporter) Export(ctx context.Context, result *backtest.Result) (*Manifest, error) {
	if result == nil || result.RunID == "" {
		return nil, core.WrapError(core.ErrExportFailed, fmt.Errorf("result has no run id"))
	}

	var trades, equity bytes.Buffer
	if err := backtest.WriteTradesCSV(&trades, result.Trades); err != nil {
		return nil, core.WrapError(core.ErrExportFailed, err)
	}
	if err := backtest.WriteEquityCSV(&equity, result.EquityCurve); err != nil {
		return nil, core.WrapError(core.ErrExportFailed, err)
	}
	summary, err := json.MarshalIndent(summaryOf(result), "", "  ")
	if err != nil {
		return nil, core.WrapError(core.ErrExportFailed, err)
	}

	objects := []struct {
		file        string
		data        []byte
		contentType string
	}{
		{TradesFile, trades.Bytes(), "text/csv"},
		{EquityFile, equity.Bytes(), "text/csv"},
		{SummaryFile, summary, "application/json"},
	}

	manifest := &Manifest{RunID: result.RunID}
	for _, obj := range objects {
		p := e.Path(result.RunID, obj.file)
		if err := e.store.Put(ctx, p, bytes.NewReader(obj.data), obj.contentType); err != nil {
			e.rollback(ctx, manifest.Paths)
			e.logger.Error("export failed",
				zap.String("run_id", result.RunID),
				zap.String("path", p),
				zap.Error(err),
			)
			return nil, core.WrapError(core.ErrExportFailed, fmt.Errorf("writing %s: %w", p, err))
		}
		manifest.Paths = append(manifest.Paths, p)
	}

	e.logger.Info("exported run",
		zap.String("run_id", result.RunID),
		zap.Int("trades", len(result.Trades)),
		zap.Strings("paths", manifest.Paths),
	)
	return manifest, nil
}

func (e *Exporter) rollback(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := e.store.Delete(ctx, p); err != nil {
			e.logger.Warn("removing partial export", zap.String("path", p), zap.Error(err))
		}
	}
}

// Runs lists run ids that have an exported trade log
func (e *Exporter) Runs(ctx context.Context) ([]string, error) {
	paths, err := e.store.List(ctx, e.prefix)
	if err != nil {
		return nil, core.WrapError(core.ErrExportFailed, err)
	}

	var runs []string
	for _, p := range paths {
		dir, file := path.Split(p)
		if file != TradesFile {
			continue
		}
		runs = append(runs, path.Base(strings.TrimSuffix(dir, "/")))
	}
	return runs, nil
}

// summary is the result without the bulky per-trade and per-bar series
type summary struct {
	RunID          string            `json:"run_id"`
	Symbol         string            `json:"symbol"`
	Strategy       string            `json:"strategy"`
	State          backtest.RunState `json:"state"`
	StartDate      string            `json:"start_date"`
	EndDate        string            `json:"end_date"`
	InitialCapital float64           `json:"initial_capital"`
	FinalCapital   float64           `json:"final_capital"`
	BarsProcessed  int               `json:"bars_processed"`
	Stats          backtest.Stats    `json:"stats"`
}

func summaryOf(r *backtest.Result) summary {
	return summary{
		RunID:          r.RunID,
		Symbol:         r.Symbol,
		Strategy:       r.Strategy,
		State:          r.State,
		StartDate:      r.StartDate.Format("2006-01-02T15:04:05Z07:00"),
		EndDate:        r.EndDate.Format("2006-01-02T15:04:05Z07:00"),
		InitialCapital: r.InitialCapital,
		FinalCapital:   r.FinalCapital,
		BarsProcessed:  r.BarsProcessed,
		Stats:          r.Stats,
	}
}
