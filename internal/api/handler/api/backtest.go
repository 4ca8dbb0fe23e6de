package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/newthinker/tradesim/internal/api/job"
	"github.com/newthinker/tradesim/internal/api/response"
	"github.com/newthinker/tradesim/internal/api/stream"
	"github.com/newthinker/tradesim/internal/backtest"
	"github.com/newthinker/tradesim/internal/core"
	"github.com/newthinker/tradesim/internal/export"
	"github.com/newthinker/tradesim/internal/feed"
	"github.com/newthinker/tradesim/internal/metrics"
	"github.com/newthinker/tradesim/internal/strategy"
	"go.uber.org/zap"
)

const (
	backtestTimeout = 30 * time.Minute
	jobType         = "backtest"
	scriptedName    = "scripted"
)

// Overrides replaces individual simulation defaults for one request
type Overrides struct {
	InitialCapital      *float64 `json:"initial_capital,omitempty"`
	SlippagePercent     *float64 `json:"slippage_percent,omitempty"`
	CommissionPerTrade  *float64 `json:"commission_per_trade,omitempty"`
	StopLossPercent     *float64 `json:"stop_loss_percent,omitempty"`
	TargetPercent       *float64 `json:"target_percent,omitempty"`
	TrailingStopPercent *float64 `json:"trailing_stop_percent,omitempty"`
	SpeedMultiplier     *float64 `json:"speed_multiplier,omitempty"`
	RealtimeMode        *bool    `json:"realtime_mode,omitempty"`
}

// BacktestRequest is the request body for starting a backtest.
// Bars are used as given; without bars they are fetched from the feed
// between start and end. Signals select the scripted strategy.
type BacktestRequest struct {
	Symbol   string            `json:"symbol"`
	Strategy string            `json:"strategy"`
	Params   map[string]any    `json:"params,omitempty"`
	Bars     []core.OHLCV      `json:"bars,omitempty"`
	Signals  map[string]string `json:"signals,omitempty"`
	Start    string            `json:"start,omitempty"`
	End      string            `json:"end,omitempty"`
	Interval string            `json:"interval,omitempty"`
	Config   *Overrides        `json:"config,omitempty"`
	Export   bool              `json:"export,omitempty"`
}

// Outcome is the job result of a finished backtest
type Outcome struct {
	*backtest.Result
	Export *export.Manifest `json:"export,omitempty"`
}

// BacktestDeps are the collaborators of a BacktestHandler. Provider,
// Metrics and Exporter are optional.
type BacktestDeps struct {
	Jobs       *job.Store
	Hub        *stream.Hub
	Strategies *strategy.Registry
	Provider   feed.Provider
	Defaults   backtest.Options
	Metrics    *metrics.Registry
	Exporter   *export.Exporter
	Logger     *zap.Logger
}

type run struct {
	sim    *backtest.Simulator
	cancel context.CancelFunc
}

// BacktestHandler handles backtest API requests.
type BacktestHandler struct {
	jobs       *job.Store
	hub        *stream.Hub
	strategies *strategy.Registry
	provider   feed.Provider
	defaults   backtest.Options
	metrics    *metrics.Registry
	exporter   *export.Exporter
	logger     *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// NewBacktestHandler creates a new backtest handler.
func NewBacktestHandler(deps BacktestDeps) *BacktestHandler {
	if deps.Jobs == nil {
		deps.Jobs = job.NewStore(100, time.Hour)
	}
	if deps.Hub == nil {
		deps.Hub = stream.NewHub()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &BacktestHandler{
		jobs:       deps.Jobs,
		hub:        deps.Hub,
		strategies: deps.Strategies,
		provider:   deps.Provider,
		defaults:   deps.Defaults,
		metrics:    deps.Metrics,
		exporter:   deps.Exporter,
		logger:     deps.Logger,
		runs:       make(map[string]*run),
	}
}

// plan is a validated request, ready to run
type plan struct {
	symbol   string
	bars     []core.OHLCV
	strategy strategy.Strategy
	opts     backtest.Options
	export   bool
}

// Create starts a new backtest job.
func (h *BacktestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fail(w, core.WrapError(core.ErrBadRequest, err))
		return
	}

	p, err := h.prepare(req)
	if err != nil {
		response.Fail(w, err)
		return
	}

	j := h.jobs.Create(jobType)
	jobID := j.ID
	status := j.Status

	sim := backtest.New(p.opts, h.logger.With(zap.String("job_id", jobID)))
	ctx, cancel := context.WithTimeout(context.Background(), backtestTimeout)

	h.mu.Lock()
	h.runs[jobID] = &run{sim: sim, cancel: cancel}
	h.mu.Unlock()

	h.wg.Add(1)
	go h.runBacktest(ctx, cancel, jobID, sim, p)
	h.syncActive()

	response.JSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"status": status,
	})
}

func (h *BacktestHandler) prepare(req BacktestRequest) (*plan, error) {
	if req.Symbol == "" {
		return nil, core.WrapError(core.ErrBadRequest, errors.New("symbol is required"))
	}

	name := req.Strategy
	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	if len(req.Signals) > 0 {
		if name == "" {
			name = scriptedName
		}
		if name != scriptedName {
			return nil, core.WrapError(core.ErrBadRequest,
				fmt.Errorf("signals cannot be combined with strategy %q", name))
		}
		params["signals"] = req.Signals
	}
	if name == "" {
		return nil, core.WrapError(core.ErrBadRequest, errors.New("strategy or signals is required"))
	}
	if h.strategies == nil {
		return nil, core.WrapError(core.ErrStrategyNotFound, fmt.Errorf("unknown strategy %q", name))
	}

	strat, err := h.strategies.New(name, strategy.Config{Params: params})
	if err != nil {
		if errors.Is(err, core.ErrStrategyNotFound) {
			return nil, err
		}
		return nil, core.WrapError(core.ErrBadRequest, err)
	}

	opts, err := h.options(req.Config)
	if err != nil {
		return nil, err
	}

	bars, err := h.bars(req)
	if err != nil {
		return nil, err
	}

	return &plan{
		symbol:   req.Symbol,
		bars:     bars,
		strategy: strat,
		opts:     opts,
		export:   req.Export,
	}, nil
}

func (h *BacktestHandler) options(o *Overrides) (backtest.Options, error) {
	opts := h.defaults
	if o != nil {
		set := func(dst *float64, src *float64) {
			if src != nil {
				*dst = *src
			}
		}
		set(&opts.InitialCapital, o.InitialCapital)
		set(&opts.Execution.SlippagePercent, o.SlippagePercent)
		set(&opts.Execution.Commission, o.CommissionPerTrade)
		set(&opts.Risk.StopLossPercent, o.StopLossPercent)
		set(&opts.Risk.TargetPercent, o.TargetPercent)
		set(&opts.Risk.TrailingStopPercent, o.TrailingStopPercent)
		set(&opts.SpeedMultiplier, o.SpeedMultiplier)
		if o.RealtimeMode != nil {
			opts.Realtime = *o.RealtimeMode
		}
	}

	switch {
	case opts.InitialCapital <= 0:
		return opts, core.WrapError(core.ErrConfigInvalid, errors.New("initial_capital must be positive"))
	case opts.Execution.SlippagePercent < 0, opts.Execution.Commission < 0:
		return opts, core.WrapError(core.ErrConfigInvalid, errors.New("slippage and commission must not be negative"))
	case opts.Risk.StopLossPercent < 0, opts.Risk.TargetPercent < 0, opts.Risk.TrailingStopPercent < 0:
		return opts, core.WrapError(core.ErrConfigInvalid, errors.New("risk percentages must not be negative"))
	case opts.SpeedMultiplier < 0:
		return opts, core.WrapError(core.ErrConfigInvalid, errors.New("speed_multiplier must not be negative"))
	}
	return opts, nil
}

func (h *BacktestHandler) bars(req BacktestRequest) ([]core.OHLCV, error) {
	bars := req.Bars
	if len(bars) == 0 {
		if h.provider == nil {
			return nil, core.WrapError(core.ErrNoData, errors.New("no bars given and no data feed configured"))
		}
		start, err := parseDate(req.Start)
		if err != nil {
			return nil, core.WrapError(core.ErrBadRequest, fmt.Errorf("start: %w", err))
		}
		end, err := parseDate(req.End)
		if err != nil {
			return nil, core.WrapError(core.ErrBadRequest, fmt.Errorf("end: %w", err))
		}
		if !start.IsZero() && !end.IsZero() && end.Before(start) {
			return nil, core.WrapError(core.ErrBadRequest, errors.New("end is before start"))
		}
		bars, err = h.provider.FetchHistory(req.Symbol, start, end, req.Interval)
		if err != nil {
			return nil, err
		}
	}

	out := make([]core.OHLCV, len(bars))
	for i, b := range bars {
		if !b.IsValid() {
			return nil, core.WrapError(core.ErrDataInvalid, fmt.Errorf("bar %d is not a valid OHLCV bar", i))
		}
		if i > 0 && b.Time.Before(out[i-1].Time) {
			return nil, core.WrapError(core.ErrDataInvalid, fmt.Errorf("bar %d is out of time order", i))
		}
		if b.Symbol == "" {
			b.Symbol = req.Symbol
		}
		out[i] = b
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// runBacktest executes the simulation and records its outcome on the job.
func (h *BacktestHandler) runBacktest(ctx context.Context, cancel context.CancelFunc, jobID string, sim *backtest.Simulator, p *plan) {
	defer h.wg.Done()
	defer cancel()

	log := h.logger.With(zap.String("job_id", jobID))

	sim.AddTradeListener(h.hub.Listener(jobID))
	sim.AddProgressListener(h.hub.Listener(jobID))
	if h.metrics != nil {
		obs := metrics.NewObserver(h.metrics)
		sim.AddTradeListener(obs)
		sim.AddProgressListener(obs)
	}
	last := -1
	sim.AddProgressListener(backtest.ProgressListenerFunc(func(pr backtest.Progress) {
		pct := pr.Percent()
		if pct == last {
			return
		}
		last = pct
		h.jobs.Update(jobID, func(j *job.Job) { j.Progress = pct })
	}))

	h.jobs.Update(jobID, func(j *job.Job) {
		if j.Status == job.StatusPending {
			j.Status = job.StatusRunning
		}
	})

	started := time.Now()
	result, err := sim.Run(ctx, p.symbol, p.strategy.Name(), p.bars, p.strategy)
	elapsed := time.Since(started)

	status := job.StatusFailed
	var outcome *Outcome
	if err == nil {
		status = job.StatusComplete
		if result.State == backtest.StateStopped {
			status = job.StatusStopped
		}
		outcome = &Outcome{Result: result}
		if p.export && h.exporter != nil {
			manifest, xerr := h.exporter.Export(context.Background(), result)
			if xerr != nil {
				log.Warn("export failed", zap.Error(xerr))
			}
			outcome.Export = manifest
		}
	} else {
		log.Error("backtest failed", zap.Error(err))
	}

	h.mu.Lock()
	delete(h.runs, jobID)
	h.mu.Unlock()

	h.jobs.Update(jobID, func(j *job.Job) {
		j.Status = status
		if outcome != nil {
			j.Result = outcome
			if status == job.StatusComplete {
				j.Progress = 100
			}
		}
		if err != nil {
			var coreErr *core.Error
			if !errors.As(err, &coreErr) {
				coreErr = core.WrapError(core.ErrBadRequest, err)
			}
			j.Error = coreErr
		}
	})

	if h.metrics != nil {
		h.metrics.RecordBacktest(string(status), elapsed.Seconds())
	}
	h.syncActive()

	h.hub.Publish(stream.Event{Type: stream.EventDone, JobID: jobID, Data: map[string]any{"status": status}})
	h.hub.Close(jobID)

	log.Info("backtest job finished",
		zap.String("status", string(status)),
		zap.Duration("elapsed", elapsed),
	)
}

// GetStatus returns the status of a backtest job.
func (h *BacktestHandler) GetStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := h.jobs.Get(jobID)
	if err != nil {
		response.Fail(w, err)
		return
	}

	resp := map[string]any{
		"job_id":   j.ID,
		"status":   j.Status,
		"progress": j.Progress,
	}
	if sim := h.simulator(jobID); sim != nil {
		resp["state"] = sim.State()
		resp["capital"] = sim.Ledger().Current()
		resp["open_trades"] = sim.Ledger().OpenTrades()
	}
	if j.Status.Done() && j.Result != nil {
		resp["result"] = j.Result
	}
	if j.Status == job.StatusFailed && j.Error != nil {
		resp["error"] = map[string]string{
			"code":    j.Error.Code,
			"message": j.Error.Message,
		}
	}

	response.JSON(w, http.StatusOK, resp)
}

// List returns a summary of every known job, newest first.
func (h *BacktestHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.List()
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, map[string]any{
			"job_id":     j.ID,
			"status":     j.Status,
			"progress":   j.Progress,
			"created_at": j.CreatedAt,
			"updated_at": j.UpdatedAt,
		})
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"jobs":  out,
		"count": len(out),
	})
}

// Pause holds a running backtest at its next bar.
func (h *BacktestHandler) Pause(w http.ResponseWriter, r *http.Request, jobID string) {
	h.control(w, jobID, (*backtest.Simulator).Pause, job.StatusPaused)
}

// Resume continues a paused backtest.
func (h *BacktestHandler) Resume(w http.ResponseWriter, r *http.Request, jobID string) {
	h.control(w, jobID, (*backtest.Simulator).Resume, job.StatusRunning)
}

// Stop ends a backtest after the bar in progress.
func (h *BacktestHandler) Stop(w http.ResponseWriter, r *http.Request, jobID string) {
	h.control(w, jobID, (*backtest.Simulator).Stop, "")
}

// SpeedRequest changes the playback speed of a running backtest.
type SpeedRequest struct {
	SpeedMultiplier *float64 `json:"speed_multiplier"`
}

// SetSpeed changes the realtime playback speed, clamped to [0.1, 10].
func (h *BacktestHandler) SetSpeed(w http.ResponseWriter, r *http.Request, jobID string) {
	var req SpeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fail(w, core.WrapError(core.ErrBadRequest, err))
		return
	}
	if req.SpeedMultiplier == nil || *req.SpeedMultiplier <= 0 {
		response.Fail(w, core.WrapError(core.ErrConfigInvalid, errors.New("speed_multiplier must be positive")))
		return
	}
	speed := *req.SpeedMultiplier
	h.control(w, jobID, func(sim *backtest.Simulator) error {
		if st := sim.State(); st != backtest.StateRunning && st != backtest.StatePaused {
			return core.ErrSimulationIdle
		}
		sim.SetSpeed(speed)
		return nil
	}, "")
}

func (h *BacktestHandler) control(w http.ResponseWriter, jobID string, fn func(*backtest.Simulator) error, status job.Status) {
	if _, err := h.jobs.Get(jobID); err != nil {
		response.Fail(w, err)
		return
	}
	sim := h.simulator(jobID)
	if sim == nil {
		response.Fail(w, core.ErrSimulationIdle)
		return
	}
	if err := fn(sim); err != nil {
		response.Fail(w, err)
		return
	}
	if status != "" {
		h.jobs.Update(jobID, func(j *job.Job) {
			if !j.Status.Done() {
				j.Status = status
			}
		})
	}

	resp := map[string]any{
		"job_id": jobID,
		"state":  sim.State(),
		"speed":  sim.Speed(),
	}
	if j, err := h.jobs.Get(jobID); err == nil {
		resp["status"] = j.Status
	}
	response.JSON(w, http.StatusOK, resp)
}

// TradesCSV downloads the closed trades of a finished backtest.
func (h *BacktestHandler) TradesCSV(w http.ResponseWriter, r *http.Request, jobID string) {
	h.csv(w, jobID, export.TradesFile, func(out io.Writer, res *backtest.Result) error {
		return backtest.WriteTradesCSV(out, res.Trades)
	})
}

// EquityCSV downloads the equity curve of a finished backtest.
func (h *BacktestHandler) EquityCSV(w http.ResponseWriter, r *http.Request, jobID string) {
	h.csv(w, jobID, export.EquityFile, func(out io.Writer, res *backtest.Result) error {
		return backtest.WriteEquityCSV(out, res.EquityCurve)
	})
}

func (h *BacktestHandler) csv(w http.ResponseWriter, jobID, name string, write func(io.Writer, *backtest.Result) error) {
	j, err := h.jobs.Get(jobID)
	if err != nil {
		response.Fail(w, err)
		return
	}
	outcome, ok := j.Result.(*Outcome)
	if !j.Status.Done() || !ok || outcome.Result == nil {
		response.Fail(w, core.WrapError(core.ErrSimulationRunning, errors.New("backtest has no result yet")))
		return
	}

	var buf bytes.Buffer
	if err := write(&buf, outcome.Result); err != nil {
		response.Fail(w, core.WrapError(core.ErrExportFailed, err))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+"-"+name))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Events streams trade and progress events of a job over a websocket.
func (h *BacktestHandler) Events(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := h.jobs.Get(jobID); err != nil {
		response.Fail(w, err)
		return
	}
	h.hub.Serve(w, r, jobID, h.logger)
}

// Strategies lists the registered strategies.
func (h *BacktestHandler) Strategies(w http.ResponseWriter, r *http.Request) {
	var names []string
	if h.strategies != nil {
		names = h.strategies.Names()
	}
	out := make([]map[string]string, 0, len(names))
	for _, name := range names {
		entry := map[string]string{"name": name}
		if s, err := h.strategies.New(name, strategy.Config{}); err == nil {
			entry["description"] = s.Description()
		}
		out = append(out, entry)
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"strategies": out,
	})
}

// Purge drops expired jobs and their stream markers.
func (h *BacktestHandler) Purge() int {
	removed := h.jobs.Purge()
	for _, id := range removed {
		h.hub.Forget(id)
	}
	if len(removed) > 0 {
		h.logger.Debug("purged expired jobs", zap.Int("count", len(removed)))
	}
	h.syncActive()
	return len(removed)
}

// Shutdown cancels every running backtest and waits for them to record
// their results.
func (h *BacktestHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, r := range h.runs {
		r.cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *BacktestHandler) simulator(jobID string) *backtest.Simulator {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.runs[jobID]; ok {
		return r.sim
	}
	return nil
}

func (h *BacktestHandler) syncActive() {
	if h.metrics != nil {
		h.metrics.SetJobsActive(h.jobs.Active())
	}
}
