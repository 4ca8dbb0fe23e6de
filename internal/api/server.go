package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apihandler "github.com/newthinker/tradesim/internal/api/handler/api"
	"github.com/newthinker/tradesim/internal/api/job"
	"github.com/newthinker/tradesim/internal/api/middleware"
	"github.com/newthinker/tradesim/internal/api/stream"
	"github.com/newthinker/tradesim/internal/backtest"
	"github.com/newthinker/tradesim/internal/export"
	"github.com/newthinker/tradesim/internal/feed"
	"github.com/newthinker/tradesim/internal/metrics"
	"github.com/newthinker/tradesim/internal/strategy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultJanitorInterval = time.Minute

// Server represents the HTTP server for tradesim
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	backtests  *apihandler.BacktestHandler
	janitor    time.Duration
	stop       chan struct{}
}

// Config holds server configuration
type Config struct {
	Host   string
	Port   int
	APIKey string

	// MetricsPath serves the Prometheus registry when metrics are provided.
	MetricsPath string

	// JanitorInterval is how often expired jobs are purged.
	JanitorInterval time.Duration
}

// Dependencies are the collaborators the routes are served from. Jobs and
// Hub are created when nil; Provider, Exporter and Metrics are optional.
type Dependencies struct {
	Strategies *strategy.Registry
	Provider   feed.Provider
	Defaults   backtest.Options
	Jobs       *job.Store
	Hub        *stream.Hub
	Exporter   *export.Exporter
	Metrics    *metrics.Registry
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Strategies == nil {
		return nil, fmt.Errorf("strategy registry is required")
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}

	mux := http.NewServeMux()
	s := &Server{
		logger: logger,
		mux:    mux,
		backtests: apihandler.NewBacktestHandler(apihandler.BacktestDeps{
			Jobs:       deps.Jobs,
			Hub:        deps.Hub,
			Strategies: deps.Strategies,
			Provider:   deps.Provider,
			Defaults:   deps.Defaults,
			Metrics:    deps.Metrics,
			Exporter:   deps.Exporter,
			Logger:     logger,
		}),
		janitor: cfg.JanitorInterval,
		stop:    make(chan struct{}),
	}

	s.setupRoutes(cfg, deps.Metrics)

	var handler http.Handler = mux
	if deps.Metrics != nil {
		handler = metrics.HTTPMiddleware(deps.Metrics)(handler)
	}
	handler = metrics.LoggingMiddleware(logger)(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(cfg Config, reg *metrics.Registry) {
	auth := middleware.APIKeyAuth(cfg.APIKey)
	v1 := func(pattern string, fn http.HandlerFunc) {
		s.mux.Handle(pattern, auth(fn))
	}
	withID := func(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			fn(w, r, r.PathValue("id"))
		}
	}

	h := s.backtests
	v1("POST /api/v1/backtests", h.Create)
	v1("GET /api/v1/backtests", h.List)
	v1("GET /api/v1/backtests/{id}", withID(h.GetStatus))
	v1("POST /api/v1/backtests/{id}/pause", withID(h.Pause))
	v1("POST /api/v1/backtests/{id}/resume", withID(h.Resume))
	v1("POST /api/v1/backtests/{id}/stop", withID(h.Stop))
	v1("POST /api/v1/backtests/{id}/speed", withID(h.SetSpeed))
	v1("GET /api/v1/backtests/{id}/trades.csv", withID(h.TradesCSV))
	v1("GET /api/v1/backtests/{id}/equity.csv", withID(h.EquityCSV))
	v1("GET /api/v1/backtests/{id}/events", withID(h.Events))
	v1("GET /api/v1/strategies", h.Strategies)

	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	if reg != nil && cfg.MetricsPath != "" {
		s.mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(reg.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root handler including middleware
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and the expired job janitor
func (s *Server) Start() error {
	go s.runJanitor()

	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and cancels running backtests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}

	err := s.httpServer.Shutdown(ctx)
	if berr := s.backtests.Shutdown(ctx); berr != nil && err == nil {
		err = fmt.Errorf("waiting for backtests: %w", berr)
	}
	return err
}

func (s *Server) runJanitor() {
	ticker := time.NewTicker(s.janitor)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.backtests.Purge()
		case <-s.stop:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
