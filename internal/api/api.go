package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agerwick/backup-retention/internal/config"
	"github.com/agerwick/backup-retention/internal/metadata"
	"github.com/agerwick/backup-retention/internal/service"
	"github.com/go-errors/errors"
	"go.uber.org/zap"
)

// Backend is what the server reports on and triggers.
type Backend interface {
	// Start launches a run in the background, or returns service.ErrAlreadyRunning.
	Start(ctx context.Context, done func(*metadata.Report, error)) error
	LastRun() (*metadata.Report, error)
	Running() bool
	NextRun() *time.Time
}

type Server struct {
	config     *config.Config
	backend    Backend
	logger     *zap.Logger
	httpServer *http.Server

	// runCtx bounds runs started over HTTP; Shutdown cancels it.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func New(cfg *config.Config, backend Backend, metrics http.Handler, logger *zap.Logger) *Server {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		backend:   backend,
		logger:    logger,
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/run", s.handleRun)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/", s.handleRoot)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.config.ServicePort)
	s.httpServer.Addr = addr
	s.logger.Info("API server listening", zap.String("address", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelRun()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler for testing purposes
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"running":   s.backend.Running(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lastRun, err := s.backend.LastRun()
	if err != nil {
		s.logger.Warn("Failed to get last run", zap.Error(err))
	}

	statusData := map[string]interface{}{
		"directory":         s.config.Directory,
		"format":            s.config.Format,
		"retention":         s.config.Retention,
		"method":            s.config.Method,
		"action":            s.config.Action,
		"currently_running": s.backend.Running(),
		"scheduler_cron":    s.config.Schedule,
		"timezone":          s.config.TZ,
		"watch":             s.config.Watch,
	}

	if next := s.backend.NextRun(); next != nil {
		statusData["next_run"] = next.Format(time.RFC3339)
	}

	if lastRun == nil {
		statusData["status"] = "no_runs_yet"
		statusData["message"] = "No prune runs have been executed yet"
		statusData["last_run"] = nil
	} else {
		statusData["last_run"] = lastRun
	}

	s.jsonResponse(w, http.StatusOK, statusData)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := s.backend.Start(s.runCtx, func(report *metadata.Report, err error) {
		if err != nil {
			s.logger.Error("Triggered prune run failed", zap.Error(err))
			return
		}
		s.logger.Info("Triggered prune run completed",
			zap.String("run_id", report.RunID),
			zap.String("status", report.Status))
	})
	if errors.Is(err, service.ErrAlreadyRunning) {
		s.jsonResponse(w, http.StatusConflict, map[string]interface{}{
			"detail": "Prune run is already in progress",
		})
		return
	}
	if err != nil {
		s.logger.Error("Failed to start prune run", zap.Error(err))
		s.errorResponse(w, "Failed to start prune run", http.StatusInternalServerError)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"message":   "Prune run started in background",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, "Not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"service": "Backup Retention Service",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":    "/healthz",
			"readiness": "/readyz",
			"status":    "/status",
			"trigger":   "/run (POST)",
			"metrics":   "/metrics",
		},
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, statusCode int) {
	s.jsonResponse(w, statusCode, map[string]interface{}{
		"error": message,
	})
}
