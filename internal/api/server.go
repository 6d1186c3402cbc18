// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/config"
	"github.com/dhkim0920/termharvest/internal/credential"
	"github.com/dhkim0920/termharvest/internal/harvest"
	"github.com/dhkim0920/termharvest/internal/metrics"
	"github.com/dhkim0920/termharvest/internal/middleware"
	"github.com/dhkim0920/termharvest/internal/orchestrator"
)

// maxSeedsPerRequest bounds one on-demand harvest call.
const maxSeedsPerRequest = 20

// Server wires HTTP handlers to the orchestrator and record store.
type Server struct {
	router   chi.Router
	orch     *orchestrator.Orchestrator
	store    harvest.RecordStore
	settings harvest.SettingsStore
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	orch *orchestrator.Orchestrator,
	store harvest.RecordStore,
	settings harvest.SettingsStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		orch:     orch,
		store:    store,
		settings: settings,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Metrics)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.ServerTimeout()))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/batch", s.runBatch)
		r.Post("/harvest", s.harvestSeeds)
		r.Get("/status", s.status)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.CountByState(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type batchRequest struct {
	Expand        *bool `json:"expand"`
	FillDocs      *bool `json:"fill_docs"`
	ExpandLimit   int   `json:"expand_limit"`
	FillLimit     int   `json:"fill_limit"`
	Lanes         int   `json:"lanes"`
	MinVolume     int   `json:"min_volume"`
	SkipDocFetch  bool  `json:"skip_doc_fetch"`
	MaxRunSeconds int   `json:"max_run_seconds"`
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	opts := orchestrator.Options{
		// an empty body runs both tasks
		Expand:         req.Expand == nil || *req.Expand,
		FillDocs:       req.FillDocs == nil || *req.FillDocs,
		ExpandLimit:    req.ExpandLimit,
		FillLimit:      req.FillLimit,
		Lanes:          req.Lanes,
		MinVolume:      req.MinVolume,
		SkipDocFetch:   req.SkipDocFetch,
		MaxRunDuration: time.Duration(req.MaxRunSeconds) * time.Second,
	}
	if !opts.Expand && !opts.FillDocs {
		s.writeError(w, http.StatusBadRequest, "at least one of expand or fill_docs required")
		return
	}
	report := s.orch.RunBatch(r.Context(), opts)
	s.writeJSON(w, http.StatusOK, report)
}

type harvestRequest struct {
	Seeds        []string `json:"seeds"`
	MinVolume    int      `json:"min_volume"`
	SkipDocFetch bool     `json:"skip_doc_fetch"`
}

func (s *Server) harvestSeeds(w http.ResponseWriter, r *http.Request) {
	var req harvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	seeds := make([]string, 0, len(req.Seeds))
	for _, raw := range req.Seeds {
		if term := harvest.NormalizeTerm(raw); term != "" {
			seeds = append(seeds, term)
		}
	}
	if len(seeds) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one seed required")
		return
	}
	if len(seeds) > maxSeedsPerRequest {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d seeds per request", maxSeedsPerRequest))
		return
	}

	report, err := s.orch.HarvestSeeds(r.Context(), seeds, orchestrator.Options{
		MinVolume:    req.MinVolume,
		SkipDocFetch: req.SkipDocFetch,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type statusResponse struct {
	Mode      harvest.Mode            `json:"mode"`
	Counts    harvest.StateCounts     `json:"counts"`
	Pools     []credential.Summary    `json:"pools"`
	CacheSize int                     `json:"cache_size"`
	LastRun   *orchestrator.RunReport `json:"last_run,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to count records")
		return
	}
	mode, err := s.settings.OperatingMode(r.Context())
	if err != nil {
		mode = harvest.ModeScheduled
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Mode:      mode,
		Counts:    counts,
		Pools:     s.orch.PoolSummaries(),
		CacheSize: s.orch.CacheSize(),
		LastRun:   s.orch.LastReport(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
