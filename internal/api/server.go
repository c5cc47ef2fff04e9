// Package api exposes the HTTP interface for the publications scraper
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maghrebdata/courtpubs/internal/config"
	"github.com/maghrebdata/courtpubs/internal/metrics"
	"github.com/maghrebdata/courtpubs/internal/scrape"
)

// Scraper is the orchestrator surface the API depends on.
type Scraper interface {
	Start(ctx context.Context, cfg scrape.CrawlConfig) (scrape.CrawlResult, error)
	Stop() error
	Status() scrape.RunStatus
	LastRun(ctx context.Context) (scrape.RunMarker, bool)
}

// Server wires HTTP handlers to the orchestrator and the corpus store.
type Server struct {
	router  chi.Router
	scraper Scraper
	store   scrape.Store
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(scraper Scraper, store scrape.Store, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	s := &Server{
		scraper: scraper,
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/scrape", s.triggerScrape)
		r.Post("/scrape/stop", s.stopScrape)
		r.Get("/status", s.getStatus)
		r.Get("/publications", s.listPublications)
		r.Get("/publications/{year}", s.listPublicationsByYear)
		r.Get("/publications/category/{category}", s.listPublicationsByCategory)
		r.Get("/categories", s.listCategories)
		r.Post("/search", s.searchPublications)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Ready once the store answers; the corpus may legitimately be empty.
	if _, err := s.store.Count(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	MaxPages      int  `json:"max_pages"`
	ForceRescrape bool `json:"force_rescrape"`
}

type scrapeResponse struct {
	Success           bool    `json:"success"`
	State             string  `json:"state"`
	PublicationsCount int     `json:"publications_count"`
	PagesVisited      int     `json:"pages_visited"`
	Elapsed           float64 `json:"execution_time_seconds"`
	Error             string  `json:"error,omitempty"`
}

// triggerScrape runs one crawl synchronously. The run is bounded by a hard
// wall-clock cap derived from the page budget; an in-flight fetch finishes
// on its own, the loop stops at the next page boundary.
func (s *Server) triggerScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunBudget(req.MaxPages))
	defer cancel()

	result, err := s.scraper.Start(ctx, scrape.CrawlConfig{
		MaxPages:      req.MaxPages,
		ForceRescrape: req.ForceRescrape,
	})
	switch {
	case errors.Is(err, scrape.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, "a scrape run is already in progress")
		return
	case errors.Is(err, scrape.ErrInvalidConfig):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("scrape trigger failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "scrape failed to start")
		return
	}

	resp := scrapeResponse{
		Success:           result.State == scrape.RunStateCompleted || result.State == scrape.RunStateStopped,
		State:             string(result.State),
		PublicationsCount: result.PublicationsCount,
		PagesVisited:      result.PagesVisited,
		Elapsed:           result.Elapsed,
	}
	if result.State == scrape.RunStateFailed {
		resp.Error = s.scraper.Status().Error
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stopScrape(w http.ResponseWriter, _ *http.Request) {
	if err := s.scraper.Stop(); err != nil {
		if errors.Is(err, scrape.ErrNotRunning) {
			s.writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"error":   "no scrape run is in progress",
			})
			return
		}
		s.logger.Error("stop request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type statusResponse struct {
	Status            string     `json:"status"`
	IsRunning         bool       `json:"is_running"`
	TotalPublications int        `json:"total_publications"`
	AvailableYears    []int      `json:"available_years"`
	PagesVisited      int        `json:"pages_visited"`
	RecordsFound      int        `json:"records_found"`
	RecordsSkipped    int        `json:"records_skipped"`
	LastRun           *time.Time `json:"last_run,omitempty"`
	LastRunDuration   float64    `json:"last_run_duration_seconds,omitempty"`
	Message           string     `json:"message,omitempty"`
	Error             string     `json:"error,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := s.scraper.Status()

	resp := statusResponse{
		Status:         string(status.State),
		IsRunning:      status.State == scrape.RunStateRunning || status.State == scrape.RunStateStopping,
		PagesVisited:   status.PagesVisited,
		RecordsFound:   status.RecordsFound,
		RecordsSkipped: status.RecordsSkipped,
		Message:        status.Message,
		Error:          status.Error,
	}
	if count, err := s.store.Count(r.Context()); err == nil {
		resp.TotalPublications = count
	}
	if years, err := s.store.Years(r.Context()); err == nil {
		resp.AvailableYears = years
	}
	if marker, ok := s.scraper.LastRun(r.Context()); ok {
		resp.LastRun = marker.LastRun
		resp.LastRunDuration = marker.LastTotals.Duration().Seconds()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

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
