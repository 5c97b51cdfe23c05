// Package api exposes the HTTP interface for the spider service.
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

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/dispatcher"
	"github.com/JakeFAU/spider-pipeline/internal/metrics"
	"github.com/JakeFAU/spider-pipeline/internal/store"
)

const defaultRequestTimeout = 60 * time.Second

// Dispatcher starts and cancels crawl runs.
type Dispatcher interface {
	Submit(ctx context.Context, rawURLs []string) (crawler.Run, error)
	Cancel(ctx context.Context, runID string) error
}

// Options toggles server middleware.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	dispatcher Dispatcher
	runs       crawler.RunStore
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. stats may be nil,
// in which case the /api/runs endpoints answer 503.
func NewServer(
	dispatcher Dispatcher,
	runs crawler.RunStore,
	stats store.StatsRepository,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		dispatcher: dispatcher,
		runs:       runs,
		logger:     logger,
	}
	progress := NewProgressHandler(stats, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/v1/crawls", func(r chi.Router) {
			r.Post("/", s.submitCrawl)
			r.Get("/", s.listCrawls)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Post("/cancel", s.cancelCrawl)
			})
		})
		r.Route("/api/runs", func(r chi.Router) {
			r.Get("/", progress.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", progress.GetRun)
				r.Get("/stats", progress.GetRunStats)
				r.Get("/sites", progress.ListRunSites)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.dispatcher == nil || s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.dispatcher.Submit(r.Context(), req.URLs)
	if err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrNoSeeds), errors.Is(err, dispatcher.ErrInvalidSeed):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dispatcher.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("submit crawl failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start crawl")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": run.ID, "status": run.Status})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("list crawls failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list crawls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		if errors.Is(err, crawler.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load crawl")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.dispatcher.Cancel(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, crawler.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, dispatcher.ErrRunFinished):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("cancel crawl failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to cancel crawl")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "canceling"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestIDFrom(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
