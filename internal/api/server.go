package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/checkpoint"
	"github.com/JakeFAU/crawlctl/internal/controller"
	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/id/uuid"
	"github.com/JakeFAU/crawlctl/internal/metrics"
	"github.com/JakeFAU/crawlctl/internal/pool"
)

// Crawl is the controller surface the operator API drives.
type Crawl interface {
	Report() controller.Report
	Progress() controller.Progress
	RequestStart() error
	RequestPause() error
	RequestResume() error
	RequestStop(exit crawl.ExitClass) error
	RequestCheckpoint(ctx context.Context) (<-chan checkpoint.Record, error)
	Workers() []pool.WorkerReport
	WorkerSummary() pool.Summary
	ResizePool(n int) error
	KillWorker(serial int, replace bool) error
	EngageSingleThreadMode(ctx context.Context) error
}

// Config tunes the Server.
type Config struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// CheckpointWait bounds how long POST /v1/crawl/checkpoint waits for
	// the record before answering 202.
	CheckpointWait time.Duration
}

// Server wires HTTP handlers to the crawl controller.
type Server struct {
	router chi.Router
	crawl  Crawl
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(c Crawl, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckpointWait <= 0 {
		cfg.CheckpointWait = 30 * time.Second
	}
	metrics.Init()
	s := &Server{
		crawl:  c,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/crawl", func(r chi.Router) {
			r.Get("/", s.getCrawl)
			r.Get("/progress", s.getProgress)
			r.Post("/start", s.lifecycle(s.crawl.RequestStart))
			r.Post("/pause", s.lifecycle(s.crawl.RequestPause))
			r.Post("/resume", s.lifecycle(s.crawl.RequestResume))
			r.Post("/stop", s.stopCrawl)
			r.Post("/checkpoint", s.checkpoint)
		})
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.listWorkers)
			r.Put("/", s.resizeWorkers)
			r.Post("/{serial}/kill", s.killWorker)
		})
		r.Post("/throttle/engage", s.engageThrottle)
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

func (s *Server) getCrawl(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.crawl.Report())
}

type progressResponse struct {
	State      string  `json:"state"`
	Documents  int64   `json:"documents"`
	Bytes      int64   `json:"bytes"`
	ElapsedMS  int64   `json:"elapsed_ms"`
	Active     int     `json:"active"`
	Total      int     `json:"total"`
	DocsPerSec float64 `json:"docs_per_sec"`
}

func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	p := s.crawl.Progress()
	s.writeJSON(w, http.StatusOK, progressResponse{
		State:      p.State.String(),
		Documents:  p.Documents,
		Bytes:      p.Bytes,
		ElapsedMS:  p.Elapsed.Milliseconds(),
		Active:     p.Active,
		Total:      p.Total,
		DocsPerSec: p.DocsPerSec,
	})
}

// lifecycle adapts a no-argument controller request into a handler that
// answers with the resulting state.
func (s *Server) lifecycle(request func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := request(); err != nil {
			s.writeRequestError(w, err)
			return
		}
		s.writeState(w, http.StatusAccepted)
	}
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	req := stopRequest{Reason: string(crawl.ExitAborted)}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	exit := crawl.ExitClass(req.Reason)
	if req.Reason == "" {
		exit = crawl.ExitAborted
	}
	if !exit.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown stop reason")
		return
	}
	if err := s.crawl.RequestStop(exit); err != nil {
		s.writeRequestError(w, err)
		return
	}
	s.writeState(w, http.StatusAccepted)
}

func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request) {
	// The checkpoint outlives the request.
	done, err := s.crawl.RequestCheckpoint(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeRequestError(w, err)
		return
	}
	timer := time.NewTimer(s.cfg.CheckpointWait)
	defer timer.Stop()
	select {
	case rec := <-done:
		code := http.StatusOK
		if rec.Failed() {
			code = http.StatusInternalServerError
		}
		s.writeJSON(w, code, rec)
	case <-timer.C:
		s.writeState(w, http.StatusAccepted)
	case <-r.Context().Done():
	}
}

type workersResponse struct {
	Summary pool.Summary        `json:"summary"`
	Workers []pool.WorkerReport `json:"workers"`
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, workersResponse{
		Summary: s.crawl.WorkerSummary(),
		Workers: s.crawl.Workers(),
	})
}

type resizeRequest struct {
	Size *int `json:"size"`
}

func (s *Server) resizeWorkers(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Size == nil {
		s.writeError(w, http.StatusBadRequest, "size required")
		return
	}
	if *req.Size < 0 {
		s.writeError(w, http.StatusBadRequest, "size must be >= 0")
		return
	}
	if err := s.crawl.ResizePool(*req.Size); err != nil {
		s.writeRequestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"size": *req.Size})
}

func (s *Server) killWorker(w http.ResponseWriter, r *http.Request) {
	serial, err := strconv.Atoi(chi.URLParam(r, "serial"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid worker serial")
		return
	}
	replace := false
	if v := r.URL.Query().Get("replace"); v != "" {
		replace, err = strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid replace flag")
			return
		}
	}
	if err := s.crawl.KillWorker(serial, replace); err != nil {
		s.writeRequestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"serial": serial, "replace": replace})
}

func (s *Server) engageThrottle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CheckpointWait)
	defer cancel()
	if err := s.crawl.EngageSingleThreadMode(ctx); err != nil {
		s.writeRequestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"single_thread_mode": true})
}

func (s *Server) writeState(w http.ResponseWriter, code int) {
	s.writeJSON(w, code, map[string]string{"state": s.crawl.Report().State})
}

// writeRequestError maps controller errors onto status codes.
func (s *Server) writeRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawl.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pool.ErrNoSuchWorker):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pool.ErrStopped):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewRequestID()
		}
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
			zap.String("request_id", RequestID(r.Context())),
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
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", RequestID(r.Context())),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
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
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
