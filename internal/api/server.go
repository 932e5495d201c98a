package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/config"
	"github.com/JakeFAU/multisession-harvester/internal/dispatcher"
	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/metrics"
	"github.com/JakeFAU/multisession-harvester/internal/progress"
)

const (
	// maxAccounts is the advertised upper bound of concurrent sessions per run.
	maxAccounts     = 80
	defaultTarget   = 50
	enqueueTimeout  = 5 * time.Second
	planTimeout     = 3 * time.Second
	maxRequestBytes = 1 << 20
)

// Submitter queues runs and stops them.
type Submitter interface {
	Submit(ctx context.Context, req harvest.RunRequest) (string, error)
	Cancel(runID string) bool
}

// Planner estimates the sessions a run would use.
type Planner interface {
	Plan(ctx context.Context, target int, mode harvest.Mode, topic string) (workers, available int, err error)
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Server wires HTTP handlers to the dispatcher and progress registry.
type Server struct {
	router    chi.Router
	submitter Submitter
	planner   Planner
	registry  *progress.Registry
	clock     harvest.Clock
	ready     []ReadyCheck
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	submitter Submitter,
	planner Planner,
	registry *progress.Registry,
	clock harvest.Clock,
	cfg config.Config,
	logger *zap.Logger,
	ready ...ReadyCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submitter: submitter,
		planner:   planner,
		registry:  registry,
		clock:     clock,
		ready:     ready,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/plan", s.plan)
		r.Route("/harvests", func(r chi.Router) {
			r.Post("/", s.submitHarvest)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getHarvest)
				r.Get("/progress", s.pollProgress)
				r.Delete("/", s.deleteHarvest)
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
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"timestamp":          s.clock.Now().Format(time.RFC3339),
		"max_accounts":       maxAccounts,
		"concurrent_support": true,
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ready {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type harvestRequest struct {
	Sheet       string `json:"sheet"`
	Topic       string `json:"topic"`
	Target      int    `json:"target"`
	Mode        string `json:"mode"`
	MaxAccounts int    `json:"max_accounts"`
}

func (s *Server) submitHarvest(w http.ResponseWriter, r *http.Request) {
	var body harvestRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Target == 0 {
		body.Target = defaultTarget
	}
	mode, err := harvest.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := harvest.RunRequest{
		Sheet:       body.Sheet,
		Topic:       body.Topic,
		Target:      body.Target,
		Mode:        mode,
		MaxAccounts: body.MaxAccounts,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	estimated, _, err := s.estimate(r.Context(), req.Target, mode, req.Topic)
	if err != nil {
		s.logger.Error("plan run failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "credentials unavailable")
		return
	}
	if req.MaxAccounts > 0 {
		estimated = min(estimated, req.MaxAccounts)
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	runID, err := s.submitter.Submit(ctx, req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, dispatcher.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("submit run failed", zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.Int("target", req.Target),
		zap.String("mode", string(mode)),
		zap.Int("estimated_accounts", estimated),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":            true,
		"run_id":             runID,
		"message":            "harvest started in background",
		"estimated_accounts": estimated,
		"target":             req.Target,
	})
}

type planRequest struct {
	Target int    `json:"target"`
	Mode   string `json:"mode"`
	Topic  string `json:"topic"`
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	var body planRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Target <= 0 {
		writeError(w, http.StatusBadRequest, "target must be > 0")
		return
	}
	mode, err := harvest.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workers, available, err := s.estimate(r.Context(), body.Target, mode, body.Topic)
	if err != nil {
		s.logger.Error("plan run failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "credentials unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"estimated_accounts": workers,
		"available_accounts": available,
		"mode":               mode,
		"target":             body.Target,
	})
}

func (s *Server) estimate(ctx context.Context, target int, mode harvest.Mode, topic string) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, planTimeout)
	defer cancel()
	workers, available, err := s.planner.Plan(ctx, target, mode, topic)
	if err != nil {
		return 0, 0, fmt.Errorf("plan: %w", err)
	}
	return workers, available, nil
}

func (s *Server) pollProgress(w http.ResponseWriter, r *http.Request) {
	tracker, ok := s.registry.Get(chi.URLParam(r, "run_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, tracker.Poll())
}

func (s *Server) getHarvest(w http.ResponseWriter, r *http.Request) {
	tracker, ok := s.registry.Get(chi.URLParam(r, "run_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, tracker.Peek())
}

func (s *Server) deleteHarvest(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, ok := s.registry.Get(runID); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	canceled := s.submitter.Cancel(runID)
	s.registry.Release(runID)
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "canceled": canceled, "released": true})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
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
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
