// Package worker serves the sandbox side of the dispatch contract: it
// authenticates the gateway, bounds concurrency and runs code with the
// runtime registry.
package worker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"exec-gateway/internal/dispatch"
	"exec-gateway/internal/monitor"
	"exec-gateway/internal/runtime"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultMaxBodyBytes = 2 << 20
)

// Config controls a worker server.
type Config struct {
	// APIKey is the bearer token the gateway must present. Empty disables
	// the check.
	APIKey        string
	MaxConcurrent int
	MaxTimeout    time.Duration
	MaxBodyBytes  int64
}

// Server runs submitted code behind POST /execute.
type Server struct {
	cfg      Config
	registry *runtime.Registry
	metrics  *monitor.WorkerMetrics
	sem      chan struct{}
	server   *http.Server
	addr     string
	ln       net.Listener
}

// New creates a worker that will listen on addr.
func New(addr string, cfg Config, registry *runtime.Registry, metrics *monitor.WorkerMetrics) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if metrics == nil {
		metrics = monitor.NewWorkerMetrics()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		addr:     addr,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the worker's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.requireBearer(s.handleExecute))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Start begins listening. It returns an error if the bind fails.
// The server runs in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("worker listen: %w", err)
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("worker server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Int("max_concurrent", s.cfg.MaxConcurrent).Msg("worker listening")
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Close gracefully shuts down the worker.
func (s *Server) Close(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requireBearer validates the shared API key before running next.
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			presented, _ := strings.CutPrefix(r.Header.Get(dispatch.HeaderAuthorization), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.APIKey)) != 1 {
				s.metrics.Rejected.WithLabelValues("unauthorized").Inc()
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"languages": s.registry.Languages(),
		"capacity":  cap(s.sem),
		"active":    len(s.sem),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		s.metrics.Rejected.WithLabelValues("saturated").Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "worker at capacity"})
		return
	}

	var req dispatch.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		s.metrics.Rejected.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	execID := r.Header.Get(dispatch.HeaderExecutionID)
	resp := s.execute(r.Context(), execID, &req)
	writeJSON(w, http.StatusOK, resp)
}

// execute runs req and reports wall-clock time and heap growth.
func (s *Server) execute(ctx context.Context, execID string, req *dispatch.Request) *dispatch.Response {
	logger := log.With().Str("exec_id", execID).Str("language", req.Language).Str("client_id", req.ClientID).Logger()

	resp := &dispatch.Response{ExecutionID: execID, Output: []string{}}
	rt, err := s.registry.Get(req.Language)
	if err != nil {
		resp.Error = &dispatch.ErrorInfo{Type: "UnsupportedLanguage", Message: err.Error()}
		s.metrics.ExecutionsTotal.WithLabelValues("unsupported", "rejected").Inc()
		return resp
	}
	if err := rt.Validate(req.Code); err != nil {
		resp.Error = &dispatch.ErrorInfo{Type: "ValidationError", Message: err.Error()}
		s.metrics.ExecutionsTotal.WithLabelValues(rt.Name(), "rejected").Inc()
		return resp
	}

	timeout := s.timeout(req.Timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.metrics.ActiveExecutions.Inc()
	defer s.metrics.ActiveExecutions.Dec()

	var before, after goruntime.MemStats
	goruntime.ReadMemStats(&before)
	start := time.Now()

	result := runGuarded(ctx, rt, runtime.Job{
		Code:           req.Code,
		Language:       rt.Name(),
		Timeout:        timeout,
		AllowedModules: req.AllowedModules,
		Context:        req.Context,
	})

	elapsed := time.Since(start)
	goruntime.ReadMemStats(&after)

	resp.Success = result.Success
	if result.Output != nil {
		resp.Output = result.Output
	}
	resp.Result = result.Result
	if result.Error != nil {
		resp.Error = &dispatch.ErrorInfo{
			Message: result.Error.Message,
			Stack:   result.Error.Stack,
			Type:    result.Error.Type,
		}
	}
	resp.Metrics = dispatch.Metrics{
		ExecutionTimeMs:  elapsed.Milliseconds(),
		MemoryUsageBytes: max(int64(after.HeapAlloc)-int64(before.HeapAlloc), 0),
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	s.metrics.ExecutionsTotal.WithLabelValues(rt.Name(), outcome).Inc()
	s.metrics.ExecutionDuration.WithLabelValues(rt.Name()).Observe(elapsed.Seconds())

	logger.Info().
		Bool("success", result.Success).
		Dur("elapsed", elapsed).
		Int64("memory_bytes", resp.Metrics.MemoryUsageBytes).
		Msg("execution finished")
	return resp
}

// timeout converts the requested milliseconds into a run deadline, clamped
// to the configured maximum.
func (s *Server) timeout(ms int64) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d <= 0 {
		d = defaultTimeout
	}
	if s.cfg.MaxTimeout > 0 {
		d = min(d, s.cfg.MaxTimeout)
	}
	return d
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// runGuarded reports a panicking runtime as a failed program so the
// connection is answered instead of dropped.
func runGuarded(ctx context.Context, rt runtime.Runtime, job runtime.Job) (result runtime.Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("language", rt.Name()).Msg("runtime panicked")
			result = runtime.Result{
				Output: []string{},
				Error:  &runtime.Failure{Type: "InternalError", Message: fmt.Sprintf("runtime panic: %v", p)},
			}
		}
	}()
	return rt.Run(ctx, job)
}
