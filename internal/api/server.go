package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"exec-gateway/internal/config"
	"exec-gateway/internal/monitor"
)

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Server is the gateway's public HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
// health may be nil when running without a database.
func NewServer(cfg *config.Config, gw Gateway, health HealthChecker, metrics *monitor.Metrics) *Server {
	s := &Server{
		handlers:  NewHandlers(gw),
		cfg:       cfg,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(health, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(health HealthChecker, metrics *monitor.Metrics) http.Handler {
	sec := s.cfg.Security
	auth := NewAuthenticator(sec.APIKeys, sec.JWTSecret, sec.AllowUnauthenticated)
	if !auth.Configured() {
		if sec.AllowUnauthenticated {
			log.Warn().Msg("no API keys or JWT secret configured, allow_unauthenticated is true: all requests run as " + anonymousClient)
		} else {
			log.Warn().Msg("no API keys or JWT secret configured and allow_unauthenticated is false: all requests will be rejected")
		}
	}

	h := s.handlers
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/execute", h.HandleExecute)
	apiMux.HandleFunc("GET /v1/executions/{id}", h.HandleGetExecution)
	apiMux.HandleFunc("GET /v1/usage", h.HandleUsage)
	apiMux.HandleFunc("GET /v1/usage/summary", h.HandleUsageSummary)

	apiMux.HandleFunc("POST /v1/sessions", h.HandleCreateSession)
	apiMux.HandleFunc("GET /v1/sessions", h.HandleListSessions)
	apiMux.HandleFunc("GET /v1/sessions/public", h.HandleListPublicSessions)
	apiMux.HandleFunc("GET /v1/sessions/{id}", h.HandleGetSession)
	apiMux.HandleFunc("PATCH /v1/sessions/{id}", h.HandleUpdateSession)
	apiMux.HandleFunc("DELETE /v1/sessions/{id}", h.HandleDeleteSession)
	apiMux.HandleFunc("POST /v1/sessions/{id}/files", h.HandleAddFile)
	apiMux.HandleFunc("GET /v1/sessions/{id}/files/{fileId}", h.HandleGetFile)
	apiMux.HandleFunc("PUT /v1/sessions/{id}/files/{fileId}", h.HandleUpdateFile)
	apiMux.HandleFunc("DELETE /v1/sessions/{id}/files/{fileId}", h.HandleDeleteFile)
	apiMux.HandleFunc("POST /v1/sessions/{id}/collaborators", h.HandleAddCollaborator)
	apiMux.HandleFunc("DELETE /v1/sessions/{id}/collaborators/{userId}", h.HandleRemoveCollaborator)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(health))
	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", AuthMiddleware(auth)(apiMux))

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(health HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := health == nil || health.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}
		status := http.StatusOK
		if !dbOK {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
