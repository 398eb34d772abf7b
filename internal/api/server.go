// Package api exposes the guardrail engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"trade-guardrails/internal/config"
	"trade-guardrails/internal/engine"
	"trade-guardrails/internal/health"
	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/metrics"
	"trade-guardrails/internal/security"
	"trade-guardrails/internal/stream"
)

// Server is the HTTP transport over one engine.
type Server struct {
	router    *mux.Router
	server    *http.Server
	engine    *engine.Engine
	metrics   *metrics.Metrics
	health    *health.Monitor
	events    *stream.Hub
	access    *security.AccessController
	validator *security.InputValidator
	logger    zerolog.Logger
	cfg       config.ServerConfig
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logging.WithComponent(logger, "api")
	}
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealth serves h on /health.
func WithHealth(h *health.Monitor) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithEvents streams hub events on /v1/events.
func WithEvents(hub *stream.Hub) Option {
	return func(s *Server) {
		s.events = hub
	}
}

// WithAccessController enforces read-only mode on write routes.
func WithAccessController(ac *security.AccessController) Option {
	return func(s *Server) {
		s.access = ac
	}
}

// WithStrictValidation requires an agent id on every proposal.
func WithStrictValidation() Option {
	return func(s *Server) {
		s.validator = security.NewInputValidator(true)
	}
}

// NewServer creates a server for eng.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		engine:    eng,
		validator: security.NewInputValidator(false),
		logger:    zerolog.Nop(),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.access == nil {
		s.access = security.NewAccessController(false, nil)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(jsonContentTypeMiddleware)

	// Proposals
	v1.HandleFunc("/proposals", s.guard(security.OpValidateTrade, s.validateProposal)).Methods(http.MethodPost)

	// Human review
	v1.HandleFunc("/hitl", s.listPending).Methods(http.MethodGet)
	v1.HandleFunc("/hitl/{id}", s.getRequest).Methods(http.MethodGet)
	v1.HandleFunc("/hitl/{id}/approve", s.guard(security.OpResolveHITL, s.resolve(true))).Methods(http.MethodPost)
	v1.HandleFunc("/hitl/{id}/reject", s.guard(security.OpResolveHITL, s.resolve(false))).Methods(http.MethodPost)

	// Portfolio ledger
	v1.HandleFunc("/positions", s.guard(security.OpOpenPosition, s.addPosition)).Methods(http.MethodPost)
	v1.HandleFunc("/positions/{id}", s.guard(security.OpClosePosition, s.closePosition)).Methods(http.MethodDelete)
	v1.HandleFunc("/prices", s.guard(security.OpMarkPrice, s.markPrice)).Methods(http.MethodPost)
	v1.HandleFunc("/portfolio", s.guard(security.OpUpdatePortfolio, s.updatePortfolio)).Methods(http.MethodPatch)
	v1.HandleFunc("/portfolio/reduce", s.guard(security.OpReducePositions, s.reducePositions)).Methods(http.MethodPost)
	v1.HandleFunc("/portfolio/reset", s.guard(security.OpUpdatePortfolio, s.resetPnL)).Methods(http.MethodPost)

	// Circuit breaker
	v1.HandleFunc("/halt", s.guard(security.OpHaltTrading, s.halt)).Methods(http.MethodPost)
	v1.HandleFunc("/resume", s.guard(security.OpResumeTrading, s.resume)).Methods(http.MethodPost)

	// Reporting
	v1.HandleFunc("/status", s.status).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/report", s.report).Methods(http.MethodGet)
	if s.events != nil {
		s.router.HandleFunc("/v1/events", s.streamEvents).Methods(http.MethodGet)
	}

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.health != nil {
		s.router.HandleFunc("/health", s.health.Handler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.notFound)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Bool("read_only", s.access.IsReadOnly()).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// guard rejects write operations in read-only mode.
func (s *Server) guard(op security.OperationType, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.access.CheckPermission(r.Context(), op); err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

// requestIDMiddleware propagates or assigns a request ID.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.New().String()[:8]
		}
		ctx := logging.WithRequestID(r.Context(), requestID)
		ctx = logging.WithLogger(ctx, logging.WithRequest(s.logger, requestID))
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs every request.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		logger := logging.FromContext(r.Context())
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request")
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses.
func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures HTTP status codes for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
