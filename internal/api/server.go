package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
	"github.com/JakeFAU/contentgen-pipeline/internal/admission"
	"github.com/JakeFAU/contentgen-pipeline/internal/metrics"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
	"github.com/JakeFAU/contentgen-pipeline/internal/publisher"
)

// JobPublisher queues admitted jobs.
type JobPublisher interface {
	Publish(ctx context.Context, payload pipeline.Payload, hook *pipeline.Webhook) (publisher.Receipt, error)
}

// ReadinessChecker reports whether the broker can take traffic.
type ReadinessChecker interface {
	EnsureReady(ctx context.Context) error
}

// Config carries the HTTP knobs.
type Config struct {
	AdminSecret    string
	TrustForwarded bool
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// Server wires HTTP handlers to the admission gate, the ledger and the publisher.
type Server struct {
	router    chi.Router
	gate      *admission.Gate
	ledger    access.Ledger
	publisher JobPublisher
	ready     ReadinessChecker
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	gate *admission.Gate,
	ledger access.Ledger,
	pub JobPublisher,
	ready ReadinessChecker,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		gate:      gate,
		ledger:    ledger,
		publisher: pub,
		ready:     ready,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Use(bodyLimitMiddleware(cfg.MaxBodyBytes))

		r.Post("/jobs", s.createJob)
		r.Route("/access", func(r chi.Router) {
			r.Post("/requests", s.requestAccess)
			r.Get("/me", s.accessMe)
			r.Group(func(r chi.Router) {
				r.Use(adminMiddleware(cfg.AdminSecret))
				r.Get("/", s.listAccess)
				r.Patch("/", s.setAccessStatus)
			})
		})
		r.Route("/internal", func(r chi.Router) {
			r.Use(adminMiddleware(cfg.AdminSecret))
			r.Post("/jobs", s.createInternalJob)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.ready.EnsureReady(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) clientIP(r *http.Request) string {
	return admission.ClientIP(r, s.cfg.TrustForwarded)
}
