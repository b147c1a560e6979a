package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/vmstore/internal/api/middleware"
	"github.com/flowpbx/vmstore/internal/voicemail"
)

// defaultMaxUpload caps deposited recordings (about an hour of G.711).
const defaultMaxUpload = 32 << 20

// ChangeWaiter blocks until the counts of a mailbox change.
type ChangeWaiter interface {
	WaitForChange(ctx context.Context, key string) (voicemail.Event, bool)
}

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret protects the mailbox routes with bearer tokens. Nil leaves
	// them open.
	JWTSecret []byte
	// TokenTTL is the lifetime of tokens issued by POST /token.
	TokenTTL   time.Duration
	TLSEnabled bool
	// Gatherer backs GET /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	// Changes backs the long-poll route; nil disables it.
	Changes   ChangeWaiter
	MaxUpload int64
	// UploadDir stages deposited recordings; empty uses the system
	// temporary directory.
	UploadDir string
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	svc         *voicemail.Service
	opts        Options
	authLimiter *middleware.KeyedLimiter
	logger      *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(svc *voicemail.Service, opts Options, logger *slog.Logger) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = middleware.DefaultTokenTTL
	}
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = defaultMaxUpload
	}
	s := &Server{
		router:      chi.NewRouter(),
		svc:         svc,
		opts:        opts,
		authLimiter: middleware.NewKeyedLimiter(middleware.AuthRateLimitConfig()),
		logger:      logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work of the server.
func (s *Server) Close() {
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.opts.TLSEnabled))

	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	authLimit := middleware.RateLimit(s.authLimiter, middleware.ClientIP, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		if s.opts.JWTSecret != nil {
			r.With(authLimit).Post("/token", s.handleToken)
		}

		r.Route("/mailboxes/{context}/{mailbox}", func(r chi.Router) {
			if s.opts.JWTSecret != nil {
				r.Use(middleware.RequireToken(s.opts.JWTSecret, s.logger))
			}
			r.Use(s.mailboxCtx)

			r.Get("/", s.handleCounts)
			r.Get("/wait", s.handleWait)
			r.Post("/messages", s.handleDeposit)
			r.With(authLimit).Put("/password", s.handlePassword)

			r.Route("/folders/{folder}", func(r chi.Router) {
				r.Use(s.folderCtx)
				r.Get("/", s.handleListFolder)
				r.Post("/close", s.handleClose)
				r.Route("/messages/{n}", func(r chi.Router) {
					r.Get("/audio", s.handleAudio)
					r.Post("/save", s.handleSave)
					r.Post("/forward", s.handleForward)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.svc.Backend().Name(),
	})
}

// fail logs unexpected errors and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "request_id", chimw.GetReqID(r.Context()), "error", err)
	} else {
		s.logger.Debug(op+" rejected", "status", status, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, msg)
}
