// Package api implements the evaluation control plane's only external
// surface: POST /eval accepts untrusted code and returns a server-issued
// id, GET /eval/{id} and GET /evaluations read back durable state, GET
// /events streams lifecycle transitions, and GET /health and GET /status
// report liveness and aggregate counters. Every other component only ever
// sees evaluations that passed through here.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/crucible-platform/crucible/internal/ephemeralkv"
	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/idgen"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/queue"
	"github.com/crucible-platform/crucible/internal/store"
)

// Metrics is the narrow surface the gateway needs from the metrics package.
type Metrics interface {
	IncRequest(route, method string, status int)
}

type noopMetrics struct{}

func (noopMetrics) IncRequest(string, string, int) {}

// ValidationConfig bounds what POST /eval accepts, per spec section 4.1.
type ValidationConfig struct {
	AllowedLanguages []string
	AllowedImages    []string
	MaxCodeBytes     int64

	DefaultTimeoutSeconds int
	DefaultMemoryBytes    int64
	DefaultCPUShares      int
	DefaultPriority       model.Priority

	MaxTimeoutSeconds int
	MaxMemoryBytes    int64
	MaxCPUShares      int
}

// Server holds every dependency the handlers need and builds the chi
// router. It holds no mutable state of its own beyond what its
// dependencies already own.
type Server struct {
	router chi.Router

	store   store.ReaderWriter
	bus     eventbus.EventBus
	kv      ephemeralkv.Engine
	ids     *idgen.Generator
	routing *queue.Router
	queues  map[model.Route]queue.Queue
	legacy  queue.Queue

	validation ValidationConfig
	idempotencyWindow time.Duration

	rateLimiter flowcontrol.RateLimiter

	metrics Metrics
	logger  *slog.Logger
	source  string
	startedAt time.Time
	version string
}

// Option configures a Server at construction time.
type Option func(*Server)

func WithMetrics(m Metrics) Option     { return func(s *Server) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }
func WithSource(source string) Option  { return func(s *Server) { s.source = source } }
func WithVersion(v string) Option      { return func(s *Server) { s.version = v } }

// WithRateLimit caps accepted POST /eval requests to qps with a burst of
// burst; requests beyond that receive 429. A qps of 0 disables the limiter.
func WithRateLimit(qps float32, burst int) Option {
	return func(s *Server) {
		if qps <= 0 {
			return
		}
		s.rateLimiter = flowcontrol.NewTokenBucketRateLimiter(qps, burst)
	}
}

// New builds a Server wired against its dependencies. primary handles
// model.RoutePrimary envelopes, legacy handles model.RouteLegacy.
func New(
	rw store.ReaderWriter,
	bus eventbus.EventBus,
	kv ephemeralkv.Engine,
	routing *queue.Router,
	primary, legacy queue.Queue,
	validation ValidationConfig,
	idempotencyWindow time.Duration,
	opts ...Option,
) *Server {
	s := &Server{
		store:   rw,
		bus:     bus,
		kv:      kv,
		ids:     idgen.New(),
		routing: routing,
		queues: map[model.Route]queue.Queue{
			model.RoutePrimary: primary,
			model.RouteLegacy:  legacy,
		},
		legacy:            legacy,
		validation:        validation,
		idempotencyWindow: idempotencyWindow,
		metrics:           noopMetrics{},
		logger:            slog.Default(),
		source:            "api-gateway",
		startedAt:         time.Now(),
		version:           "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Post("/eval", s.handleSubmit)
	r.Get("/eval/{id}", s.handleGet)
	r.Get("/evaluations", s.handleList)
	r.Get("/events", s.handleEvents)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	// Legacy queue HTTP surface (spec 4.4): lets an out-of-process
	// dispatcher that cannot share this gateway's in-memory LegacyQueue
	// pull and settle envelopes over the network instead.
	r.Post("/tasks", s.handleTaskEnqueue)
	r.Get("/tasks/next", s.handleTaskNext)
	r.Post("/tasks/{id}/complete", s.handleTaskComplete)
	r.Post("/tasks/{id}/fail", s.handleTaskFail)

	s.router = r
	return s
}

// Router returns the http.Handler to mount on an *http.Server.
func (s *Server) Router() http.Handler { return s.router }

// logRequests is a chi middleware recording each request's route pattern,
// method, and final status against Metrics, in the teacher's structured
// logging style.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		s.metrics.IncRequest(routePattern, r.Method, ww.Status())
		s.logger.Info("request",
			"method", r.Method,
			"path", routePattern,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
