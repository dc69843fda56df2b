// Package server implements the HTTP transport layer for the gateway:
// the OpenAI-compatible chat-completions surface, model listing,
// request cancellation, queue introspection, and health/metrics.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/cache"
	"github.com/kestrelgw/aistudio-gateway/internal/pipeline"
	"github.com/kestrelgw/aistudio-gateway/internal/ratelimit"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
	"github.com/kestrelgw/aistudio-gateway/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator validates an inbound request's credentials. Satisfied
// by *auth.KeyAuth; kept as an interface here so this package does not
// need to import auth.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth  Authenticator
	Queue *pipeline.Queue
	Gate  *pipeline.ParkingGate
	State *runtime.State
	Page  gateway.PageController

	ResponseTimeout time.Duration

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	RateLimiter    *ratelimit.Registry
	DefaultRPM     int64 // fallback RPM when per-key limiting is active

	ModelCache cache.Cache // nil disables the /v1/models response cache

	Profiles    gateway.ProfileStore // nil disables /v1/profiles/health
	ProfileDirs []string             // directories ProfileStore.ListProfiles scans
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.ResponseTimeout == 0 {
		deps.ResponseTimeout = 280 * time.Second
	}
	s := &server{deps: deps, inFlight: make(map[string]*gateway.QueueItem)}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/health", s.handleHealthz)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
		r.Post("/v1/cancel/{req_id}", s.handleCancel)
		r.Get("/v1/queue", s.handleQueueStatus)
		if deps.Profiles != nil {
			r.Get("/v1/profiles/health", s.handleProfilesHealth)
		}
	})

	return r
}

type server struct {
	deps Deps

	inFlightMu sync.Mutex
	inFlight   map[string]*gateway.QueueItem
}

func (s *server) registerInFlight(reqID string, item *gateway.QueueItem) {
	s.inFlightMu.Lock()
	s.inFlight[reqID] = item
	s.inFlightMu.Unlock()
}

func (s *server) deregisterInFlight(reqID string) {
	s.inFlightMu.Lock()
	delete(s.inFlight, reqID)
	s.inFlightMu.Unlock()
}

func (s *server) lookupInFlight(reqID string) (*gateway.QueueItem, bool) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	item, ok := s.inFlight[reqID]
	return item, ok
}
