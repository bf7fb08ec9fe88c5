// Package server implements the HTTP transport layer for the Tollgate gateway.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/affinity"
	"github.com/tollgatehq/tollgate/internal/billing"
	"github.com/tollgatehq/tollgate/internal/catalog"
	"github.com/tollgatehq/tollgate/internal/circuitbreaker"
	"github.com/tollgatehq/tollgate/internal/proxy"
	"github.com/tollgatehq/tollgate/internal/selector"
	"github.com/tollgatehq/tollgate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth     gateway.Authenticator
	Selector *selector.Selector
	Executor *proxy.Executor
	Sessions *affinity.Store
	Pricer   *billing.Pricer
	Quota    *billing.QuotaTracker
	Catalog  *catalog.Catalog
	Registry *circuitbreaker.Registry

	Sink       gateway.RequestLogSink // nil = no request logging
	Metrics    *telemetry.Metrics     // nil = no metrics
	Gatherer   prometheus.Gatherer    // nil = /metrics not mounted
	ReadyCheck ReadyChecker           // nil = always ready (for tests)

	// Invalidate fans the admin invalidation signal out to the catalog,
	// price, and key caches. nil = signal ignored.
	Invalidate func()

	// InternalToken guards the /internal plane. Empty disables it.
	InternalToken string

	// ProxyPrefix is stripped from inbound paths before classification.
	// Default is "" (classified paths mounted at the root).
	ProxyPrefix string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Internal plane (bearer token)
	if deps.InternalToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.internalAuth)
			r.Get("/internal/upstreams", s.handleInternalUpstreams)
			r.Post("/internal/invalidate", s.handleInternalInvalidate)
		})
	}

	// Client-facing proxy surface (auth required). Every classified path
	// funnels into one handler; the classifier decides what it is.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get(s.prefixed("/v1/models"), s.handleListModels)
		r.HandleFunc(s.prefixed("/*"), s.handleProxy)
	})

	return r
}

type server struct {
	deps Deps
}

func (s *server) prefixed(pattern string) string {
	return strings.TrimSuffix(s.deps.ProxyPrefix, "/") + pattern
}

// subPath strips the configured proxy prefix from the request path,
// yielding the sub-path forwarded to the upstream.
func (s *server) subPath(r *http.Request) string {
	p := strings.TrimSuffix(s.deps.ProxyPrefix, "/")
	if p == "" {
		return r.URL.Path
	}
	return strings.TrimPrefix(r.URL.Path, p)
}
