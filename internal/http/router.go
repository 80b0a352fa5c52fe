// Package httpapi assembles the server's HTTP surface: the protocol
// endpoint wrapped in its middleware chain, a health endpoint for
// probes and the Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aryla/kuha/internal/oai/handler"
	"github.com/aryla/kuha/internal/platform/middleware"
	"github.com/aryla/kuha/internal/ratelimit"
)

// HealthFunc pings one backing service.
type HealthFunc func(ctx context.Context) error

type check struct {
	name string
	ping HealthFunc
}

type options struct {
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	checks  []check
}

// Option configures the router.
type Option func(*options)

// WithLogger sets the logger the middleware chain logs through.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRateLimit applies limiter to the protocol endpoint. Health and
// metrics stay unlimited so probes keep working while clients are
// throttled.
func WithRateLimit(limiter *ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = limiter
	}
}

// WithHealthCheck registers a dependency the health endpoint pings.
func WithHealthCheck(name string, ping HealthFunc) Option {
	return func(o *options) {
		o.checks = append(o.checks, check{name: name, ping: ping})
	}
}

// New assembles the server's router around the protocol endpoint.
func New(protocol *handler.Handler, opts ...Option) chi.Router {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(o.logger))
	r.Use(middleware.Recovery(o.logger))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(o.limiter, o.logger))
		protocol.Register(r)
	})

	r.Get("/healthz", healthHandler(o.checks))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// healthHandler answers 200 once every registered dependency responds.
func healthHandler(checks []check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if err := c.ping(r.Context()); err != nil {
				http.Error(w, c.name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}
}
