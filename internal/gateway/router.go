package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aelexs/edge-auth-gateway/internal/authz"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/errmap"
	"github.com/aelexs/edge-auth-gateway/internal/metrics"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
)

// RouterConfig holds the ingress knobs.
type RouterConfig struct {
	AllowedOrigins []string
	// AuthRateLimit bounds requests per client IP per minute on /auth.
	AuthRateLimit int
}

// RouterDeps collects everything the router mounts.
type RouterDeps struct {
	Filter    *AuthFilter
	Auth      *AuthHandler
	Dashboard *DashboardHandler
	Proxy     *Proxy
	Collector *metrics.Collector
	Registry  *prometheus.Registry
	// DashboardPolicy is loaded per request so config reloads take effect.
	DashboardPolicy func() authz.Policy
	// Healthy lets the lifecycle runner flip /healthz to 503 while draining.
	Healthy func() bool
}

// NewRouter assembles the gateway's HTTP surface: the auth endpoints, the
// dashboard queries, the ops endpoints, and the downstream proxy as the
// catch-all.
func NewRouter(cfg RouterConfig, d RouterDeps) http.Handler {
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = 60
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(traceID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", domain.CSRFHeaderName},
		ExposedHeaders:   []string{domain.TraceHeaderName},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(recordRequests(d.Collector))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if d.Healthy != nil && !d.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"shutting_down"}`)
			return
		}
		fmt.Fprint(w, `{"status":"healthy"}`)
	})
	if d.Registry != nil {
		r.Method(http.MethodGet, "/metrics", observability.PrometheusHandler(d.Registry))
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(httprate.Limit(cfg.AuthRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
				errmap.WriteError(w, req, domain.ErrRateLimited)
			}),
		))
		r.Get("/login", d.Auth.Login)
		r.Get("/callback", d.Auth.Callback)
		r.Post("/logout", d.Auth.Logout)
		r.Get("/me", d.Auth.Me)
		r.Get("/status", d.Auth.Status)
	})

	r.Route("/api/v1/dashboard", func(r chi.Router) {
		r.Use(d.Filter.RequireSession)
		r.Use(d.Filter.RequirePolicy(d.DashboardPolicy))
		r.Get("/realtime", d.Dashboard.Realtime)
		r.Get("/services", d.Dashboard.Services)
		r.Get("/traffic", d.Dashboard.Traffic)
		r.Get("/latency", d.Dashboard.Latency)
		r.Get("/database", d.Dashboard.Database)
		r.Get("/redis", d.Dashboard.Redis)
		r.Get("/slow-endpoints", d.Dashboard.SlowEndpoints)
	})

	r.NotFound(d.Proxy.ServeHTTP)
	return r
}

// traceID propagates the inbound trace id, or mints one, and echoes it on
// the response so clients can correlate.
func traceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(domain.TraceHeaderName)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(domain.TraceHeaderName, id)
		next.ServeHTTP(w, r.WithContext(observability.ContextWithTraceID(r.Context(), id)))
	})
}

// recordRequests feeds every finished request to the metrics collector.
// The collector's store writes are fire-and-forget, so this adds no
// latency to the request itself.
func recordRequests(c *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			c.Record(metrics.RequestStat{
				Method:  r.Method,
				Path:    r.URL.Path,
				Status:  status,
				Latency: time.Since(start),
			})
		})
	}
}
