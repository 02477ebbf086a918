package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/sonicx222/arb-coordinator/internal/adapter/httpserver"
	adapter "github.com/sonicx222/arb-coordinator/internal/adapter/observability"
	"github.com/sonicx222/arb-coordinator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the status HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, src httpserver.StatusSource) http.Handler {
	srv := httpserver.NewServer(src)

	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(adapter.HTTPMetricsMiddleware)
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/health", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/status", srv.StatusHandler())
	r.Get("/opportunities", srv.OpportunitiesHandler())
	r.Get("/services", srv.ServicesHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return otelhttp.NewHandler(r, "coordinator-http")
}
