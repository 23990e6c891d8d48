// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/httpserver"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Authenticated API surface.
	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.UserAuth())

		// Rate limit and bound mutating endpoints.
		ar.Group(func(wr chi.Router) {
			wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/api/scrape", srv.ScrapeHandler())
			wr.Post("/api/analyze", srv.AnalyzeHandler())
			wr.Post("/api/recommendations", srv.RecommendationsHandler())
			wr.Post("/api/jobs/{id}/cancel", srv.CancelHandler())
		})

		ar.Group(func(rr chi.Router) {
			rr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
			rr.Get("/api/jobs", srv.JobsHandler())
			rr.Get("/api/jobs/{id}", srv.JobHandler())
			rr.Get("/api/scrape/status", srv.ScrapeStatusHandler())
			rr.Get("/api/analysis", srv.AnalysisGetHandler())
			rr.Get("/api/recommendations", srv.RecommendationsGetHandler())
			rr.Get("/api/products", srv.ProductsHandler())
			rr.Get("/api/credits", srv.CreditsHandler())
		})

		// The SSE stream holds its connection open; no timeout middleware.
		ar.Get("/api/jobs/{id}/stream", srv.StreamHandler())
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
