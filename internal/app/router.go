// Package app assembles the pieces the binaries share: the admin API
// router and the readiness probes behind it.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/httpserver"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
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

// BuildRouter constructs the admin API handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/v1", func(v1 chi.Router) {
		// The guard covers reads too: proxy listings return credentialed URLs.
		if cfg.AdminEnabled() {
			v1.Use(srv.TokenGuard())
		}

		// Mutating endpoints carry a per-IP rate limit.
		v1.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/tasks", srv.CreateTaskHandler())
			wr.Patch("/tasks/{id}", srv.UpdateTaskHandler())
			wr.Delete("/tasks/{id}", srv.DeleteTaskHandler())
			wr.Post("/tasks/{id}/activate", srv.SetTaskActiveHandler(true))
			wr.Post("/tasks/{id}/deactivate", srv.SetTaskActiveHandler(false))
			wr.Post("/tasks/{id}/reset-next-check", srv.ResetTaskHandler())
			wr.Post("/proxies", srv.AddProxyHandler())
			wr.Delete("/proxies/{id}", srv.DeleteProxyHandler())
			wr.Post("/proxies/{id}/activate", srv.SetProxyActiveHandler(true))
			wr.Post("/proxies/{id}/deactivate", srv.SetProxyActiveHandler(false))
			wr.Post("/proxies/check", srv.CheckProxiesHandler())
			wr.Post("/proxies/dedupe", srv.DedupeProxiesHandler())
			wr.Delete("/items", srv.PurgeItemsHandler())
		})

		// Read-only endpoints.
		v1.Get("/tasks", srv.ListTasksHandler())
		v1.Get("/tasks/{id}", srv.GetTaskHandler())
		v1.Get("/proxies", srv.ListProxiesHandler())
		v1.Get("/items", srv.ListItemsHandler())
		v1.Get("/stats", srv.StatsHandler())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
