package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice,
// trimming spaces. An empty input allows every origin.
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

// BuildRouter constructs the HTTP handler with all middleware and the
// routes from the External Interfaces table: task lifecycle, review
// decisions, streaming progress, and health/readiness.
func BuildRouter(cfg config.Config, srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pub chi.Router) {
		pub.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		pub.Post("/v1/auth/login", srv.LoginHandler())
	})

	r.Group(func(api chi.Router) {
		api.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		api.Use(srv.Sessions.BearerAuth)

		api.Route("/v1/tasks", func(tr chi.Router) {
			tr.Post("/", srv.EnqueueTaskHandler())
			tr.Get("/{id}", srv.TaskStatusHandler())
			tr.Post("/{id}/cancel", srv.CancelTaskHandler())
			tr.Get("/{id}/results", srv.TaskResultsHandler())
			tr.Get("/{id}/stream", srv.Hub.ServeHTTP)
		})
		api.Post("/v1/images/{id}/review", srv.ReviewImageHandler())
		api.Post("/v1/batches/{batch_id}/review", srv.BulkReviewHandler())
	})

	return SecurityHeaders(r)
}
