package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/config"
)

// BuildRouter constructs the ops HTTP handler with all middlewares and
// routes. The surface is operator-only JSON, so there is no CORS layer.
func BuildRouter(cfg config.Config, srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// Rate limit the endpoint that reads the live stores.
	r.Group(func(sr chi.Router) {
		sr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		sr.Get("/statusz", srv.StatuszHandler())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return SecurityHeaders(r)
}
