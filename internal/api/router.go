package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/cyber-range/engine/internal/api/handlers"
	mw "github.com/cyber-range/engine/internal/api/middleware"
	"github.com/cyber-range/engine/pkg/metrics"
)

type Dependencies struct {
	DeploymentsHandler *handlers.DeploymentsHandler
	HealthHandler      *handlers.HealthHandler
	// Metrics may be nil, which disables /metrics.
	Metrics        *metrics.Metrics
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	if dep.Metrics != nil {
		r.Use(mw.Metrics(dep.Metrics))
	}
	r.Use(mw.CORS)
	r.Use(chimid.Compress(5))

	// Health endpoints
	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)
	if dep.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", dep.Metrics.Handler())
	}

	r.Group(func(lab chi.Router) {
		lab.Use(mw.RateLimit(dep.RateLimitRPS, dep.RateLimitBurst))

		lab.Get("/deployments", dep.DeploymentsHandler.List)
		lab.Post("/deploy", dep.DeploymentsHandler.Deploy)
		lab.Delete("/destroy/{id}", dep.DeploymentsHandler.Destroy)
		lab.Get("/status/{id}", dep.DeploymentsHandler.Status)
		lab.Get("/scenarios", dep.DeploymentsHandler.Scenarios)
	})

	return r
}
