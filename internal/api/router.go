package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/averitt/tollgate/internal/admission"
	"github.com/averitt/tollgate/internal/gateway"
	"github.com/averitt/tollgate/internal/metrics"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Pipeline    *gateway.Pipeline
	Admin       *gateway.AdminHandler
	Admission   *admission.Controller
	Metrics     *metrics.Metrics
	AdminKey    string
	CORSOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.CORSOrigins))
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Metrics: Prometheus exposition plus a JSON summary.
	if deps.Metrics != nil {
		r.Get("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
		r.Get("/metrics/summary", deps.Metrics.Handler())
	}

	// Paid API surface: admission-controlled, payment-gated per request.
	r.Route("/api", func(ar chi.Router) {
		var onReject []func()
		if deps.Metrics != nil {
			onReject = append(onReject, deps.Metrics.IncAdmissionRejection)
		}
		ar.Use(admission.Middleware(deps.Admission, onReject...))

		ar.Get("/endpoints", deps.Admin.Endpoints)
		ar.Post("/batch", deps.Pipeline.HandleBatch)
		ar.Post("/batch/quote", deps.Pipeline.HandleBatchQuote)
		ar.Get("/{endpoint}", deps.Pipeline.ServeHTTP)
	})

	// Reputation surface (public, read-only).
	r.Get("/reputation/leaderboard", deps.Admin.Leaderboard)
	r.Get("/reputation/{agent}", deps.Admin.Reputation)

	// Operational surfaces (require admin key).
	r.Group(func(gr chi.Router) {
		gr.Use(adminAuthMiddleware(deps.AdminKey))

		gr.Get("/cache/stats", deps.Admin.CacheStats)
		gr.Post("/cache/clear", deps.Admin.CacheClear)
		gr.Post("/cache/clear/{namespace}", deps.Admin.CacheClear)

		gr.Get("/system/circuit-breakers", deps.Admin.Breakers)
		gr.Post("/system/circuit-breakers/{name}/reset", deps.Admin.BreakerReset)
	})

	return r
}
