package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frahmantamala/credit-recovery/internal/auth"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
	"github.com/frahmantamala/credit-recovery/internal/transport/middleware"
	"github.com/frahmantamala/credit-recovery/internal/transport/swagger"
)

type RouterConfig struct {
	AllowedOrigins string
	MetricsPath    string
	// Gatherer is nil when metrics are disabled.
	Gatherer    prometheus.Gatherer
	HTTPMetrics *middleware.HTTPMetrics
}

// RegisterAllRoutes mounts the webhook, the operator API and health checks under /api/v1,
// with the OpenAPI document and its swagger UI at the root.
// Handlers left nil are not mounted.
func RegisterAllRoutes(router *chi.Mux, db *sql.DB, cfg RouterConfig, authHandler *auth.Handler, operatorHandler *reconciliation.Handler, webhookHandler *reconciliation.WebhookHandler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	if cfg.HTTPMetrics != nil {
		router.Use(cfg.HTTPMetrics.Middleware)
	}

	if cfg.Gatherer != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Get(swagger.DocumentPath, swagger.DocumentHandler())
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if webhookHandler != nil {
			r.Post("/payment/callback", webhookHandler.HandlePaymentCallback)
		}

		if authHandler != nil && operatorHandler != nil {
			checker := auth.NewPermissionChecker()
			r.Group(func(pr chi.Router) {
				pr.Use(authHandler.AuthMiddleware)
				pr.Use(middleware.RequirePermissions(checker, auth.PermissionReconcile))

				pr.Route("/reconciliation", func(rr chi.Router) {
					rr.Get("/pending", operatorHandler.ListPending)     // GET /reconciliation/pending
					rr.Get("/stats", operatorHandler.Stats)             // GET /reconciliation/stats
					rr.Post("/{reference}", operatorHandler.Reconcile)  // POST /reconciliation/:reference
					rr.Get("/{reference}/debug", operatorHandler.Debug) // GET /reconciliation/:reference/debug
				})
			})
		}
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"NOT_FOUND","code":"ROUTE_NOT_FOUND","message":"route not found"}}`))
	})
}
