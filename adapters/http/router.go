package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/pkg/jsonapi"
)

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Metrics        *metrics.Collector
	MetricsHandler http.Handler // defaults to promhttp.Handler() when Metrics is set
	RequestTimeout time.Duration
}

// NewRouter creates the main HTTP router.
func NewRouter(h *Handler, health *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", health.Liveness)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Get("/version", Version)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Gateway log shipping
	r.With(h.RequireIngestToken).Post("/gateway/logs", h.IngestLogs)

	// Signature-verified notifications; no bearer auth.
	r.Post("/webhooks/payment", h.PaymentWebhook)
	r.Post("/webhooks/events", h.EventWebhook)

	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.CreateSubscription)
		r.Get("/{id}/usage", h.SubscriptionUsage)
		r.Get("/{id}/usage/summary", h.SubscriptionSummary)
		r.Post("/{id}/execute", h.ExecuteSubscription)
		r.Post("/{id}/cancel", h.CancelSubscription)
	})

	r.Get("/users/{id}/invoices", h.ListInvoices)
	r.Get("/users/{id}/invoices.csv", h.ExportInvoices)

	r.With(h.RequireOperator).Post("/billing/run/{kind}", h.RunBilling)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.RequireOperator)
		r.Get("/plans", h.ListPlans)
		r.Post("/plans", h.CreatePlan)
		r.Get("/apis", h.ListAPIs)
		r.Post("/apis", h.CreateAPI)
		r.Get("/dead-letters", h.ListDeadLetters)
		r.Post("/users/{id}/invoices/archive", h.ArchiveInvoices)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonapi.WriteNotFound(w, "route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed").
			Detailf("%s is not supported on %s", r.Method, r.URL.Path).Build())
	})

	return r
}
