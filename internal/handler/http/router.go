package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/selfscan-checkout/internal/service"
	"github.com/utafrali/selfscan-checkout/pkg/health"
	"github.com/utafrali/selfscan-checkout/pkg/middleware"
)

// ServiceName labels the HTTP metrics and spans of the coordinator.
const ServiceName = "checkout-coordinator"

// NewRouter creates a chi router with all coordinator routes registered.
func NewRouter(
	checkoutService *service.CheckoutService,
	retryQueues *service.RetryQueues,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(ServiceName))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(ServiceName))

	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	checkoutHandler := NewCheckoutHandler(checkoutService, logger)
	retryHandler := NewRetryQueueHandler(retryQueues, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/checkouts", func(r chi.Router) {
			r.Post("/", checkoutHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", checkoutHandler.Get)
				r.Delete("/", checkoutHandler.Delete)
				r.Get("/process", checkoutHandler.Process)
				r.Post("/start", checkoutHandler.Start)
				r.Post("/pay", checkoutHandler.Pay)
				r.Post("/abort", checkoutHandler.Abort)
				r.Post("/authorize", checkoutHandler.Authorize)
				r.Post("/approve-offline", checkoutHandler.ApproveOffline)
				r.Post("/codes", checkoutHandler.AddCode)
				r.Delete("/codes/{code}", checkoutHandler.RemoveCode)
				r.Put("/payment-methods", checkoutHandler.SetPaymentMethods)
				r.Put("/taxation", checkoutHandler.SetTaxation)
			})
		})

		r.Route("/retry-queue/{project}", func(r chi.Router) {
			r.Get("/", retryHandler.List)
			r.Post("/flush", retryHandler.Flush)
		})
	})

	return r
}
