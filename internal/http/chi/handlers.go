package chi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/marcelsud/webhook-dispatch/delivery"
	"github.com/marcelsud/webhook-dispatch/webhook"
)

// Handlers sets up the delivery engine API routes
func Handlers(ctx context.Context, webhookService webhook.UseCase, router *delivery.Router, scheduler *delivery.Scheduler, ledger delivery.Reader, metricsHandler http.Handler) *chi.Mux {
	logger := httplog.NewLogger("webhook-dispatch", httplog.Options{
		JSON: true,
	})

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		// Registration management
		r.Post("/projects/{project_id}/webhooks", postWebhook(webhookService).ServeHTTP)
		r.Get("/projects/{project_id}/webhooks", getProjectWebhooks(webhookService).ServeHTTP)
		r.Get("/webhooks/{id}", getWebhook(webhookService, ledger).ServeHTTP)
		r.Patch("/webhooks/{id}", patchWebhook(webhookService).ServeHTTP)
		r.Delete("/webhooks/{id}", deleteWebhook(webhookService).ServeHTTP)
		r.Post("/webhooks/{id}/rotate", rotateWebhookSecret(webhookService).ServeHTTP)

		// Event ingestion
		r.Post("/projects/{project_id}/events", postEvent(webhookService, router).ServeHTTP)

		// Delivery ledger
		r.Get("/webhooks/{id}/deliveries", getWebhookDeliveries(ledger).ServeHTTP)
		r.Get("/webhooks/{id}/stats", getWebhookStats(webhookService, ledger).ServeHTTP)
		r.Get("/deliveries/{id}", getDelivery(ledger).ServeHTTP)
		r.Post("/deliveries/{id}/retry", postDeliveryRetry(scheduler).ServeHTTP)
		r.Post("/webhooks/{id}/test", postWebhookTest(scheduler).ServeHTTP)
	})

	return r
}
