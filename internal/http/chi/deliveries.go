package chi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marcelsud/webhook-dispatch/delivery"
	"github.com/marcelsud/webhook-dispatch/webhook"
)

const defaultListLimit = 50

// attemptResponse represents one ledger attempt in the API
type attemptResponse struct {
	ID              string            `json:"id"`
	DeliveryID      string            `json:"delivery_id"`
	WebhookID       string            `json:"webhook_id"`
	Number          int               `json:"number"`
	MaxAttempts     int               `json:"max_attempts"`
	Status          string            `json:"status"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	StatusCode      int               `json:"status_code,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	Error           string            `json:"error,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// deliveryResponse represents a delivery with its full attempt history
type deliveryResponse struct {
	ID           string            `json:"id"`
	WebhookID    string            `json:"webhook_id"`
	ProjectID    string            `json:"project_id"`
	EventName    string            `json:"event_name"`
	Payload      string            `json:"payload"`
	Signature    string            `json:"signature"`
	Status       string            `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Attempts     []attemptResponse `json:"attempts"`
}

// statsResponse represents aggregated delivery outcomes for a webhook
type statsResponse struct {
	WebhookID string         `json:"webhook_id"`
	Health    string         `json:"health"`
	Since     time.Time      `json:"since"`
	Until     time.Time      `json:"until"`
	Stats     delivery.Stats `json:"stats"`
}

// getWebhookDeliveries handles GET /v1/webhooks/:id/deliveries
func getWebhookDeliveries(ledger delivery.Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookID := chi.URLParam(r, "id")

		filter, err := parseFilter(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		attempts, err := ledger.ListByWebhook(r.Context(), webhookID, filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		responses := make([]attemptResponse, 0, len(attempts))
		for _, a := range attempts {
			responses = append(responses, toAttemptResponse(a))
		}

		writeJSON(w, http.StatusOK, responses)
	})
}

// getDelivery handles GET /v1/deliveries/:id
func getDelivery(ledger delivery.Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		d, attempts, err := ledger.GetDelivery(r.Context(), id)
		if err != nil {
			writeDeliveryError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toDeliveryResponse(d, attempts))
	})
}

// getWebhookStats handles GET /v1/webhooks/:id/stats
func getWebhookStats(svc webhook.UseCase, ledger delivery.Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookID := chi.URLParam(r, "id")

		wh, err := svc.Get(r.Context(), webhookID)
		if err != nil {
			writeWebhookError(w, err)
			return
		}

		until := time.Now()
		since := until.Add(-24 * time.Hour)
		if raw := r.URL.Query().Get("since"); raw != "" {
			if since, err = time.Parse(time.RFC3339, raw); err != nil {
				http.Error(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
		}
		if raw := r.URL.Query().Get("until"); raw != "" {
			if until, err = time.Parse(time.RFC3339, raw); err != nil {
				http.Error(w, "until must be RFC3339", http.StatusBadRequest)
				return
			}
		}

		stats, err := ledger.Aggregate(r.Context(), webhookID, since, until)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, statsResponse{
			WebhookID: webhookID,
			Health:    string(webhook.DeriveHealth(wh.Status, stats.FailureCount)),
			Since:     since,
			Until:     until,
			Stats:     stats,
		})
	})
}

// postDeliveryRetry handles POST /v1/deliveries/:id/retry
func postDeliveryRetry(scheduler *delivery.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		attempt, err := scheduler.RetryNow(r.Context(), id)
		if err != nil {
			if errors.Is(err, delivery.ErrNotFound) {
				http.Error(w, "delivery not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		writeJSON(w, http.StatusOK, toAttemptResponse(attempt))
	})
}

// postWebhookTest handles POST /v1/webhooks/:id/test
func postWebhookTest(scheduler *delivery.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		attempt, err := scheduler.TestSend(r.Context(), id)
		if err != nil {
			if errors.Is(err, webhook.ErrNotFound) {
				http.Error(w, "webhook not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, toAttemptResponse(attempt))
	})
}

func parseFilter(r *http.Request) (delivery.Filter, error) {
	q := r.URL.Query()
	filter := delivery.Filter{Limit: defaultListLimit}

	if raw := q.Get("status"); raw != "" {
		status := delivery.NewStatus(raw)
		if status.String() != raw {
			return delivery.Filter{}, errors.New("unknown status filter: " + raw)
		}
		filter.Status = &status
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return delivery.Filter{}, errors.New("since must be RFC3339")
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return delivery.Filter{}, errors.New("until must be RFC3339")
		}
		filter.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return delivery.Filter{}, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return delivery.Filter{}, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}

	return filter, nil
}

func toAttemptResponse(a delivery.Attempt) attemptResponse {
	return attemptResponse{
		ID:              a.ID,
		DeliveryID:      a.DeliveryID,
		WebhookID:       a.WebhookID,
		Number:          a.Number,
		MaxAttempts:     a.MaxAttempts,
		Status:          a.Status.String(),
		RequestHeaders:  a.RequestHeaders,
		StatusCode:      a.StatusCode,
		ResponseBody:    a.ResponseBody,
		ResponseHeaders: a.ResponseHeaders,
		ExecutionTimeMs: a.ExecutionTimeMs,
		Error:           a.Error,
		NextRetryAt:     timePtr(a.NextRetryAt),
		CreatedAt:       a.CreatedAt,
		CompletedAt:     timePtr(a.CompletedAt),
	}
}

func toDeliveryResponse(d delivery.Delivery, attempts []delivery.Attempt) deliveryResponse {
	attemptResponses := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		attemptResponses = append(attemptResponses, toAttemptResponse(a))
	}

	return deliveryResponse{
		ID:           d.ID,
		WebhookID:    d.WebhookID,
		ProjectID:    d.ProjectID,
		EventName:    d.EventName,
		Payload:      string(d.Payload),
		Signature:    d.Signature,
		Status:       d.Status.String(),
		AttemptCount: d.AttemptCount,
		MaxAttempts:  d.MaxAttempts,
		NextRetryAt:  timePtr(d.NextRetryAt),
		LastError:    d.LastError,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		CompletedAt:  timePtr(d.CompletedAt),
		Attempts:     attemptResponses,
	}
}

func writeDeliveryError(w http.ResponseWriter, err error) {
	if errors.Is(err, delivery.ErrNotFound) {
		http.Error(w, "delivery not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
