package chi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marcelsud/webhook-dispatch/delivery"
	"github.com/marcelsud/webhook-dispatch/webhook"
	"github.com/marcelsud/webhook-dispatch/webhook/signature"
)

// eventRequest represents an application event submitted for dispatch.
// Timestamp is optional; when absent the server stamps the current time.
// KeyHook is the legacy body-embedded credential, accepted only when no
// signature header is present.
type eventRequest struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	KeyHook   string          `json:"keyHook"`
}

// eventResponse acknowledges an accepted event with one handle per
// delivery created, so the producer can correlate later.
type eventResponse struct {
	Event      string            `json:"event"`
	Deliveries []delivery.Handle `json:"deliveries"`
}

// postEvent handles POST /v1/projects/:project_id/events
func postEvent(svc webhook.UseCase, router *delivery.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "project_id")
		if projectID == "" {
			http.Error(w, "project_id is required", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		var req eventRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		webhooks, err := svc.ListByProject(r.Context(), projectID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if !authenticate(r, webhooks, body, req.KeyHook) {
			http.Error(w, "invalid or missing credentials", http.StatusUnauthorized)
			return
		}

		var at time.Time
		if req.Timestamp != "" {
			at, err = time.Parse(time.RFC3339, req.Timestamp)
			if err != nil {
				http.Error(w, "timestamp must be RFC3339", http.StatusBadRequest)
				return
			}
		}

		event, err := delivery.NewEventAt(req.Event, req.Data, at)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		handles, err := router.Dispatch(r.Context(), projectID, event)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if handles == nil {
			handles = []delivery.Handle{}
		}

		writeJSON(w, http.StatusAccepted, eventResponse{
			Event:      event.Name,
			Deliveries: handles,
		})
	})
}

/* authenticate verifies the caller against the project's registered
 * secrets. Preferred: X-Webhook-Signature carrying sha256=<hex> computed
 * over the raw request body. Legacy fallback: a keyHook field in the body
 * holding the full secret, compared in constant time. A request matching
 * any active webhook's secret is accepted.
 */
func authenticate(r *http.Request, webhooks []webhook.Webhook, body []byte, keyHook string) bool {
	header := r.Header.Get(signature.HeaderName)
	if header != "" {
		hexSig, err := signature.ParseHeader(header)
		if err != nil {
			return false
		}
		for _, wh := range webhooks {
			if !wh.Status.IsActive() {
				continue
			}
			if signature.Verify(wh.Secret, body, hexSig) {
				return true
			}
		}
		return false
	}

	if keyHook == "" {
		return false
	}
	for _, wh := range webhooks {
		if !wh.Status.IsActive() {
			continue
		}
		if wh.Secret.Equal(keyHook) {
			return true
		}
	}
	return false
}
