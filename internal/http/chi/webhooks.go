package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marcelsud/webhook-dispatch/delivery"
	"github.com/marcelsud/webhook-dispatch/webhook"
)

/* HTTP layer DTOs for the registration API
 * Separate from domain entities to avoid leaking internal structure
 */

// schemaBody represents a declared payload schema in the API
type schemaBody struct {
	Version int         `json:"version,omitempty"`
	Fields  []fieldBody `json:"fields"`
}

// fieldBody represents one schema field in the API
type fieldBody struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// registerRequest represents the payload for creating a webhook
type registerRequest struct {
	Name          string            `json:"name"`
	TechnicalName string            `json:"technical_name"`
	URL           string            `json:"url"`
	UserID        string            `json:"user_id"`
	Secret        string            `json:"secret"`
	Events        []string          `json:"events"`
	Headers       map[string]string `json:"headers"`
	PayloadSchema *schemaBody       `json:"payload_schema"`
}

// updateRequest represents the partial payload for updating a webhook
type updateRequest struct {
	Name          *string           `json:"name"`
	URL           *string           `json:"url"`
	Events        []string          `json:"events"`
	Headers       map[string]string `json:"headers"`
	PayloadSchema *schemaBody       `json:"payload_schema"`
	IsActive      *bool             `json:"is_active"`
}

// webhookResponse represents a webhook registration in the API.
// Secret is redacted everywhere except the create and rotate responses,
// which are the only places the full value is ever exposed.
type webhookResponse struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	Name          string            `json:"name"`
	TechnicalName string            `json:"technical_name"`
	URL           string            `json:"url"`
	Secret        string            `json:"secret"`
	Events        []string          `json:"events"`
	Headers       map[string]string `json:"headers,omitempty"`
	PayloadSchema *schemaBody       `json:"payload_schema,omitempty"`
	Status        string            `json:"status"`
	Health        string            `json:"health"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// postWebhook handles POST /v1/projects/:project_id/webhooks
func postWebhook(svc webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "project_id")
		if projectID == "" {
			http.Error(w, "project_id is required", http.StatusBadRequest)
			return
		}

		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		wh, err := svc.Register(r.Context(), webhook.RegisterInput{
			ProjectID:     projectID,
			UserID:        req.UserID,
			Name:          req.Name,
			TechnicalName: req.TechnicalName,
			URL:           req.URL,
			Secret:        req.Secret,
			Events:        req.Events,
			Headers:       req.Headers,
			Schema:        fromSchemaBody(req.PayloadSchema),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := toWebhookResponse(wh, webhook.DeriveHealth(wh.Status, 0))
		resp.Secret = wh.Secret.String()

		writeJSON(w, http.StatusCreated, resp)
	})
}

// getProjectWebhooks handles GET /v1/projects/:project_id/webhooks
func getProjectWebhooks(svc webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "project_id")
		if projectID == "" {
			http.Error(w, "project_id is required", http.StatusBadRequest)
			return
		}

		webhooks, err := svc.ListByProject(r.Context(), projectID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		responses := make([]webhookResponse, 0, len(webhooks))
		for _, wh := range webhooks {
			responses = append(responses, toWebhookResponse(wh, webhook.DeriveHealth(wh.Status, 0)))
		}

		writeJSON(w, http.StatusOK, responses)
	})
}

// getWebhook handles GET /v1/webhooks/:id
func getWebhook(svc webhook.UseCase, ledger delivery.Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		wh, err := svc.Get(r.Context(), id)
		if err != nil {
			writeWebhookError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toWebhookResponse(wh, recentHealth(r, ledger, wh)))
	})
}

// patchWebhook handles PATCH /v1/webhooks/:id
func patchWebhook(svc webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req updateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		wh, err := svc.Update(r.Context(), id, webhook.UpdateInput{
			Name:     req.Name,
			URL:      req.URL,
			Events:   req.Events,
			Headers:  req.Headers,
			Schema:   fromSchemaBody(req.PayloadSchema),
			IsActive: req.IsActive,
		})
		if err != nil {
			writeWebhookError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toWebhookResponse(wh, webhook.DeriveHealth(wh.Status, 0)))
	})
}

// deleteWebhook handles DELETE /v1/webhooks/:id
func deleteWebhook(svc webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := svc.Delete(r.Context(), id); err != nil {
			writeWebhookError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

// rotateWebhookSecret handles POST /v1/webhooks/:id/rotate
func rotateWebhookSecret(svc webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		wh, err := svc.RotateSecret(r.Context(), id)
		if err != nil {
			writeWebhookError(w, err)
			return
		}

		resp := toWebhookResponse(wh, webhook.DeriveHealth(wh.Status, 0))
		resp.Secret = wh.Secret.String()

		writeJSON(w, http.StatusOK, resp)
	})
}

// recentHealth derives the monitoring label from failures in the last day
func recentHealth(r *http.Request, ledger delivery.Reader, wh webhook.Webhook) webhook.Health {
	if ledger == nil {
		return webhook.DeriveHealth(wh.Status, 0)
	}

	now := time.Now()
	stats, err := ledger.Aggregate(r.Context(), wh.ID, now.Add(-24*time.Hour), now)
	if err != nil {
		return webhook.DeriveHealth(wh.Status, 0)
	}
	return webhook.DeriveHealth(wh.Status, stats.FailureCount)
}

func toWebhookResponse(wh webhook.Webhook, health webhook.Health) webhookResponse {
	return webhookResponse{
		ID:            wh.ID,
		ProjectID:     wh.ProjectID,
		Name:          wh.Name,
		TechnicalName: wh.TechnicalName,
		URL:           wh.URL,
		Secret:        wh.Secret.Redacted(),
		Events:        wh.Events,
		Headers:       wh.Headers,
		PayloadSchema: toSchemaBody(wh.Schema),
		Status:        wh.Status.String(),
		Health:        string(health),
		CreatedAt:     wh.CreatedAt,
		UpdatedAt:     wh.UpdatedAt,
	}
}

func toSchemaBody(s *webhook.Schema) *schemaBody {
	if s == nil {
		return nil
	}

	body := &schemaBody{Version: s.Version}
	for _, f := range s.Fields {
		body.Fields = append(body.Fields, fieldBody{
			Name:        f.Name,
			Type:        f.Type.String(),
			Required:    f.Required,
			Description: f.Description,
		})
	}
	return body
}

func fromSchemaBody(body *schemaBody) *webhook.Schema {
	if body == nil {
		return nil
	}

	version := body.Version
	if version == 0 {
		version = 1
	}

	schema := &webhook.Schema{Version: version}
	for _, f := range body.Fields {
		schema.Fields = append(schema.Fields, webhook.Field{
			Name:        f.Name,
			Type:        webhook.NewFieldType(f.Type),
			Required:    f.Required,
			Description: f.Description,
		})
	}
	return schema
}

func writeWebhookError(w http.ResponseWriter, err error) {
	if errors.Is(err, webhook.ErrNotFound) {
		http.Error(w, "webhook not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
