package memory

import (
	"context"
	"sync"

	"github.com/marcelsud/webhook-dispatch/webhook"
)

/* In-memory implementation of webhook.Repository.
 * Used by unit tests and the CLI's dry-run mode; the production
 * registry lives in Redis.
 */

type Repository struct {
	mu       sync.RWMutex
	webhooks map[string]webhook.Webhook
}

// NewRepository creates an empty in-memory registry
func NewRepository() *Repository {
	return &Repository{
		webhooks: make(map[string]webhook.Webhook),
	}
}

// Store adds a webhook to the registry
func (r *Repository) Store(ctx context.Context, wh webhook.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks[wh.ID] = wh
	return nil
}

// Update replaces an existing webhook
func (r *Repository) Update(ctx context.Context, wh webhook.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[wh.ID]; !ok {
		return webhook.ErrNotFound
	}
	r.webhooks[wh.ID] = wh
	return nil
}

// Delete removes a webhook from the registry
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[id]; !ok {
		return webhook.ErrNotFound
	}
	delete(r.webhooks, id)
	return nil
}

// Get retrieves a webhook by ID
func (r *Repository) Get(ctx context.Context, id string) (webhook.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wh, ok := r.webhooks[id]
	if !ok {
		return webhook.Webhook{}, webhook.ErrNotFound
	}
	return wh, nil
}

// ListByProject retrieves all webhooks for a project
func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]webhook.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var whs []webhook.Webhook
	for _, wh := range r.webhooks {
		if wh.ProjectID == projectID {
			whs = append(whs, wh)
		}
	}
	return whs, nil
}

// ListSubscribed resolves the active webhooks subscribed to an event type
func (r *Repository) ListSubscribed(ctx context.Context, projectID, eventType string) ([]webhook.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var whs []webhook.Webhook
	for _, wh := range r.webhooks {
		if wh.ProjectID == projectID && wh.Status.IsActive() && wh.SubscribesTo(eventType) {
			whs = append(whs, wh)
		}
	}
	return whs, nil
}

// Close is a no-op for the in-memory registry
func (r *Repository) Close(ctx context.Context) error {
	return nil
}
