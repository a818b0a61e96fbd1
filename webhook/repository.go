package webhook

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a webhook does not exist in the registry
var ErrNotFound = errors.New("webhook not found")

/* Small, focused interfaces: behavior, not things.
 * The delivery engine only ever needs Reader; the registration API
 * needs Reader and Writer.
 */

// Reader provides read operations for registered webhooks
type Reader interface {
	Get(ctx context.Context, id string) (Webhook, error)
	ListByProject(ctx context.Context, projectID string) ([]Webhook, error)
	/* ListSubscribed resolves the dispatch set: active webhooks in the
	 * project whose subscriptions match the event type
	 */
	ListSubscribed(ctx context.Context, projectID, eventType string) ([]Webhook, error)
}

// Writer provides write operations for registered webhooks
type Writer interface {
	Store(ctx context.Context, wh Webhook) error
	Update(ctx context.Context, wh Webhook) error
	/* Delete removes the registration. Delivery ledger entries for the
	 * webhook survive as historical record.
	 */
	Delete(ctx context.Context, id string) error
}

// Repository composes the registry interfaces
type Repository interface {
	Reader
	Writer
	Close(ctx context.Context) error
}
