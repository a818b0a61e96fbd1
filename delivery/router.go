package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/webhook-dispatch/webhook"
	"github.com/marcelsud/webhook-dispatch/webhook/signature"
	"github.com/rs/zerolog"
)

// DefaultMaxAttempts is the attempt cap copied onto each new delivery
const DefaultMaxAttempts = 5

/* Router accepts an application event and creates one delivery per
 * subscribed active webhook. Dispatch is fire-and-forget: it returns as
 * soon as the ledger rows exist; the scheduler and executor take over
 * from there.
 */
type Router struct {
	webhooks    webhook.Reader
	ledger      Repository
	maxAttempts int
	wake        func()
	logger      zerolog.Logger
}

// NewRouter creates an event router. wake, when non-nil, nudges the
// scheduler so freshly created attempts run without waiting a poll cycle.
func NewRouter(webhooks webhook.Reader, ledger Repository, maxAttempts int, wake func(), logger zerolog.Logger) *Router {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Router{
		webhooks:    webhooks,
		ledger:      ledger,
		maxAttempts: maxAttempts,
		wake:        wake,
		logger:      logger,
	}
}

// Dispatch resolves the subscribed webhooks for the event and creates one
// delivery per match, each starting at attempt 1 in state pending.
// Zero matches is a no-op, not an error.
func (r *Router) Dispatch(ctx context.Context, projectID string, event Event) ([]Handle, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("validating event: %w", err)
	}

	subscribers, err := r.webhooks.ListSubscribed(ctx, projectID, event.Name)
	if err != nil {
		return nil, fmt.Errorf("resolving subscribers: %w", err)
	}
	if len(subscribers) == 0 {
		return nil, nil
	}

	payload, err := event.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}

	handles := make([]Handle, 0, len(subscribers))
	for _, wh := range subscribers {
		if !r.payloadConforms(wh, event) {
			continue
		}

		now := time.Now()
		d := Delivery{
			ID:          uuid.New().String(),
			WebhookID:   wh.ID,
			ProjectID:   projectID,
			EventName:   event.Name,
			Payload:     payload,
			Signature:   signature.Sign(wh.Secret, payload),
			Status:      Pending,
			MaxAttempts: r.maxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		first := Attempt{
			ID:          uuid.New().String(),
			DeliveryID:  d.ID,
			WebhookID:   wh.ID,
			Number:      1,
			MaxAttempts: r.maxAttempts,
			Status:      Pending,
			NextRetryAt: now,
			CreatedAt:   now,
		}

		if err := r.ledger.CreateDelivery(ctx, d, first); err != nil {
			return handles, fmt.Errorf("creating delivery for webhook %s: %w", wh.ID, err)
		}

		handles = append(handles, Handle{
			DeliveryID: d.ID,
			WebhookID:  wh.ID,
			AttemptID:  first.ID,
		})
	}

	if len(handles) > 0 && r.wake != nil {
		r.wake()
	}

	return handles, nil
}

// payloadConforms checks the event data against the webhook's declared
// schema. Non-conforming events are skipped for that webhook and logged;
// other subscribers still receive theirs.
func (r *Router) payloadConforms(wh webhook.Webhook, event Event) bool {
	if wh.Schema == nil {
		return true
	}

	data, err := event.DataMap()
	if err != nil {
		r.logger.Warn().
			Str("webhook_id", wh.ID).
			Str("event", event.Name).
			Err(err).
			Msg("event data not an object, skipping schema-validated webhook")
		return false
	}

	result := wh.Schema.Check(data)
	if !result.Valid {
		r.logger.Warn().
			Str("webhook_id", wh.ID).
			Str("event", event.Name).
			Strs("errors", result.Errors).
			Msg("event payload does not conform to webhook schema, skipping")
		return false
	}

	return true
}
