package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marcelsud/webhook-dispatch/delivery"
)

/* In-memory implementation of delivery.Repository.
 * Used by unit tests; the production ledger lives in Redis. The mutex
 * gives the same claim semantics as the Redis CAS script.
 */

type Repository struct {
	mu         sync.Mutex
	deliveries map[string]delivery.Delivery
	attempts   map[string]delivery.Attempt
	byDelivery map[string][]string // delivery id -> attempt ids in order
	byWebhook  map[string][]string // webhook id -> attempt ids in order
	due        map[string]time.Time
	claimed    map[string]time.Time
}

// NewRepository creates an empty in-memory ledger
func NewRepository() *Repository {
	return &Repository{
		deliveries: make(map[string]delivery.Delivery),
		attempts:   make(map[string]delivery.Attempt),
		byDelivery: make(map[string][]string),
		byWebhook:  make(map[string][]string),
		due:        make(map[string]time.Time),
		claimed:    make(map[string]time.Time),
	}
}

// CreateDelivery stores a delivery with its first pending attempt
func (r *Repository) CreateDelivery(ctx context.Context, d delivery.Delivery, first delivery.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries[d.ID] = d
	r.attempts[first.ID] = first
	r.byDelivery[d.ID] = append(r.byDelivery[d.ID], first.ID)
	r.byWebhook[d.WebhookID] = append(r.byWebhook[d.WebhookID], first.ID)
	r.due[first.ID] = first.NextRetryAt
	return nil
}

// AppendAttempt stores the next scheduled attempt and updates the delivery
func (r *Repository) AppendAttempt(ctx context.Context, d delivery.Delivery, next delivery.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries[d.ID] = d
	r.attempts[next.ID] = next
	r.byDelivery[d.ID] = append(r.byDelivery[d.ID], next.ID)
	r.byWebhook[d.WebhookID] = append(r.byWebhook[d.WebhookID], next.ID)
	r.due[next.ID] = next.NextRetryAt
	return nil
}

// ClaimAttempt transitions an attempt from pending to attempting.
// Exactly one concurrent caller wins the claim.
func (r *Repository) ClaimAttempt(ctx context.Context, attemptID string) (delivery.Attempt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	att, ok := r.attempts[attemptID]
	if !ok {
		return delivery.Attempt{}, false, delivery.ErrNotFound
	}
	if att.Status != delivery.Pending {
		return att, false, nil
	}

	att.Status = delivery.Attempting
	r.attempts[attemptID] = att
	delete(r.due, attemptID)
	r.claimed[attemptID] = time.Now()

	if d, ok := r.deliveries[att.DeliveryID]; ok {
		d.Status = delivery.Attempting
		d.UpdatedAt = time.Now()
		r.deliveries[att.DeliveryID] = d
	}

	return att, true, nil
}

// CompleteAttempt finalizes the attempt and writes the delivery state
func (r *Repository) CompleteAttempt(ctx context.Context, a delivery.Attempt, d delivery.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[a.ID] = a
	r.deliveries[d.ID] = d
	delete(r.due, a.ID)
	delete(r.claimed, a.ID)
	return nil
}

// RescheduleAttempt moves a pending attempt's due time
func (r *Repository) RescheduleAttempt(ctx context.Context, attemptID string, due time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	att, ok := r.attempts[attemptID]
	if !ok {
		return delivery.ErrNotFound
	}
	if att.Status != delivery.Pending {
		return nil
	}

	att.NextRetryAt = due
	r.attempts[attemptID] = att
	r.due[attemptID] = due
	return nil
}

// RequeueStale returns attempts stranded mid-claim to the due schedule
func (r *Repository) RequeueStale(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var requeued []string
	for id, at := range r.claimed {
		if !at.Before(claimedBefore) {
			continue
		}
		if limit > 0 && len(requeued) >= limit {
			break
		}

		att, ok := r.attempts[id]
		if !ok || att.Status != delivery.Attempting {
			delete(r.claimed, id)
			continue
		}

		att.Status = delivery.Pending
		att.NextRetryAt = now
		r.attempts[id] = att
		r.due[id] = now
		delete(r.claimed, id)

		if d, ok := r.deliveries[att.DeliveryID]; ok {
			if att.Number == 1 {
				d.Status = delivery.Pending
			} else {
				d.Status = delivery.Retrying
			}
			d.UpdatedAt = now
			r.deliveries[att.DeliveryID] = d
		}

		requeued = append(requeued, id)
	}
	return requeued, nil
}

// GetDelivery returns a delivery with all of its attempts in order
func (r *Repository) GetDelivery(ctx context.Context, id string) (delivery.Delivery, []delivery.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[id]
	if !ok {
		return delivery.Delivery{}, nil, delivery.ErrNotFound
	}

	attempts := make([]delivery.Attempt, 0, len(r.byDelivery[id]))
	for _, attID := range r.byDelivery[id] {
		attempts = append(attempts, r.attempts[attID])
	}
	return d, attempts, nil
}

// GetAttempt returns one attempt by ID
func (r *Repository) GetAttempt(ctx context.Context, id string) (delivery.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	att, ok := r.attempts[id]
	if !ok {
		return delivery.Attempt{}, delivery.ErrNotFound
	}
	return att, nil
}

// ListByWebhook returns attempts for a webhook ordered by created_at desc
func (r *Repository) ListByWebhook(ctx context.Context, webhookID string, filter delivery.Filter) ([]delivery.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var attempts []delivery.Attempt
	for _, attID := range r.byWebhook[webhookID] {
		att := r.attempts[attID]
		if filter.Status != nil && att.Status != *filter.Status {
			continue
		}
		if !filter.Since.IsZero() && att.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && att.CreatedAt.After(filter.Until) {
			continue
		}
		attempts = append(attempts, att)
	}

	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].CreatedAt.After(attempts[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(attempts) {
			return nil, nil
		}
		attempts = attempts[filter.Offset:]
	}
	if filter.Limit > 0 && len(attempts) > filter.Limit {
		attempts = attempts[:filter.Limit]
	}

	return attempts, nil
}

// Aggregate computes attempt stats for a webhook over a time range
func (r *Repository) Aggregate(ctx context.Context, webhookID string, since, until time.Time) (delivery.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats delivery.Stats
	var totalTimeMs int64
	var timed int64

	for _, attID := range r.byWebhook[webhookID] {
		att := r.attempts[attID]
		if !since.IsZero() && att.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && att.CreatedAt.After(until) {
			continue
		}

		stats.Total++
		switch att.Status {
		case delivery.Success:
			stats.SuccessCount++
		case delivery.Failed:
			stats.FailureCount++
		}
		if att.ExecutionTimeMs > 0 {
			totalTimeMs += att.ExecutionTimeMs
			timed++
		}
	}

	if timed > 0 {
		stats.AvgResponseTimeMs = float64(totalTimeMs) / float64(timed)
	}
	return stats, nil
}

// Due returns attempt IDs whose due time has passed, oldest first
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type dueAttempt struct {
		id string
		at time.Time
	}
	var dues []dueAttempt
	for id, at := range r.due {
		if !at.After(now) {
			dues = append(dues, dueAttempt{id: id, at: at})
		}
	}

	sort.Slice(dues, func(i, j int) bool {
		return dues[i].at.Before(dues[j].at)
	})

	ids := make([]string, 0, len(dues))
	for _, d := range dues {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, d.id)
	}
	return ids, nil
}

// Close is a no-op for the in-memory ledger
func (r *Repository) Close(ctx context.Context) error {
	return nil
}
