package delivery

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a delivery or attempt does not exist
var ErrNotFound = errors.New("delivery not found")

// Filter narrows ledger listings
type Filter struct {
	Status *Status
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Stats aggregates attempt outcomes for monitoring dashboards
type Stats struct {
	Total             int64   `json:"total"`
	SuccessCount      int64   `json:"success_count"`
	FailureCount      int64   `json:"failure_count"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

/* The ledger is append-only: attempt rows are immutable once completed.
 * Only the in-flight attempt's mutable fields change, and only through
 * ClaimAttempt and CompleteAttempt.
 */

// Writer provides the delivery engine's write operations
type Writer interface {
	/* CreateDelivery stores a new delivery together with its first
	 * attempt (pending, due immediately) in one step
	 */
	CreateDelivery(ctx context.Context, d Delivery, first Attempt) error

	/* AppendAttempt stores the next scheduled attempt and the updated
	 * delivery state (retrying, next_retry_at)
	 */
	AppendAttempt(ctx context.Context, d Delivery, next Attempt) error

	/* ClaimAttempt transitions an attempt from pending to attempting.
	 * The compare-and-swap guarantees not-more-than-once-concurrently
	 * semantics: exactly one caller wins, all others observe claimed=false.
	 */
	ClaimAttempt(ctx context.Context, attemptID string) (Attempt, bool, error)

	/* CompleteAttempt finalizes the in-flight attempt and writes the
	 * delivery's new state in one step
	 */
	CompleteAttempt(ctx context.Context, a Attempt, d Delivery) error

	// RescheduleAttempt moves a pending attempt's due time (manual retry)
	RescheduleAttempt(ctx context.Context, attemptID string, due time.Time) error

	/* RequeueStale returns attempts claimed before the cutoff but never
	 * completed to the due schedule as pending. Covers a process dying
	 * between ClaimAttempt and CompleteAttempt.
	 */
	RequeueStale(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error)
}

// Reader provides the ledger's read operations
type Reader interface {
	GetDelivery(ctx context.Context, id string) (Delivery, []Attempt, error)
	GetAttempt(ctx context.Context, id string) (Attempt, error)

	// ListByWebhook returns attempts for a webhook ordered by created_at desc
	ListByWebhook(ctx context.Context, webhookID string, filter Filter) ([]Attempt, error)

	// Aggregate computes delivery stats for a webhook over a time range
	Aggregate(ctx context.Context, webhookID string, since, until time.Time) (Stats, error)

	// Due returns attempt IDs whose next_retry_at has passed, oldest first
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Repository composes the ledger interfaces
type Repository interface {
	Reader
	Writer
	Close(ctx context.Context) error
}
