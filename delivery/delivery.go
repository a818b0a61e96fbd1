package delivery

import "time"

/* Delivery is the logical unit: the sequence of attempts to deliver one
 * event instance to one webhook. Attempt rows are the append-only ledger;
 * the delivery row carries the state machine.
 */
type Delivery struct {
	ID           string
	WebhookID    string
	ProjectID    string
	EventName    string
	Payload      []byte // envelope bytes actually sent; signed as-is
	Signature    string // hex HMAC-SHA256 over Payload
	Status       Status
	AttemptCount int
	MaxAttempts  int
	NextRetryAt  time.Time // zero when no retry is scheduled
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time // zero until resolved
}

// Resolved reports whether the delivery reached a terminal state
func (d Delivery) Resolved() bool {
	return d.Status.IsFinal()
}

/* Attempt is one concrete HTTP try within a delivery.
 * Invariants: Number <= MaxAttempts; once a terminal status is written
 * the row is immutable.
 */
type Attempt struct {
	ID              string
	DeliveryID      string
	WebhookID       string
	Number          int // 1-based
	MaxAttempts     int
	Status          Status
	RequestHeaders  map[string]string
	StatusCode      int // 0 when no response was received
	ResponseBody    string
	ResponseHeaders map[string]string
	ExecutionTimeMs int64
	Error           string
	NextRetryAt     time.Time // when this attempt becomes due
	CreatedAt       time.Time
	CompletedAt     time.Time
}

// Handle identifies a delivery created by a dispatch, returned to the
// event producer for correlation.
type Handle struct {
	DeliveryID string `json:"delivery_id"`
	WebhookID  string `json:"webhook_id"`
	AttemptID  string `json:"attempt_id"`
}
