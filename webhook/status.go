package webhook

import "fmt"

/* Status represents the persisted state of a webhook registration.
 * Only active webhooks are eligible for dispatch.
 */
type Status int

const (
	Active Status = iota + 1
	Inactive
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// NewStatus creates a Status from a string
func NewStatus(str string) Status {
	switch str {
	case "active":
		return Active
	case "inactive":
		return Inactive
	default:
		return Inactive
	}
}

// Validate checks if the status is valid
func (s Status) Validate() error {
	if s != Active && s != Inactive {
		return fmt.Errorf("invalid status: %d", s)
	}
	return nil
}

// IsActive returns true if the webhook is eligible for dispatch
func (s Status) IsActive() bool {
	return s == Active
}

/* Health is the monitoring label shown for a webhook. "error" is derived
 * from the delivery ledger, never persisted: the stored state machine only
 * knows active and inactive.
 */
type Health string

const (
	HealthActive   Health = "active"
	HealthInactive Health = "inactive"
	HealthError    Health = "error"
)

// DeriveHealth projects the monitoring label from the persisted status
// and the webhook's recent failure count.
func DeriveHealth(status Status, failureCount int64) Health {
	if !status.IsActive() {
		return HealthInactive
	}
	if failureCount > 0 {
		return HealthError
	}
	return HealthActive
}
