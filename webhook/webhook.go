package webhook

import (
	"fmt"
	"net/url"
	"time"

	"github.com/marcelsud/webhook-dispatch/webhook/signature"
)

/* Webhook represents a registered outbound endpoint and its subscription
 * and signing configuration. Uses value semantics as it represents data,
 * not behavior.
 */
type Webhook struct {
	ID            string
	ProjectID     string
	UserID        string
	Name          string
	TechnicalName string
	URL           string
	Secret        signature.Secret
	Events        []string
	Headers       map[string]string
	Schema        *Schema
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks the registration invariants: labels present, absolute
// destination URL, at least one valid event subscription.
func (w Webhook) Validate() error {
	if w.ProjectID == "" {
		return fmt.Errorf("project_id cannot be empty")
	}
	if w.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if w.TechnicalName == "" {
		return fmt.Errorf("technical_name cannot be empty")
	}
	if !technicalNamePattern.MatchString(w.TechnicalName) {
		return fmt.Errorf("technical_name must contain only [a-z0-9_-]: %s", w.TechnicalName)
	}
	if err := validateURL(w.URL); err != nil {
		return err
	}
	if err := w.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("webhook must subscribe to at least one event")
	}
	for _, eventType := range w.Events {
		if err := ValidateEventType(eventType); err != nil {
			return fmt.Errorf("invalid event subscription %q: %w", eventType, err)
		}
	}
	if w.Schema != nil {
		if err := w.Schema.Validate(); err != nil {
			return fmt.Errorf("invalid payload schema: %w", err)
		}
	}
	return nil
}

// SubscribesTo checks if the webhook subscribes to the given event type,
// either exactly or through a "prefix.*" wildcard subscription.
func (w Webhook) SubscribesTo(eventType string) bool {
	return MatchesEventType(eventType, w.Events)
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("url must be absolute: %s", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https: %s", raw)
	}
	return nil
}
