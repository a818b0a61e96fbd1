package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcelsud/webhook-dispatch/webhook"
)

// Event is a named application occurrence with an arbitrary data payload
type Event struct {
	Name      string
	Data      json.RawMessage
	Timestamp time.Time
}

// NewEvent creates an Event, marshaling data and stamping the current time
func NewEvent(name string, data interface{}) (Event, error) {
	return NewEventAt(name, data, time.Now().UTC())
}

// NewEventAt creates an Event with a producer-supplied occurrence time.
// A zero time falls back to the current time.
func NewEventAt(name string, data interface{}, at time.Time) (Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling data: %w", err)
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}

	event := Event{
		Name:      name,
		Data:      dataBytes,
		Timestamp: at,
	}

	if err := event.Validate(); err != nil {
		return Event{}, fmt.Errorf("validating event: %w", err)
	}

	return event, nil
}

// Validate checks the event structure
func (e Event) Validate() error {
	if err := webhook.ValidateEventType(e.Name); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	if !json.Valid(e.Data) {
		return fmt.Errorf("data must be valid JSON")
	}
	return nil
}

/* Envelope is the wire format POSTed to webhook endpoints:
 * {event, data, timestamp}. The signature is computed over the exact
 * bytes produced here, and those same bytes are transmitted, so
 * receivers verify without re-serialization concerns.
 */
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Encode serializes the event into its delivery envelope bytes
func (e Event) Encode() ([]byte, error) {
	envelope := Envelope{
		Event:     e.Name,
		Data:      e.Data,
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return raw, nil
}

// DataMap decodes the event data into a map for schema validation.
// Returns an error if the data is not a JSON object.
func (e Event) DataMap() (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, fmt.Errorf("event data is not a JSON object: %w", err)
	}
	return m, nil
}
