package webhook

import (
	"fmt"
	"regexp"
)

// eventTypePattern validates event types: hierarchical, full-stop delimited, [a-zA-Z0-9_.]
var eventTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

// technicalNamePattern validates machine-readable webhook labels
var technicalNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateEventType validates an event type format.
// A trailing ".*" wildcard is allowed in subscriptions.
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}

	if len(eventType) > 2 && eventType[len(eventType)-2:] == ".*" {
		eventType = eventType[:len(eventType)-2]
	}

	if !eventTypePattern.MatchString(eventType) {
		return fmt.Errorf("event type must be hierarchical and contain only [a-zA-Z0-9_.]: %s", eventType)
	}

	return nil
}

// MatchesEventType checks if an event type matches any of the given subscriptions.
// Supports exact matching and prefix matching (e.g., "user.*" matches "user.created").
func MatchesEventType(eventType string, subscriptions []string) bool {
	for _, sub := range subscriptions {
		if eventType == sub {
			return true
		}

		if len(sub) > 2 && sub[len(sub)-2:] == ".*" {
			prefix := sub[:len(sub)-2]
			if len(eventType) > len(prefix) && eventType[:len(prefix)] == prefix && eventType[len(prefix)] == '.' {
				return true
			}
		}
	}

	return false
}
