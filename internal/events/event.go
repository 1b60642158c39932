// Package events carries platform events into the service and completion
// notifications out of it. Transports share the Queue interface: an
// in-memory fan-out for single-process deployments, Redis Streams consumer
// groups, and an AMQP work queue.
package events

import (
	"strings"
	"time"
)

// Event is the wire representation of a platform event such as a cheer or a
// follow. Source and Type together identify the kind of event; Username is
// the acting user when the platform reports one and Data holds the
// event-specific fields.
type Event struct {
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Username   string         `json:"username,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Key returns "source:type".
func (e Event) Key() string {
	return strings.TrimSpace(e.Source) + ":" + strings.TrimSpace(e.Type)
}

// String returns the named data field when it is a non-empty string.
func (e Event) String(field string) string {
	if e.Data == nil {
		return ""
	}
	value, _ := e.Data[field].(string)
	return value
}

// Value returns the raw data field.
func (e Event) Value(field string) (any, bool) {
	if e.Data == nil {
		return nil, false
	}
	value, ok := e.Data[field]
	return value, ok
}

// Bool reports whether the named data field is boolean true.
func (e Event) Bool(field string) bool {
	value, _ := e.Value(field)
	flag, _ := value.(bool)
	return flag
}

// NotificationSource identifies events emitted by this service.
const NotificationSource = "mage-credits-generator"

// CreditsEndedType is emitted when a display reports the credits finished.
const CreditsEndedType = "credits-ended"

// CreditsEnded builds the notification for a finished generation.
func CreditsEnded(generationID string, at time.Time) Event {
	return Event{
		Source:     NotificationSource,
		Type:       CreditsEndedType,
		Data:       map[string]any{"generationId": generationID},
		OccurredAt: at,
	}
}

// GenerationCreatedType is emitted when a new generation becomes addressable.
const GenerationCreatedType = "generation-created"

// GenerationCreated builds the notification for a freshly stored generation.
func GenerationCreated(generationID string, at time.Time) Event {
	return Event{
		Source:     NotificationSource,
		Type:       GenerationCreatedType,
		Data:       map[string]any{"generationId": generationID},
		OccurredAt: at,
	}
}
