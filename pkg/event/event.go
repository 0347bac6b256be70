package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a category of domain event that clients can subscribe to.
type Type string

const (
	// TypeAlert is raised when an alert is created, updated or resolved.
	TypeAlert Type = "alert"
	// TypeServerStatus is raised when a monitored server changes status.
	TypeServerStatus Type = "server-status"
	// TypeMetric carries a metric sample that crossed a reporting threshold.
	TypeMetric Type = "metric"
)

// IsValid returns true if the event type is one the hub knows how to route.
func (t Type) IsValid() bool {
	switch t {
	case TypeAlert, TypeServerStatus, TypeMetric:
		return true
	default:
		return false
	}
}

// KnownTypes returns all event types the hub accepts subscriptions for.
func KnownTypes() []Type {
	return []Type{TypeAlert, TypeServerStatus, TypeMetric}
}

// Event is an immutable domain event produced outside the hub. The hub only
// routes events; it never mutates them.
type Event struct {
	ID         string                 `json:"eventId"`
	Type       Type                   `json:"eventType"`
	OrgID      string                 `json:"orgId"`
	EntityID   string                 `json:"entityId,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// New creates an event with a generated ID and the current timestamp.
func New(eventType Type, orgID, entityID string, attributes map[string]interface{}) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OrgID:      orgID,
		EntityID:   entityID,
		Attributes: attributes,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate checks the fields every routable event must carry.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	if e.ID == "" {
		return fmt.Errorf("event ID is required")
	}
	if e.OrgID == "" {
		return fmt.Errorf("event organization ID is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("unknown event type: %s", e.Type)
	}
	return nil
}
