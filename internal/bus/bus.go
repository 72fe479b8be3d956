// Package bus carries connection lifecycle and component change events
// between the parts of a node and, with Kafka, across nodes.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe registers handler on topic until ctx is done or the bus closes.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "connection.connected", "component.updated").
	Type string `json:"type"`

	// Source is the service that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// CorrelationID links related events.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Key is the id of the entity the event is about (a connection id or a
	// component id). Events with the same key keep their order on Kafka.
	Key string `json:"key,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent builds an event with a fresh id and the current time.
func NewEvent(eventType, source string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// PartitionKey returns the key used to order the event, falling back to the
// event id for events that are not about one entity.
func (e Event) PartitionKey() string {
	if e.Key != "" {
		return e.Key
	}
	return e.ID
}

// DecodePayload copies the event payload into out.
// In-memory delivery hands over the original value while Kafka delivery
// hands over a decoded JSON map, so both go through a JSON round-trip.
func DecodePayload(event Event, out any) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Topics for different event types.
const (
	// Connection lifecycle topics.
	TopicConnectionConnected    = "connection.connected"
	TopicConnectionDisconnected = "connection.disconnected"
	TopicConnectionEvicted      = "connection.evicted"

	// Component mutation topics.
	TopicComponentCreated = "component.created"
	TopicComponentUpdated = "component.updated"
	TopicComponentDeleted = "component.deleted"
)
