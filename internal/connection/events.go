package connection

import "github.com/vaebz/magic-mcp/internal/bus"

// Reasons a connection leaves the active set.
const (
	ReasonClient = "client" // explicit disconnect signal
	ReasonStale  = "stale"  // heartbeat silence past the sweep threshold
	ReasonGone   = "gone"   // transport reported the connection permanently gone
	ReasonAdmin  = "admin"
)

// EventSource identifies lifecycle events on the bus.
const EventSource = "connection"

// LifecyclePayload is the payload of every connection.* bus event.
type LifecyclePayload struct {
	ConnectionID string          `json:"connection_id"`
	Context      string          `json:"context,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	Metadata     *ClientMetadata `json:"client_metadata,omitempty"`
}

func topicForReason(reason string) string {
	if reason == ReasonClient {
		return bus.TopicConnectionDisconnected
	}
	return bus.TopicConnectionEvicted
}
