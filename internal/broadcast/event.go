// Package broadcast fans an event out to the live connections that match a
// request, in bounded batches with per-connection retry and eviction.
package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vaebz/magic-mcp/internal/connection"
)

// Kind names an event on the wire.
type Kind string

// Event kinds pushed to clients.
const (
	KindComponentCreate Kind = "componentCreate"
	KindComponentUpdate Kind = "componentUpdate"
	KindComponentDelete Kind = "componentDelete"
)

// Event is an immutable message to fan out. Payload is opaque to the engine
// and must be JSON serializable.
type Event struct {
	Kind      Kind
	Payload   any
	Timestamp time.Time
	Metadata  map[string]string
}

// NewEvent stamps an event with the current time.
func NewEvent(kind Kind, payload any) Event {
	return Event{Kind: kind, Payload: payload, Timestamp: time.Now()}
}

// envelope is the wire form:
// {"event": kind, "data": payload, "timestamp": unix ms, "metadata": {...}}.
type envelope struct {
	Event     Kind           `json:"event"`
	Data      any            `json:"data"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Encode serializes the event. A non-nil md adds the recipient's client
// metadata under metadata.clientMetadata. A zero Timestamp is left out.
func (e Event) Encode(md *connection.ClientMetadata) ([]byte, error) {
	env := envelope{Event: e.Kind, Data: e.Payload}
	if !e.Timestamp.IsZero() {
		env.Timestamp = e.Timestamp.UnixMilli()
	}

	if len(e.Metadata) > 0 || md != nil {
		env.Metadata = make(map[string]any, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			env.Metadata[k] = v
		}
		if md != nil {
			env.Metadata["clientMetadata"] = md
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", e.Kind, err)
	}
	return data, nil
}
