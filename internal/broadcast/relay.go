package broadcast

import (
	"context"
	"fmt"

	"github.com/vaebz/magic-mcp/internal/bus"
	"github.com/vaebz/magic-mcp/internal/component"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// Broadcaster is the part of Engine the relay needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, req Request) (Summary, error)
}

var componentKinds = map[string]Kind{
	bus.TopicComponentCreated: KindComponentCreate,
	bus.TopicComponentUpdated: KindComponentUpdate,
	bus.TopicComponentDeleted: KindComponentDelete,
}

// Relay turns component change events into broadcasts. A component with a
// context is pushed to that context only.
type Relay struct {
	broadcaster Broadcaster
	log         *logger.Logger
}

// NewRelay creates a relay.
func NewRelay(b Broadcaster, log *logger.Logger) *Relay {
	return &Relay{broadcaster: b, log: log}
}

// Subscribe registers the relay on every component topic.
func (r *Relay) Subscribe(ctx context.Context, eventBus bus.Bus) error {
	for topic := range componentKinds {
		if err := eventBus.Subscribe(ctx, topic, r.handle); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, event bus.Event) error {
	kind, ok := componentKinds[event.Type]
	if !ok {
		return fmt.Errorf("unexpected topic %q", event.Type)
	}

	var change component.ChangePayload
	if err := bus.DecodePayload(event, &change); err != nil {
		return fmt.Errorf("decoding %s payload: %w", event.Type, err)
	}

	req := Request{Event: NewEvent(kind, change)}
	if change.Component != nil {
		req.TargetContext = change.Component.Context
	}

	summary, err := r.broadcaster.Broadcast(ctx, req)
	if err != nil {
		return fmt.Errorf("broadcasting %s: %w", kind, err)
	}
	r.log.Debug("Relayed component change", "event", kind, "summary", summary.String())
	return nil
}
