package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/vaebz/magic-mcp/internal/bus"
	appctx "github.com/vaebz/magic-mcp/internal/pkg/context"
	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
	"github.com/vaebz/magic-mcp/internal/pkg/security"
)

// Recorder receives lifecycle measurements.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	HeartbeatReceived()
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened()       {}
func (nopRecorder) ConnectionClosed(string) {}
func (nopRecorder) HeartbeatReceived()      {}

// ConnectRequest is the connect signal from the transport layer.
type ConnectRequest struct {
	ConnectionID  string         `json:"connectionId"`
	Context       string         `json:"clientContext,omitempty"`
	Metadata      ClientMetadata `json:"clientMetadata"`
	Roles         []string       `json:"roles,omitempty"`
	AllowedScopes []string       `json:"allowedScopes,omitempty"`
}

// Reply is the response to a message on the default route.
type Reply struct {
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager applies connect, disconnect and heartbeat signals to the registry.
// It is the only writer of new records; the broadcast engine and the sweeper
// evict through it.
type Manager struct {
	registry Registry
	bus      bus.Bus
	log      *logger.Logger
	now      func() time.Time
	recorder Recorder
	onEvict  func(connectionID, reason string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithEvictHook registers fn to run after a connection is made inactive for
// any reason other than a client disconnect. The websocket Hub uses it to
// close sockets whose records were swept or evicted.
func WithEvictHook(fn func(connectionID, reason string)) ManagerOption {
	return func(m *Manager) { m.onEvict = fn }
}

// NewManager creates a lifecycle manager. eventBus may be nil.
func NewManager(registry Registry, eventBus bus.Bus, log *logger.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		bus:      eventBus,
		log:      log,
		now:      time.Now,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Manager) Registry() Registry {
	return m.registry
}

// OnConnect registers a new active connection. A second connect for an id that
// is still active is a protocol violation and fails with ALREADY_ACTIVE.
func (m *Manager) OnConnect(ctx context.Context, req ConnectRequest) (*Record, error) {
	if err := ValidateConnect(req); err != nil {
		return nil, err
	}

	rec := NewRecord(req.ConnectionID, req.Context, req.Metadata.Clone(), m.now())
	rec.Roles = slices.Clone(req.Roles)
	rec.AllowedScopes = slices.Clone(req.AllowedScopes)

	log := m.log.WithContext(appctx.WithConnectionID(ctx, rec.ID))

	if err := m.registry.Insert(ctx, rec); err != nil {
		if apperrors.IsAlreadyActive(err) {
			log.Warn("Connect for already active connection rejected")
		} else {
			log.Error("Failed to register connection", "error", err)
		}
		return nil, err
	}

	m.recorder.ConnectionOpened()
	md := rec.Metadata.Clone()
	m.publish(ctx, bus.TopicConnectionConnected, LifecyclePayload{
		ConnectionID: rec.ID,
		Context:      rec.Context,
		Timestamp:    rec.CreatedAt.UnixMilli(),
		Metadata:     &md,
	})

	log.Info("Connection registered", "context", rec.Context, "client_type", rec.Metadata.ClientType)
	return rec, nil
}

// OnDisconnect marks the connection inactive. Unknown or already inactive ids
// are not an error.
func (m *Manager) OnDisconnect(ctx context.Context, connectionID string) error {
	_, err := m.deactivate(ctx, connectionID, ReasonClient)
	return err
}

// Evict marks the connection inactive for reason and reports whether this call
// performed the transition.
func (m *Manager) Evict(ctx context.Context, connectionID, reason string) (bool, error) {
	return m.deactivate(ctx, connectionID, reason)
}

func (m *Manager) deactivate(ctx context.Context, connectionID, reason string) (bool, error) {
	at := m.now()
	changed, err := m.registry.MarkInactive(ctx, connectionID, at)
	if err != nil {
		m.log.Error("Failed to mark connection inactive",
			"connection_id", security.SanitizeForLog(connectionID),
			"reason", reason,
			"error", err,
		)
		return false, err
	}
	if !changed {
		return false, nil
	}

	m.recorder.ConnectionClosed(reason)
	m.publish(ctx, topicForReason(reason), LifecyclePayload{
		ConnectionID: connectionID,
		Reason:       reason,
		Timestamp:    at.UnixMilli(),
	})
	if reason != ReasonClient && m.onEvict != nil {
		m.onEvict(connectionID, reason)
	}

	m.log.Info("Connection inactive", "connection_id", connectionID, "reason", reason)
	return true, nil
}

// OnHeartbeat records a liveness signal and returns its timestamp. Heartbeats
// for unknown or inactive connections are ignored and not counted; they race
// with disconnects.
func (m *Manager) OnHeartbeat(ctx context.Context, connectionID string) (time.Time, error) {
	at := m.now()
	applied, err := m.registry.MarkHeartbeat(ctx, connectionID, at)
	if err != nil {
		return time.Time{}, err
	}
	if applied {
		m.recorder.HeartbeatReceived()
	}
	return at, nil
}

// HandleMessage answers a message on the default route. An empty body is an
// empty object; a body that is not a JSON object is INVALID_MESSAGE and leaves
// the connection untouched. {"action":"ping"} counts as a heartbeat.
func (m *Manager) HandleMessage(ctx context.Context, connectionID string, body []byte) (*Reply, error) {
	if len(body) > security.MaxMessageSize {
		return nil, apperrors.InvalidMessageError(fmt.Errorf("message exceeds %d bytes", security.MaxMessageSize))
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}

	var msg map[string]any
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, apperrors.InvalidMessageError(err)
	}

	if action, _ := msg["action"].(string); action == "ping" {
		at, err := m.OnHeartbeat(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		return &Reply{Message: "pong", Timestamp: at}, nil
	}

	return &Reply{Message: "Message received", Data: msg, Timestamp: m.now()}, nil
}

func (m *Manager) publish(ctx context.Context, topic string, payload LifecyclePayload) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(topic, EventSource, payload)
	event.Key = payload.ConnectionID
	event.CorrelationID = appctx.GetRequestID(ctx)
	if err := m.bus.Publish(ctx, topic, event); err != nil {
		m.log.Warn("Failed to publish connection event", "topic", topic, "error", err)
	}
}

// ValidateConnect checks a connect signal without touching the registry.
func ValidateConnect(req ConnectRequest) error {
	if err := security.ValidateConnectionID(req.ConnectionID); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	if err := security.ValidateContext(req.Context); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	if err := security.ValidateAttributes(req.Metadata.Attributes); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	return nil
}
