package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vaebz/magic-mcp/internal/bus"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// AuditEntry represents an audit log entry.
type AuditEntry struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	ConnectionID string            `json:"connection_id,omitempty"`
	Context      string            `json:"context,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// AuditLogger writes connection lifecycle events as JSON lines.
type AuditLogger struct {
	log  *logger.Logger
	file *os.File
	mu   sync.Mutex
}

// AuditLoggerConfig configures the audit logger.
type AuditLoggerConfig struct {
	// LogPath is the path to the audit log file.
	// If empty, logs to the application logger only.
	LogPath string
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditLoggerConfig, log *logger.Logger) (*AuditLogger, error) {
	a := &AuditLogger{log: log}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		a.file = f
	}

	return a, nil
}

// SubscribeToEvents subscribes to connection lifecycle topics on the event bus.
func (a *AuditLogger) SubscribeToEvents(ctx context.Context, eventBus bus.Bus) error {
	topics := []string{
		bus.TopicConnectionConnected,
		bus.TopicConnectionDisconnected,
		bus.TopicConnectionEvicted,
	}
	for _, topic := range topics {
		if err := eventBus.Subscribe(ctx, topic, a.handleLifecycle); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	a.log.Info("Audit logger subscribed to connection events")
	return nil
}

func (a *AuditLogger) handleLifecycle(ctx context.Context, event bus.Event) error {
	var payload LifecyclePayload
	if err := bus.DecodePayload(event, &payload); err != nil {
		a.log.Warn("Invalid payload for connection event", "type", event.Type, "error", err)
		return nil
	}

	entry := AuditEntry{
		Timestamp:    time.UnixMilli(payload.Timestamp).UTC(),
		EventType:    event.Type,
		ConnectionID: payload.ConnectionID,
		Context:      payload.Context,
		Reason:       payload.Reason,
	}
	if md := payload.Metadata; md != nil {
		entry.Details = map[string]string{}
		for k, v := range map[string]string{
			"client_type": md.ClientType,
			"region":      md.Region,
			"environment": md.Environment,
			"version":     md.Version,
		} {
			if v != "" {
				entry.Details[k] = v
			}
		}
	}

	return a.writeEntry(entry)
}

// writeEntry writes an audit entry to the log.
func (a *AuditLogger) writeEntry(entry AuditEntry) error {
	a.log.Info("Connection audit",
		"event", entry.EventType,
		"connection_id", entry.ConnectionID,
		"context", entry.Context,
		"reason", entry.Reason,
	)

	if a.file == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		a.log.Error("Failed to marshal audit entry", "error", err)
		return err
	}

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		a.log.Error("Failed to write audit entry", "error", err)
		return err
	}
	return nil
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}
