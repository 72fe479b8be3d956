// Package logger provides structured logging utilities.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	appctx "github.com/vaebz/magic-mcp/internal/pkg/context"
	"github.com/vaebz/magic-mcp/internal/pkg/security"
)

// clientKeys are attributes whose values arrive from clients unchecked.
var clientKeys = map[string]bool{
	"connection_id": true,
	"context":       true,
	"client_type":   true,
	"user_id":       true,
}

// Logger wraps slog.Logger with additional context.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level and format.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger that writes to w.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: sanitizeClientAttr,
	}

	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger carrying the request and connection ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	out := l
	if reqID := appctx.GetRequestID(ctx); reqID != "" {
		out = &Logger{Logger: out.With("request_id", reqID)}
	}
	if connID := appctx.GetConnectionID(ctx); connID != "" {
		out = &Logger{Logger: out.With("connection_id", connID)}
	}
	return out
}

// WithConnection returns a logger scoped to one connection.
func (l *Logger) WithConnection(connectionID string) *Logger {
	return &Logger{
		Logger: l.With("connection_id", connectionID),
	}
}

// WithScope returns a logger scoped to a broadcast context.
func (l *Logger) WithScope(scope string) *Logger {
	return &Logger{
		Logger: l.With("context", scope),
	}
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.With("error", err.Error()),
	}
}

func sanitizeClientAttr(_ []string, a slog.Attr) slog.Attr {
	if clientKeys[a.Key] && a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(security.SanitizeForLog(a.Value.String()))
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the default logger.
func Default() *Logger {
	return New("info", "text")
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "error", "text")
}
