// Package transport pushes serialized events to individual connections.
package transport

import (
	"context"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
)

// Sender pushes one payload to one connection. It must be safe for concurrent
// use with distinct connection ids.
//
// Errors carry one of two codes: CONNECTION_GONE when the connection can never
// receive again, or TRANSIENT when a later attempt may succeed.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, connectionID string, payload []byte) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, connectionID string, payload []byte) error {
	return f(ctx, connectionID, payload)
}

// Gone reports a connection that is permanently unreachable.
func Gone(connectionID string, err error) error {
	return apperrors.Wrap(apperrors.CodeGone, "connection gone", err).
		WithDetail("connection_id", connectionID)
}

// Transient reports a recoverable delivery failure.
func Transient(detail string, err error) error {
	return apperrors.Wrap(apperrors.CodeTransient, detail, err)
}

// IsGone reports whether err marks the connection as permanently gone.
func IsGone(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeGone)
}

// IsTransient reports whether err is a recoverable delivery failure.
func IsTransient(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeTransient)
}
