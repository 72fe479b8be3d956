package connection

import (
	"context"
	"time"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
)

// Registry stores connection records keyed by connection id with context as a
// secondary lookup. Every mutation touches a single record and is conditional
// on that record's current state, so no cross-record locking is needed.
//
// Implementations surface backing-store failures as REGISTRY_UNAVAILABLE
// errors and never retry internally.
type Registry interface {
	// Insert stores rec. It fails with ALREADY_ACTIVE if an active record with
	// the same id exists; an inactive record with the same id is replaced.
	Insert(ctx context.Context, rec *Record) error

	// Get returns the record for id, active or not, or NOT_FOUND.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByContext returns the active records whose context equals name.
	GetByContext(ctx context.Context, name string) ([]*Record, error)

	// GetAllActive returns every active record.
	GetAllActive(ctx context.Context) ([]*Record, error)

	// MarkHeartbeat moves LastHeartbeatAt forward to at and reports whether it
	// did. Unknown or inactive ids and timestamps older than the stored one
	// are ignored.
	MarkHeartbeat(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkInactive flips an active record to inactive with DisconnectedAt = at.
	// It reports whether this call performed the transition.
	MarkInactive(ctx context.Context, id string, at time.Time) (bool, error)
}

// Pinger is implemented by registries that can probe their backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping probes r if it supports probing.
func Ping(ctx context.Context, r Registry) error {
	if p, ok := r.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func unavailable(op string, err error) error {
	return apperrors.RegistryUnavailableError(op, err)
}

func notFound(id string) error {
	return apperrors.NotFoundError("connection").WithDetail("connection_id", id)
}
