package broadcast

import (
	"time"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/security"
)

// Request selects the recipients of one event.
type Request struct {
	Event Event

	// TargetContext limits delivery to one context. Empty means every active
	// connection.
	TargetContext string

	// ExcludeConnectionIDs never receive the event, even when they match.
	ExcludeConnectionIDs []string

	// IncludeMetadata attaches each recipient's client metadata, which forces
	// one serialization per recipient.
	IncludeMetadata bool

	// RetryLimit is the number of delivery attempts per connection. Zero uses
	// the engine default.
	RetryLimit int

	// BatchSize caps concurrent sends. Zero uses the engine default.
	BatchSize int
}

// Validate checks the request before any registry access.
func (r Request) Validate() error {
	if r.Event.Kind == "" {
		return apperrors.ValidationError("event kind is required")
	}
	if err := security.ValidateContext(r.TargetContext); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	if err := security.ValidateBatchSize(r.BatchSize); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	if err := security.ValidateRetryLimit(r.RetryLimit); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	return nil
}

// Config holds engine defaults.
type Config struct {
	BatchSize  int
	RetryLimit int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// SendTimeout bounds a single send attempt. Zero means no bound beyond
	// the caller's context.
	SendTimeout time.Duration
}

// DefaultConfig returns batches of 25, three attempts and a 100ms base delay.
func DefaultConfig() Config {
	return Config{
		BatchSize:   25,
		RetryLimit:  3,
		BaseDelay:   100 * time.Millisecond,
		SendTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = d.RetryLimit
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	return c
}
