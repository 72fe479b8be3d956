package broadcast

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaebz/magic-mcp/internal/connection"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
	"github.com/vaebz/magic-mcp/internal/pkg/retry"
	"github.com/vaebz/magic-mcp/internal/transport"
)

// Recorder receives broadcast measurements.
type Recorder interface {
	BroadcastCompleted(targeted, delivered, evicted, failed int, elapsed time.Duration, err error)
	DeliveryRetried()
}

type nopRecorder struct{}

func (nopRecorder) BroadcastCompleted(int, int, int, int, time.Duration, error) {}
func (nopRecorder) DeliveryRetried()                                            {}

// Summary reports what one broadcast did.
type Summary struct {
	// Targeted is the recipient count after context filtering and exclusions.
	Targeted int `json:"targeted"`
	// Delivered counts connections that accepted the event.
	Delivered int `json:"delivered"`
	// Evicted counts connections the transport reported gone.
	Evicted int `json:"evicted"`
	// Failed counts connections that used up their attempts.
	Failed int `json:"failed"`
	// Batches is the number of batches started.
	Batches int `json:"batches"`
	// Cancelled is set when the caller's context stopped the fanout early.
	Cancelled bool `json:"cancelled,omitempty"`
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDelivered
	outcomeEvicted
)

// Engine delivers events to registry-selected connections.
type Engine struct {
	registry connection.Registry
	sender   transport.Sender
	evictor  connection.Evictor
	cfg      Config
	log      *logger.Logger
	recorder Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder reports broadcast metrics to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// NewEngine creates a broadcast engine. Gone connections are marked inactive
// through evictor.
func NewEngine(registry connection.Registry, sender transport.Sender, evictor connection.Evictor, cfg Config, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		sender:   sender,
		evictor:  evictor,
		cfg:      cfg.withDefaults(),
		log:      log,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective defaults.
func (e *Engine) Config() Config {
	return e.cfg
}

// Broadcast delivers req.Event to every matching active connection.
//
// Recipients are processed in batches of at most BatchSize concurrent sends;
// a batch starts only after the previous one has fully settled. Per-connection
// failures never fail the broadcast. The returned error is non-nil only when
// the request is invalid, the registry cannot be read, the event cannot be
// serialized, or ctx is cancelled between batches.
func (e *Engine) Broadcast(ctx context.Context, req Request) (summary Summary, err error) {
	start := time.Now()
	defer func() {
		e.recorder.BroadcastCompleted(summary.Targeted, summary.Delivered, summary.Evicted, summary.Failed, time.Since(start), err)
	}()

	if err := req.Validate(); err != nil {
		return summary, err
	}
	if req.BatchSize == 0 {
		req.BatchSize = e.cfg.BatchSize
	}
	if req.RetryLimit == 0 {
		req.RetryLimit = e.cfg.RetryLimit
	}

	log := e.log.WithContext(ctx)
	if req.TargetContext != "" {
		log = log.WithScope(req.TargetContext)
	}

	targets, err := e.resolve(ctx, req)
	if err != nil {
		log.WithError(err).Error("Broadcast target lookup failed", "event", req.Event.Kind)
		return summary, err
	}
	summary.Targeted = len(targets)
	if len(targets) == 0 {
		log.Debug("Broadcast has no recipients", "event", req.Event.Kind)
		return summary, nil
	}

	var shared []byte
	if !req.IncludeMetadata {
		shared, err = req.Event.Encode(nil)
		if err != nil {
			return summary, err
		}
	}

	policy := retry.Policy{
		Attempts:  req.RetryLimit,
		BaseDelay: e.cfg.BaseDelay,
		MaxDelay:  e.cfg.MaxDelay,
	}

	for batch := range slices.Chunk(targets, req.BatchSize) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			summary.Cancelled = true
			log.Warn("Broadcast cancelled",
				"event", req.Event.Kind,
				"batches", summary.Batches,
				"remaining", summary.Targeted-summary.Delivered-summary.Evicted-summary.Failed,
			)
			return summary, ctxErr
		}
		summary.Batches++

		outcomes := make([]outcome, len(batch))
		var g errgroup.Group
		for i, rec := range batch {
			g.Go(func() error {
				outcomes[i] = e.deliver(ctx, log, rec, req, shared, policy)
				return nil
			})
		}
		_ = g.Wait()

		for _, o := range outcomes {
			switch o {
			case outcomeDelivered:
				summary.Delivered++
			case outcomeEvicted:
				summary.Evicted++
			default:
				summary.Failed++
			}
		}
	}

	log.Info("Broadcast completed",
		"event", req.Event.Kind,
		"targeted", summary.Targeted,
		"delivered", summary.Delivered,
		"evicted", summary.Evicted,
		"failed", summary.Failed,
		"batches", summary.Batches,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return summary, nil
}

// resolve returns the active recipients ordered by connection id.
func (e *Engine) resolve(ctx context.Context, req Request) ([]*connection.Record, error) {
	var (
		records []*connection.Record
		err     error
	)
	if req.TargetContext != "" {
		records, err = e.registry.GetByContext(ctx, req.TargetContext)
	} else {
		records, err = e.registry.GetAllActive(ctx)
	}
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(req.ExcludeConnectionIDs))
	for _, id := range req.ExcludeConnectionIDs {
		excluded[id] = struct{}{}
	}

	targets := records[:0]
	for _, rec := range records {
		if !rec.IsActive {
			continue
		}
		if _, skip := excluded[rec.ID]; skip {
			continue
		}
		targets = append(targets, rec)
	}

	slices.SortFunc(targets, func(a, b *connection.Record) int {
		return strings.Compare(a.ID, b.ID)
	})
	return targets, nil
}

func (e *Engine) deliver(ctx context.Context, log *logger.Logger, rec *connection.Record, req Request, shared []byte, policy retry.Policy) outcome {
	log = log.WithConnection(rec.ID)

	payload := shared
	if payload == nil {
		md := rec.Metadata
		var err error
		payload, err = req.Event.Encode(&md)
		if err != nil {
			log.WithError(err).Error("Failed to encode event for connection")
			return outcomeFailed
		}
	}

	attempts := 0
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempts++
		err := e.send(ctx, rec.ID, payload)
		if err != nil && transport.IsGone(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, next time.Duration) {
		e.recorder.DeliveryRetried()
		log.Debug("Retrying delivery", "attempt", attempt, "next_ms", next.Milliseconds(), "error", err)
	})

	switch {
	case err == nil:
		return outcomeDelivered
	case transport.IsGone(err):
		e.evict(ctx, log, rec.ID)
		return outcomeEvicted
	default:
		log.WithError(err).Warn("Delivery failed", "attempts", attempts, "event", req.Event.Kind)
		return outcomeFailed
	}
}

func (e *Engine) send(ctx context.Context, connectionID string, payload []byte) error {
	if e.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()
	}
	return e.sender.Send(ctx, connectionID, payload)
}

// evict marks a gone connection inactive. It runs detached from the
// caller's cancellation so a cancelled broadcast still records the eviction.
func (e *Engine) evict(ctx context.Context, log *logger.Logger, connectionID string) {
	if e.evictor == nil {
		return
	}
	evicted, err := e.evictor.Evict(context.WithoutCancel(ctx), connectionID, connection.ReasonGone)
	if err != nil {
		log.WithError(err).Warn("Failed to evict gone connection")
		return
	}
	if evicted {
		log.Info("Evicted gone connection")
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("targeted=%d delivered=%d evicted=%d failed=%d batches=%d",
		s.Targeted, s.Delivered, s.Evicted, s.Failed, s.Batches)
}
