package connection

import (
	"context"
	"time"

	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// Evictor marks a connection inactive for a reason. *Manager implements it.
type Evictor interface {
	Evict(ctx context.Context, connectionID, reason string) (bool, error)
}

// SweepRecorder receives sweep measurements.
type SweepRecorder interface {
	SweepCompleted(scanned, evicted, failed int, elapsed time.Duration)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned  int              `json:"scanned"`
	Evicted  int              `json:"evicted"`
	Failures map[string]error `json:"-"`
}

// SweeperConfig configures the background sweep.
type SweeperConfig struct {
	Interval  time.Duration
	Threshold time.Duration
}

// Sweeper evicts connections that stopped heartbeating without disconnecting.
// Broadcast failures evict most dead connections first; the sweeper catches
// the ones no broadcast reached.
type Sweeper struct {
	registry  Registry
	evictor   Evictor
	log       *logger.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	recorder  SweepRecorder
}

// NewSweeper creates a sweeper. Zero config values fall back to a one minute
// interval and a five minute threshold.
func NewSweeper(registry Registry, evictor Evictor, cfg SweeperConfig, log *logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	return &Sweeper{
		registry:  registry,
		evictor:   evictor,
		log:       log,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		now:       time.Now,
	}
}

// SetRecorder attaches a metrics recorder.
func (s *Sweeper) SetRecorder(r SweepRecorder) {
	s.recorder = r
}

// Sweep evicts every active connection silent for longer than threshold as of
// now. A failed eviction is recorded in the result and the sweep continues.
// A registry read failure or cancellation ends the sweep early.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time, threshold time.Duration) (SweepResult, error) {
	start := time.Now()
	result := SweepResult{Failures: make(map[string]error)}

	records, err := s.registry.GetAllActive(ctx)
	if err != nil {
		return result, err
	}
	result.Scanned = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			s.record(result, start)
			return result, err
		}
		if rec.IdleFor(now) <= threshold {
			continue
		}

		evicted, err := s.evictor.Evict(ctx, rec.ID, ReasonStale)
		if err != nil {
			result.Failures[rec.ID] = err
			continue
		}
		if evicted {
			result.Evicted++
		}
	}

	s.record(result, start)
	return result, nil
}

func (s *Sweeper) record(result SweepResult, start time.Time) {
	if s.recorder != nil {
		s.recorder.SweepCompleted(result.Scanned, result.Evicted, len(result.Failures), time.Since(start))
	}
}

// Run sweeps on every interval tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Stale sweeper started", "interval", s.interval, "threshold", s.threshold)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-ctx.Done():
			s.log.Info("Stale sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	result, err := s.Sweep(ctx, s.now(), s.threshold)
	if err != nil && ctx.Err() == nil {
		s.log.Error("Sweep failed", "error", err)
		return
	}
	if result.Evicted > 0 || len(result.Failures) > 0 {
		s.log.Info("Sweep completed",
			"scanned", result.Scanned,
			"evicted", result.Evicted,
			"failed", len(result.Failures),
		)
	}
	for id, ferr := range result.Failures {
		s.log.Warn("Failed to evict stale connection", "connection_id", id, "error", ferr)
	}
}
