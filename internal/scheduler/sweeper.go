package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/field-dispatch/internal/assignment"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
)

// Expirer is the slice of the engine the sweeper drives.
type Expirer interface {
	Expire(ctx context.Context, offerID string) error
}

// OverdueSource lists pending offers past due, oldest job first.
type OverdueSource interface {
	ExpiredPending(ctx context.Context, now time.Time) ([]models.Offer, error)
}

// Sweeper periodically expires overdue offers. Each offer is handled in
// isolation: one bad record never aborts the rest of the backlog, and
// the running flag keeps a slow sweep from overlapping the next tick.
type Sweeper struct {
	Store    OverdueSource
	Engine   Expirer
	Logger   *slog.Logger
	Interval time.Duration

	// Now is swappable for tests.
	Now func() time.Time

	running atomic.Bool
}

func NewSweeper(store OverdueSource, engine Expirer, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{Store: store, Engine: engine, Logger: logger, Interval: interval}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Logger.Info("sweeper started", "interval", s.Interval)
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("sweeper shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. A pass still draining when the next tick fires is
// skipped, not stacked.
func (s *Sweeper) Sweep(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.Logger.Warn("sweep still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	start := time.Now()
	now := s.now()

	overdue, err := s.Store.ExpiredPending(ctx, now)
	if err != nil {
		s.Logger.Error("sweep load failed", "error", err)
		return
	}
	if len(overdue) == 0 {
		return
	}

	expired := 0
	for _, o := range overdue {
		if ctx.Err() != nil {
			return
		}
		if err := s.Engine.Expire(ctx, o.ID); err != nil {
			// Conflict means someone else already transitioned the
			// offer; anything else is a per-item transient.
			if errors.Is(err, assignment.ErrConflict) {
				continue
			}
			observability.SweepErrors.Inc()
			s.Logger.Error("sweep item failed", "offer_id", o.ID, "job_id", o.JobID, "error", err)
			continue
		}
		expired++
	}

	observability.SweepDuration.Observe(time.Since(start).Seconds())
	s.Logger.Info("sweep finished", "overdue", len(overdue), "expired", expired, "took_ms", time.Since(start).Milliseconds())
}
