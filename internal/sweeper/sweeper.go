// Package sweeper expires idle chat sessions on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSchedule runs a sweep every fifteen minutes.
const DefaultSchedule = "*/15 * * * *"

// Purger resets chats not updated since before. store.SessionStore
// implements it.
type Purger interface {
	PurgeIdle(ctx context.Context, before time.Time) (int, error)
}

// Sweeper returns chats idle for longer than its TTL to the welcome menu.
type Sweeper struct {
	purger  Purger
	expr    string
	idleTTL time.Duration
	now     func() time.Time
}

// New creates a Sweeper. expr is a cron expression; empty means DefaultSchedule.
func New(purger Purger, expr string, idleTTL time.Duration) (*Sweeper, error) {
	if idleTTL <= 0 {
		return nil, fmt.Errorf("idle ttl must be positive, got %s", idleTTL)
	}
	if expr == "" {
		expr = DefaultSchedule
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep schedule %q", expr)
	}
	return &Sweeper{purger: purger, expr: expr, idleTTL: idleTTL, now: time.Now}, nil
}

// SweepOnce purges sessions idle for longer than the TTL.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.idleTTL)
	n, err := s.purger.PurgeIdle(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge idle sessions: %w", err)
	}
	if n > 0 {
		slog.Info("sweeper: idle sessions purged", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Next returns the first scheduled run after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run sweeps on schedule until ctx is done. Sweep failures are logged and
// retried at the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper started", "schedule", s.expr, "idle_ttl", s.idleTTL)
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("next sweep: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("sweeper stopped")
			return nil
		case <-timer.C:
		}

		if _, err := s.SweepOnce(ctx); err != nil {
			slog.Warn("sweeper: sweep failed", "error", err)
		}
	}
}
