package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes expired records. A failed sweep is logged and
// the next tick retries; rows are only ever lost to the expiry predicate.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper builds the background cleaner. A non-positive interval falls
// back to ten minutes.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "idempotency-sweeper")),
		now:      time.Now,
	}
}

// Run blocks until ctx is canceled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce executes one bulk delete of expired rows.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	deleted, err := s.store.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("expired records swept", slog.Int64("deleted", deleted))
	}
	return deleted, nil
}
