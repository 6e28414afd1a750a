// Package watchdog recovers leases and jobs abandoned by crashed or
// interrupted dispatch cycles.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
)

// Config controls the sweep.
type Config struct {
	Interval   time.Duration
	JobTimeout time.Duration
}

// Watchdog periodically clears expired leases and fails stale jobs.
type Watchdog struct {
	frontier store.FrontierRepository
	jobs     store.JobRepository
	clock    frontier.Clock
	cfg      Config
	logger   *zap.Logger
}

// New creates a Watchdog. A non-positive JobTimeout disables job expiry.
func New(
	frontierRepo store.FrontierRepository,
	jobs store.JobRepository,
	clock frontier.Clock,
	cfg Config,
	logger *zap.Logger,
) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{frontier: frontierRepo, jobs: jobs, clock: clock, cfg: cfg, logger: logger}
}

// Run sweeps every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("watchdog sweep failed", zap.Error(err))
			}
		}
	}
}

// Result reports what one sweep changed.
type Result struct {
	LeasesCleared int64
	JobsExpired   int64
}

// Sweep runs one pass. It is idempotent and only touches leases that have
// already expired.
func (w *Watchdog) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := w.clock.Now()

	cleared, err := w.frontier.ClearExpiredLeases(ctx, now)
	if err != nil {
		return res, fmt.Errorf("clear expired leases: %w", err)
	}
	res.LeasesCleared = cleared
	if cleared > 0 {
		telemetry.ObserveLeasesReleased("expired", cleared)
		w.logger.Info("expired leases cleared", zap.Int64("rows", cleared))
	}

	if w.cfg.JobTimeout > 0 {
		expired, err := w.jobs.ExpireStale(ctx, now.Add(-w.cfg.JobTimeout), now)
		if err != nil {
			return res, fmt.Errorf("expire stale jobs: %w", err)
		}
		res.JobsExpired = expired
		if expired > 0 {
			w.logger.Warn("stale jobs failed", zap.Int64("jobs", expired), zap.Duration("timeout", w.cfg.JobTimeout))
		}
	}
	return res, nil
}
