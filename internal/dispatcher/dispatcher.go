// Package dispatcher runs the leader-only scheduling loop that turns due
// frontier rows into dispatched jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/outbox"
	"github.com/JakeFAU/crawl-frontier/internal/schema"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
)

const releaseTimeout = 5 * time.Second

// Config controls the scheduling loop.
type Config struct {
	Tick          time.Duration
	LeaseDuration time.Duration
	MaxBatchSize  int
	Topic         string
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Tx       store.TxManager
	Frontier store.FrontierRepository
	Jobs     store.JobRepository
	Outbox   *outbox.Enqueuer
	Policies frontier.PolicyProvider
	Limiter  frontier.RateLimiter
	Elector  frontier.LeaderElector
	JobIDs   frontier.IDGenerator
	EventIDs frontier.IDGenerator
	Clock    frontier.Clock
}

func (d Deps) validate() error {
	switch {
	case d.Tx == nil, d.Frontier == nil, d.Jobs == nil, d.Outbox == nil:
		return errors.New("dispatcher requires tx manager, frontier, job and outbox stores")
	case d.Policies == nil, d.Limiter == nil, d.Elector == nil:
		return errors.New("dispatcher requires policies, rate limiter and leader elector")
	case d.JobIDs == nil, d.EventIDs == nil, d.Clock == nil:
		return errors.New("dispatcher requires id generators and a clock")
	}
	return nil
}

// Dispatcher claims due rows per source and stages a job plus a dispatched
// event for each, atomically.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.Topic == "" {
		return nil, errors.New("dispatcher topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run ticks until ctx is cancelled. Ticks never overlap.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch tick failed", zap.Error(err))
			}
		}
	}
}

// Tick renews leadership and, when leading, dispatches every source. It
// returns the number of jobs dispatched. Per-source failures are logged and
// do not stop the tick; cancellation does.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatcher.tick")
	defer span.End()

	leading, err := d.deps.Elector.TryAcquireOrRenew(ctx)
	if err != nil {
		return 0, fmt.Errorf("renew leadership: %w", err)
	}
	if !leading {
		return 0, nil
	}

	sources, err := d.deps.Policies.Sources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}

	total := 0
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := d.DispatchSource(ctx, source)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			telemetry.ObserveDispatchError(source)
			d.logger.Error("dispatch source failed", zap.String("source", source), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

// DispatchSource runs one dispatch cycle for source.
func (d *Dispatcher) DispatchSource(ctx context.Context, source string) (int, error) {
	policy, err := d.deps.Policies.Get(ctx, source)
	if err != nil {
		return 0, err
	}
	if policy.MaxConcurrency <= 0 {
		return 0, nil
	}

	inFlight, err := d.deps.Jobs.CountDispatched(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("count dispatched jobs: %w", err)
	}
	capacity := max(0, policy.MaxConcurrency-inFlight)
	batch := min(capacity, policy.BucketSize, d.cfg.MaxBatchSize)
	if batch <= 0 {
		return 0, nil
	}

	admitted, err := d.deps.Limiter.Admit(ctx, "source:"+source, policy.TargetQPS, policy.BucketSize)
	if err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}
	if !admitted {
		telemetry.ObserveRateLimited(source)
		return 0, nil
	}

	now := d.deps.Clock.Now()
	rows, err := d.deps.Frontier.ClaimDue(ctx, frontier.ClaimParams{
		Source:                 source,
		Limit:                  batch,
		MinDaysBetweenRuns:     policy.MinDaysBetweenRuns,
		MaxConsecutiveFailures: policy.MaxConsecutiveFailures,
		LeaseDuration:          d.cfg.LeaseDuration,
		Now:                    now,
	})
	if err != nil {
		return 0, fmt.Errorf("claim due rows: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	telemetry.ObserveClaimed(source, len(rows))

	err = d.deps.Tx.WithTx(ctx, func(txCtx context.Context) error {
		for _, row := range rows {
			if err := d.dispatchRow(txCtx, source, row, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.release(ctx, source, rows)
		return 0, fmt.Errorf("dispatch %d rows: %w", len(rows), err)
	}

	telemetry.ObserveDispatched(source, len(rows))
	d.logger.Debug("dispatched", zap.String("source", source), zap.Int("jobs", len(rows)))
	return len(rows), nil
}

func (d *Dispatcher) dispatchRow(ctx context.Context, source string, row frontier.ClaimedRow, now time.Time) error {
	jobID, err := d.deps.JobIDs.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	eventID, err := d.deps.EventIDs.NewID()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	hint := frontier.PriorityHint(row.TaskType)

	job := frontier.Job{
		JobID:        jobID,
		Source:       source,
		TaskType:     row.TaskType,
		Segment:      row.Segment,
		URLHash:      row.URLHash,
		URL:          row.URL,
		Attempt:      1,
		Status:       frontier.JobDispatched,
		ScheduledAt:  now,
		LastUpdateAt: now,
		Hints:        frontier.Document{"priority": hint},
	}
	if err := d.deps.Jobs.Insert(ctx, job); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	event := frontier.DispatchedEvent{
		SchemaVersion: frontier.SchemaVersion,
		EventID:       eventID,
		OccurredAt:    now,
		Job: frontier.DispatchedJob{
			JobID:    jobID,
			Source:   source,
			TaskType: row.TaskType,
			Segment:  row.Segment,
			Priority: hint,
		},
		Request: frontier.DispatchedRequest{
			URL:     row.URL,
			URLHash: row.URLHash,
			Attempt: 1,
		},
	}
	_, err = d.deps.Outbox.Enqueue(ctx, outbox.Event{
		Topic:   d.cfg.Topic,
		Schema:  schema.JobDispatched,
		Key:     row.URLHash,
		Payload: event,
		Headers: outbox.CloudEventHeaders(eventID, frontier.EventTypeJobDispatched),
	})
	if err != nil {
		return fmt.Errorf("enqueue dispatched event: %w", err)
	}
	return nil
}

// release clears the leases of rows whose dispatch rolled back. It runs in
// its own transaction and survives cancellation of ctx; failures are left to
// the watchdog.
func (d *Dispatcher) release(ctx context.Context, source string, rows []frontier.ClaimedRow) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	var released int64
	err := d.deps.Tx.WithIndependentTx(relCtx, func(txCtx context.Context) error {
		n, err := d.deps.Frontier.ReleaseLeases(txCtx, source, rows)
		released = n
		return err
	})
	if err != nil {
		d.logger.Warn("lease release failed",
			zap.String("source", source),
			zap.Int("rows", len(rows)),
			zap.Error(err),
		)
		return
	}
	telemetry.ObserveLeasesReleased("dispatch_failed", released)
}
