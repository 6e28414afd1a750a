package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
)

const (
	deadReason  = "exceeded maximum retry attempts"
	maxErrorLen = 500
)

// DefaultBackoff is the wait after the n-th failed attempt; the last step
// repeats.
var DefaultBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	8 * time.Hour,
}

// Config controls the relay loops.
type Config struct {
	DrainInterval   time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	PublishTimeout  time.Duration
	BatchSize       int
	MaxAttempts     int
	Backoff         []time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainInterval <= 0 {
		c.DrainInterval = 500 * time.Millisecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Decision is what a drain pass does with one pending message.
type Decision int

const (
	// Ready messages are published now.
	Ready Decision = iota
	// Wait messages are still inside their backoff window.
	Wait
	// Retire messages exhausted their attempts and are parked as dead.
	Retire
)

// Decide classifies msg at now.
func Decide(msg frontier.OutboxMessage, now time.Time, maxAttempts int, backoff []time.Duration) Decision {
	if msg.Attempts >= maxAttempts {
		return Retire
	}
	if msg.Attempts == 0 || len(backoff) == 0 {
		return Ready
	}
	ref := msg.CreatedAt
	if msg.SentAt != nil {
		ref = *msg.SentAt
	}
	idx := min(msg.Attempts, len(backoff)) - 1
	if now.After(ref.Add(backoff[idx])) {
		return Ready
	}
	return Wait
}

// Relay publishes committed outbox messages at least once.
type Relay struct {
	tx        store.TxManager
	repo      store.OutboxRepository
	publisher frontier.Publisher
	clock     frontier.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewRelay creates a Relay.
func NewRelay(
	tx store.TxManager,
	repo store.OutboxRepository,
	publisher frontier.Publisher,
	clock frontier.Clock,
	cfg Config,
	logger *zap.Logger,
) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		tx:        tx,
		repo:      repo,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run drains and prunes the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	drain := time.NewTicker(r.cfg.DrainInterval)
	defer drain.Stop()
	cleanup := time.NewTicker(r.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-drain.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox drain failed", zap.Error(err))
			}
		case <-cleanup.C:
			if err := r.Cleanup(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Drain runs one relay pass and returns the number of messages published.
// Each message is recorded under its own savepoint, so a failed mark undoes
// only that message and the rest of the pass still commits. Bookkeeping
// commits even if ctx is cancelled midway, so a message is never published
// and then forgotten.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	sent := 0
	var markErrs []error
	err := r.tx.WithTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		now := r.clock.Now()
		msgs, err := r.repo.LockPending(txCtx, store.PendingQuery{
			Limit:       r.cfg.BatchSize,
			MaxAttempts: r.cfg.MaxAttempts,
			Backoff:     r.cfg.Backoff,
			Now:         now,
		})
		if err != nil {
			return fmt.Errorf("lock pending outbox: %w", err)
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				break
			}
			published, err := r.relayOne(ctx, txCtx, msg, now)
			if err != nil {
				r.logger.Error("outbox bookkeeping failed",
					zap.Int64("id", msg.ID),
					zap.String("topic", msg.Topic),
					zap.Error(err),
				)
				markErrs = append(markErrs, err)
				continue
			}
			if published {
				sent++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, errors.Join(markErrs...)
}

func (r *Relay) relayOne(ctx, txCtx context.Context, msg frontier.OutboxMessage, now time.Time) (bool, error) {
	switch Decide(msg, now, r.cfg.MaxAttempts, r.cfg.Backoff) {
	case Wait:
		return false, nil
	case Retire:
		err := r.tx.WithSavepoint(txCtx, func(spCtx context.Context) error {
			return r.repo.MarkDead(spCtx, msg.ID, deadReason)
		})
		if err != nil {
			return false, fmt.Errorf("mark outbox %d dead: %w", msg.ID, err)
		}
		r.logger.Warn("outbox message retired",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Int("attempts", msg.Attempts),
		)
		return false, nil
	}

	if pubErr := r.publish(ctx, msg); pubErr != nil {
		telemetry.ObserveOutboxFailed(msg.Topic)
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Error(pubErr),
		)
		err := r.tx.WithSavepoint(txCtx, func(spCtx context.Context) error {
			return r.repo.MarkFailed(spCtx, msg.ID, truncate(pubErr.Error()))
		})
		if err != nil {
			return false, fmt.Errorf("mark outbox %d failed: %w", msg.ID, err)
		}
		return false, nil
	}
	err := r.tx.WithSavepoint(txCtx, func(spCtx context.Context) error {
		return r.repo.MarkSent(spCtx, msg.ID, r.clock.Now())
	})
	if err != nil {
		return false, fmt.Errorf("mark outbox %d sent: %w", msg.ID, err)
	}
	telemetry.ObserveOutboxPublished(msg.Topic)
	return true, nil
}

// publish is not cut short by cancellation of ctx; an in-flight publish
// finishes or times out so its outcome can be recorded.
func (r *Relay) publish(ctx context.Context, msg frontier.OutboxMessage) error {
	base := telemetry.ExtractHeaders(context.WithoutCancel(ctx), msg.Headers)
	pubCtx, cancel := context.WithTimeout(base, r.cfg.PublishTimeout)
	defer cancel()
	pubCtx, span := telemetry.StartSpan(pubCtx, "outbox.publish")
	defer span.End()

	return r.publisher.Publish(pubCtx, frontier.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: msg.Headers,
	})
}

// Cleanup deletes messages published before the retention window and
// refreshes the dead-letter gauge.
func (r *Relay) Cleanup(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.cfg.Retention)
	deleted, err := r.repo.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete sent outbox: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("outbox pruned", zap.Int64("deleted", deleted))
	}
	dead, err := r.repo.CountDead(ctx)
	if err != nil {
		return fmt.Errorf("count dead outbox: %w", err)
	}
	telemetry.SetOutboxDead(dead)
	return nil
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen] + "..."
}
