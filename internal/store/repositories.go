package store

import (
	"context"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// TxManager scopes repository calls to a transaction carried in the context.
type TxManager interface {
	// WithTx runs fn inside a transaction, joining one already present in ctx.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// WithIndependentTx always opens a fresh transaction that commits or rolls
	// back on its own, regardless of any transaction present in ctx.
	WithIndependentTx(ctx context.Context, fn func(ctx context.Context) error) error
	// WithSavepoint runs fn as a nested unit of the transaction in ctx. An
	// error from fn undoes only fn's writes; the outer transaction stays
	// usable. Without a transaction in ctx it behaves like WithTx.
	WithSavepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// FrontierRepository persists frontier entries and their leases.
type FrontierRepository interface {
	// ClaimDue leases up to p.Limit due entries of one source and returns them.
	ClaimDue(ctx context.Context, p frontier.ClaimParams) ([]frontier.ClaimedRow, error)
	// ReleaseLeases clears lease_until on the given rows of one source.
	ReleaseLeases(ctx context.Context, source string, rows []frontier.ClaimedRow) (int64, error)
	// ClearExpiredLeases clears every lease that ended before now.
	ClearExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	// Upsert inserts or refreshes entries keyed by (source, task_type, url_hash).
	Upsert(ctx context.Context, source string, items []frontier.SeedItem, now time.Time) (int64, error)
	// RecordResult folds one fetch result into the entry and clears its lease.
	RecordResult(ctx context.Context, key frontier.EntryKey, httpStatus int, quarantineAt int, now time.Time) (int64, error)
}

// JobRepository persists dispatch audit records.
type JobRepository interface {
	CountDispatched(ctx context.Context, source string) (int, error)
	Insert(ctx context.Context, job frontier.Job) error
	RecordResult(ctx context.Context, jobID string, status frontier.JobStatus, httpStatus int, now time.Time) (int64, error)
	// ExpireStale fails dispatched jobs not updated since cutoff.
	ExpireStale(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// OutboxRepository persists events waiting for publication.
type OutboxRepository interface {
	Insert(ctx context.Context, msg frontier.OutboxMessage) (int64, error)
	// LockPending returns unsent, not-dead messages oldest first, locking them
	// for the surrounding transaction and skipping rows locked elsewhere.
	LockPending(ctx context.Context, q PendingQuery) ([]frontier.OutboxMessage, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, errText string) error
	MarkDead(ctx context.Context, id int64, reason string) error
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountDead(ctx context.Context) (int64, error)
}

// PendingQuery bounds one outbox drain pass.
type PendingQuery struct {
	Limit       int
	MaxAttempts int
	// Backoff[i] is the wait after attempt i+1; the last entry repeats.
	Backoff []time.Duration
	Now     time.Time
}

// PolicyRepository reads per-source policies.
type PolicyRepository interface {
	// Get returns ErrNotFound when the source has no explicit row.
	Get(ctx context.Context, source string) (frontier.Policy, error)
	// ListSources returns every source with a policy row or an active entry.
	ListSources(ctx context.Context) ([]string, error)
}

// EventLog is the idempotency ledger for inbound events.
type EventLog interface {
	// Record inserts the event id and reports false when it was already present.
	Record(ctx context.Context, eventID, topic string, at time.Time) (bool, error)
}
