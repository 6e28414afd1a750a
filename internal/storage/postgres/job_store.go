package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// JobStore persists dispatch audit records.
type JobStore struct {
	pool Querier
}

// NewJobStore creates a JobStore over the pool.
func NewJobStore(pool Querier) *JobStore {
	return &JobStore{pool: pool}
}

// CountDispatched returns how many jobs of source still await a result.
func (s *JobStore) CountDispatched(ctx context.Context, source string) (int, error) {
	var count int
	err := querier(ctx, s.pool).QueryRow(ctx,
		`SELECT count(*) FROM job WHERE source = $1 AND status = 'dispatched'`,
		source,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count dispatched jobs: %w", err)
	}
	return count, nil
}

const insertJobSQL = `
INSERT INTO job (
	job_id,
	source,
	task_type,
	segment,
	url_hash,
	url,
	attempt,
	status,
	scheduled_at,
	last_update_at,
	hints
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// Insert writes a new job row.
func (s *JobStore) Insert(ctx context.Context, job frontier.Job) error {
	hints := job.Hints
	if hints == nil {
		hints = frontier.Document{}
	}
	hintsJSON, err := json.Marshal(hints)
	if err != nil {
		return fmt.Errorf("marshal job hints: %w", err)
	}
	_, err = querier(ctx, s.pool).Exec(ctx, insertJobSQL,
		job.JobID,
		job.Source,
		job.TaskType,
		job.Segment,
		job.URLHash,
		job.URL,
		job.Attempt,
		string(job.Status),
		job.ScheduledAt,
		job.LastUpdateAt,
		hintsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	return nil
}

const recordJobResultSQL = `
UPDATE job
SET status = $2,
    last_update_at = $3,
    hints = jsonb_set(coalesce(hints, '{}'::jsonb), '{last_status}', to_jsonb($4::int), true)
WHERE job_id = $1`

// RecordResult stores the outcome of a job and the last seen HTTP status.
func (s *JobStore) RecordResult(
	ctx context.Context,
	jobID string,
	status frontier.JobStatus,
	httpStatus int,
	now time.Time,
) (int64, error) {
	tag, err := querier(ctx, s.pool).Exec(ctx, recordJobResultSQL, jobID, string(status), now, httpStatus)
	if err != nil {
		return 0, fmt.Errorf("record job result %s: %w", jobID, err)
	}
	return tag.RowsAffected(), nil
}

// ExpireStale marks dispatched jobs whose last update precedes cutoff as failed.
func (s *JobStore) ExpireStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := querier(ctx, s.pool).Exec(ctx,
		`UPDATE job SET status = 'failed', last_update_at = $2 WHERE status = 'dispatched' AND last_update_at < $1`,
		cutoff,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
