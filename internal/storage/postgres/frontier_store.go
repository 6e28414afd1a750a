package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// FrontierStore persists frontier entries.
type FrontierStore struct {
	pool Querier
}

// NewFrontierStore creates a FrontierStore over the pool.
func NewFrontierStore(pool Querier) *FrontierStore {
	return &FrontierStore{pool: pool}
}

const claimDueSQL = `
WITH due AS (
	SELECT source, task_type, url_hash
	FROM frontier
	WHERE source = $1
	  AND status = 'active'
	  AND (lease_until IS NULL OR lease_until < $2)
	  AND (last_run_at IS NULL OR last_run_at < $3)
	  AND consecutive_failures < $4
	ORDER BY priority ASC, last_run_at ASC NULLS FIRST, first_seen_at ASC
	LIMIT $5
	FOR UPDATE SKIP LOCKED
), leased AS (
	UPDATE frontier f
	SET lease_until = $6,
	    last_dispatched_at = $2
	FROM due
	WHERE f.source = due.source
	  AND f.task_type = due.task_type
	  AND f.url_hash = due.url_hash
	RETURNING f.task_type, f.segment, f.url_hash, f.url, f.priority, f.last_run_at, f.first_seen_at
)
SELECT task_type, segment, url_hash, url
FROM leased
ORDER BY priority ASC, last_run_at ASC NULLS FIRST, first_seen_at ASC`

// ClaimDue selects and leases due entries in one statement. Rows locked by a
// concurrent claim are skipped, never waited on.
func (s *FrontierStore) ClaimDue(ctx context.Context, p frontier.ClaimParams) ([]frontier.ClaimedRow, error) {
	if p.Limit <= 0 {
		return nil, nil
	}
	threshold := p.MaxConsecutiveFailures
	if threshold <= 0 {
		threshold = math.MaxInt32
	}
	recrawlCutoff := p.Now.Add(-time.Duration(p.MinDaysBetweenRuns) * 24 * time.Hour)
	leaseUntil := p.Now.Add(p.LeaseDuration)

	rows, err := querier(ctx, s.pool).Query(ctx, claimDueSQL,
		p.Source,
		p.Now,
		recrawlCutoff,
		threshold,
		p.Limit,
		leaseUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due rows: %w", err)
	}
	defer rows.Close()

	var claimed []frontier.ClaimedRow
	for rows.Next() {
		var row frontier.ClaimedRow
		if err := rows.Scan(&row.TaskType, &row.Segment, &row.URLHash, &row.URL); err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}
	return claimed, nil
}

const releaseLeasesSQL = `
UPDATE frontier
SET lease_until = NULL
WHERE source = $1
  AND (task_type, url_hash) IN (SELECT * FROM unnest($2::text[], $3::text[]))`

// ReleaseLeases clears the leases of previously claimed rows.
func (s *FrontierStore) ReleaseLeases(ctx context.Context, source string, rows []frontier.ClaimedRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	taskTypes := make([]string, len(rows))
	hashes := make([]string, len(rows))
	for i, row := range rows {
		taskTypes[i] = row.TaskType
		hashes[i] = row.URLHash
	}
	tag, err := querier(ctx, s.pool).Exec(ctx, releaseLeasesSQL, source, taskTypes, hashes)
	if err != nil {
		return 0, fmt.Errorf("release leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClearExpiredLeases clears leases that ended before now.
func (s *FrontierStore) ClearExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	tag, err := querier(ctx, s.pool).Exec(ctx,
		`UPDATE frontier SET lease_until = NULL WHERE lease_until IS NOT NULL AND lease_until < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("clear expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

const upsertEntrySQL = `
INSERT INTO frontier (
	source,
	task_type,
	url,
	url_hash,
	segment,
	priority,
	status,
	dedupe_key,
	first_seen_at,
	scope,
	meta
) VALUES (
	$1, $2, $3, $4, $5, $6, 'active', $7, $8, '{}'::jsonb, '{}'::jsonb
)
ON CONFLICT (source, task_type, url_hash) DO UPDATE SET
	priority = EXCLUDED.priority,
	status = 'active',
	dedupe_key = COALESCE(EXCLUDED.dedupe_key, frontier.dedupe_key)`

// Upsert inserts new entries or refreshes existing ones. Items must already
// be normalized and hashed (see frontier.PrepareSeeds).
func (s *FrontierStore) Upsert(
	ctx context.Context,
	source string,
	items []frontier.SeedItem,
	now time.Time,
) (int64, error) {
	q := querier(ctx, s.pool)
	var affected int64
	for _, item := range items {
		priority := frontier.DefaultPriority
		if item.Priority != nil {
			priority = *item.Priority
		}
		tag, err := q.Exec(ctx, upsertEntrySQL,
			source,
			item.TaskType,
			item.URL,
			item.URLHash,
			item.Segment,
			priority,
			item.DedupeKey,
			now,
		)
		if err != nil {
			return affected, fmt.Errorf("upsert frontier entry %s: %w", item.URLHash, err)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

const recordResultSQL = `
UPDATE frontier
SET last_run_at = $4,
    last_result_status = $5,
    last_success_at = CASE WHEN $6 THEN $4 ELSE last_success_at END,
    consecutive_failures = CASE WHEN $6 THEN 0 ELSE consecutive_failures + 1 END,
    status = CASE
        WHEN NOT $6 AND status = 'active' AND $7 > 0 AND consecutive_failures + 1 >= $7 THEN 'quarantined'
        ELSE status
    END,
    lease_until = NULL
WHERE source = $1 AND task_type = $2 AND url_hash = $3`

// RecordResult folds a fetch result into the entry. A non-positive
// quarantineAt disables quarantine.
func (s *FrontierStore) RecordResult(
	ctx context.Context,
	key frontier.EntryKey,
	httpStatus int,
	quarantineAt int,
	now time.Time,
) (int64, error) {
	tag, err := querier(ctx, s.pool).Exec(ctx, recordResultSQL,
		key.Source,
		key.TaskType,
		key.URLHash,
		now,
		httpStatus,
		frontier.Succeeded(httpStatus),
		quarantineAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record frontier result: %w", err)
	}
	return tag.RowsAffected(), nil
}
