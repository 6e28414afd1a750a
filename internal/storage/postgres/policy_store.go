package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

// PolicyStore reads per-source policies.
type PolicyStore struct {
	pool Querier
}

// NewPolicyStore creates a PolicyStore over the pool.
func NewPolicyStore(pool Querier) *PolicyStore {
	return &PolicyStore{pool: pool}
}

const getPolicySQL = `
SELECT source, max_concurrency, target_qps, bucket_size, max_attempts, backoff_sec,
       min_days_between_runs, max_consecutive_failures
FROM portal_policy
WHERE source = $1`

// Get returns the explicit policy row of source or store.ErrNotFound.
func (s *PolicyStore) Get(ctx context.Context, source string) (frontier.Policy, error) {
	var (
		p       frontier.Policy
		backoff []int32
	)
	err := querier(ctx, s.pool).QueryRow(ctx, getPolicySQL, source).Scan(
		&p.Source,
		&p.MaxConcurrency,
		&p.TargetQPS,
		&p.BucketSize,
		&p.MaxAttempts,
		&backoff,
		&p.MinDaysBetweenRuns,
		&p.MaxConsecutiveFailures,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return frontier.Policy{}, store.ErrNotFound
		}
		return frontier.Policy{}, fmt.Errorf("get policy %s: %w", source, err)
	}
	p.BackoffSec = make([]int, len(backoff))
	for i, v := range backoff {
		p.BackoffSec[i] = int(v)
	}
	return p, nil
}

const listSourcesSQL = `
SELECT source FROM portal_policy
UNION
SELECT DISTINCT source FROM frontier WHERE status = 'active'
ORDER BY 1`

// ListSources returns every source with a policy row or an active entry.
func (s *PolicyStore) ListSources(ctx context.Context) ([]string, error) {
	rows, err := querier(ctx, s.pool).Query(ctx, listSourcesSQL)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}
