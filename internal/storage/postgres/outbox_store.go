package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

// OutboxStore persists events waiting for publication.
type OutboxStore struct {
	pool Querier
}

// NewOutboxStore creates an OutboxStore over the pool.
func NewOutboxStore(pool Querier) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// Insert enqueues a message and returns its id.
func (s *OutboxStore) Insert(ctx context.Context, msg frontier.OutboxMessage) (int64, error) {
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return 0, fmt.Errorf("marshal outbox headers: %w", err)
	}
	var id int64
	err = querier(ctx, s.pool).QueryRow(ctx,
		`INSERT INTO outbox (topic, k, v, headers, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		msg.Topic,
		msg.Key,
		[]byte(msg.Value),
		headersJSON,
		msg.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert outbox message: %w", err)
	}
	return id, nil
}

const lockPendingSQL = `
SELECT id, topic, k, v, headers, created_at, sent_at, attempts, last_error
FROM outbox
WHERE sent_at IS NULL
  AND (last_error IS NULL OR last_error NOT LIKE 'DEAD:%')
  AND (
    attempts = 0
    OR attempts >= $2
    OR created_at + make_interval(secs => ($3::int[])[LEAST(attempts, cardinality($3::int[]))]) < $4
  )
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED`

// LockPending locks up to q.Limit unsent, live messages for the surrounding
// transaction. Messages still inside their backoff window are left out so
// they cannot crowd ready ones out of the batch; messages at or past
// q.MaxAttempts are returned so the caller can retire them.
func (s *OutboxStore) LockPending(ctx context.Context, q store.PendingQuery) ([]frontier.OutboxMessage, error) {
	backoff := make([]int32, 0, len(q.Backoff))
	for _, d := range q.Backoff {
		backoff = append(backoff, int32(d/time.Second))
	}
	if len(backoff) == 0 {
		backoff = append(backoff, 0)
	}
	rows, err := querier(ctx, s.pool).Query(ctx, lockPendingSQL, q.Limit, q.MaxAttempts, backoff, q.Now)
	if err != nil {
		return nil, fmt.Errorf("lock pending outbox: %w", err)
	}
	defer rows.Close()

	var out []frontier.OutboxMessage
	for rows.Next() {
		var (
			msg     frontier.OutboxMessage
			value   []byte
			headers []byte
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.Topic,
			&msg.Key,
			&value,
			&headers,
			&msg.CreatedAt,
			&msg.SentAt,
			&msg.Attempts,
			&msg.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msg.Value = json.RawMessage(value)
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &msg.Headers); err != nil {
				return nil, fmt.Errorf("decode outbox headers %d: %w", msg.ID, err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

// MarkSent records a successful publication.
func (s *OutboxStore) MarkSent(ctx context.Context, id int64, at time.Time) error {
	_, err := querier(ctx, s.pool).Exec(ctx,
		`UPDATE outbox SET sent_at = $2, attempts = attempts + 1, last_error = NULL WHERE id = $1`,
		id,
		at,
	)
	if err != nil {
		return fmt.Errorf("mark outbox %d sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed publication attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errText string) error {
	_, err := querier(ctx, s.pool).Exec(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id,
		errText,
	)
	if err != nil {
		return fmt.Errorf("mark outbox %d failed: %w", id, err)
	}
	return nil
}

// MarkDead retires an unsent message permanently.
func (s *OutboxStore) MarkDead(ctx context.Context, id int64, reason string) error {
	_, err := querier(ctx, s.pool).Exec(ctx,
		`UPDATE outbox SET last_error = $2 WHERE id = $1 AND sent_at IS NULL`,
		id,
		store.DeadPrefix+reason,
	)
	if err != nil {
		return fmt.Errorf("mark outbox %d dead: %w", id, err)
	}
	return nil
}

// DeleteSentBefore prunes messages published before cutoff.
func (s *OutboxStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := querier(ctx, s.pool).Exec(ctx,
		`DELETE FROM outbox WHERE sent_at IS NOT NULL AND sent_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete sent outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDead returns how many messages are parked as dead.
func (s *OutboxStore) CountDead(ctx context.Context) (int64, error) {
	var count int64
	err := querier(ctx, s.pool).QueryRow(ctx,
		`SELECT count(*) FROM outbox WHERE sent_at IS NULL AND last_error LIKE 'DEAD:%'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count dead outbox: %w", err)
	}
	return count, nil
}
