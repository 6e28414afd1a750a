package postgres

import (
	"context"
	"fmt"
	"time"
)

// EventLogStore is the Postgres idempotency ledger.
type EventLogStore struct {
	pool Querier
}

// NewEventLogStore creates an EventLogStore over the pool.
func NewEventLogStore(pool Querier) *EventLogStore {
	return &EventLogStore{pool: pool}
}

// Record inserts eventID and reports whether it was new. Inside a transaction
// a concurrent insert of the same id blocks until the other unit resolves.
func (s *EventLogStore) Record(ctx context.Context, eventID, topic string, at time.Time) (bool, error) {
	tag, err := querier(ctx, s.pool).Exec(ctx,
		`INSERT INTO event_log (event_id, topic, processed_at) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		topic,
		at,
	)
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}
