package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// FrontierStore implements store.FrontierRepository.
type FrontierStore struct {
	db *DB
}

// Frontier returns the frontier store of db.
func (db *DB) Frontier() *FrontierStore {
	return &FrontierStore{db: db}
}

// ClaimDue leases due entries under the DB lock, which gives the same
// at-most-one-claimant guarantee as a skip-locked claim.
func (s *FrontierStore) ClaimDue(_ context.Context, p frontier.ClaimParams) ([]frontier.ClaimedRow, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail(OpClaim); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		return nil, nil
	}
	threshold := p.MaxConsecutiveFailures
	if threshold <= 0 {
		threshold = math.MaxInt32
	}
	cutoff := p.Now.Add(-time.Duration(p.MinDaysBetweenRuns) * 24 * time.Hour)

	var due []frontier.Entry
	for _, e := range s.db.st.entries {
		if e.Source != p.Source || e.Status != frontier.EntryActive {
			continue
		}
		if e.LeaseUntil != nil && !e.LeaseUntil.Before(p.Now) {
			continue
		}
		if e.LastRunAt != nil && !e.LastRunAt.Before(cutoff) {
			continue
		}
		if e.ConsecutiveFailures >= threshold {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return claimLess(due[i], due[j]) })
	if len(due) > p.Limit {
		due = due[:p.Limit]
	}

	leaseUntil := p.Now.Add(p.LeaseDuration)
	now := p.Now
	rows := make([]frontier.ClaimedRow, 0, len(due))
	for _, e := range due {
		e.LeaseUntil = &leaseUntil
		e.LastDispatchedAt = &now
		s.db.st.entries[e.EntryKey] = e
		rows = append(rows, frontier.ClaimedRow{TaskType: e.TaskType, Segment: e.Segment, URLHash: e.URLHash, URL: e.URL})
	}
	return rows, nil
}

func claimLess(a, b frontier.Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	switch {
	case a.LastRunAt == nil && b.LastRunAt != nil:
		return true
	case a.LastRunAt != nil && b.LastRunAt == nil:
		return false
	case a.LastRunAt != nil && !a.LastRunAt.Equal(*b.LastRunAt):
		return a.LastRunAt.Before(*b.LastRunAt)
	}
	if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	}
	return a.URLHash < b.URLHash
}

// ReleaseLeases clears the leases of the given rows.
func (s *FrontierStore) ReleaseLeases(_ context.Context, source string, rows []frontier.ClaimedRow) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail(OpRelease); err != nil {
		return 0, err
	}
	var n int64
	for _, row := range rows {
		key := frontier.EntryKey{Source: source, TaskType: row.TaskType, URLHash: row.URLHash}
		e, ok := s.db.st.entries[key]
		if !ok {
			continue
		}
		e.LeaseUntil = nil
		s.db.st.entries[key] = e
		n++
	}
	return n, nil
}

// ClearExpiredLeases clears every lease that ended before now.
func (s *FrontierStore) ClearExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for key, e := range s.db.st.entries {
		if e.LeaseUntil != nil && e.LeaseUntil.Before(now) {
			e.LeaseUntil = nil
			s.db.st.entries[key] = e
			n++
		}
	}
	return n, nil
}

// Upsert inserts or refreshes entries.
func (s *FrontierStore) Upsert(_ context.Context, source string, items []frontier.SeedItem, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail(OpUpsert); err != nil {
		return 0, err
	}
	var n int64
	for _, item := range items {
		priority := frontier.DefaultPriority
		if item.Priority != nil {
			priority = *item.Priority
		}
		key := frontier.EntryKey{Source: source, TaskType: item.TaskType, URLHash: item.URLHash}
		e, ok := s.db.st.entries[key]
		if !ok {
			e = frontier.Entry{
				EntryKey:    key,
				URL:         item.URL,
				Segment:     item.Segment,
				FirstSeenAt: now,
				Scope:       frontier.Document{},
				Meta:        frontier.Document{},
			}
		}
		e.Priority = priority
		e.Status = frontier.EntryActive
		if item.DedupeKey != nil {
			dk := *item.DedupeKey
			e.DedupeKey = &dk
		}
		s.db.st.entries[key] = e
		n++
	}
	return n, nil
}

// RecordResult folds a fetch result into the entry.
func (s *FrontierStore) RecordResult(
	_ context.Context,
	key frontier.EntryKey,
	httpStatus int,
	quarantineAt int,
	now time.Time,
) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail(OpFrontierResult); err != nil {
		return 0, err
	}
	e, ok := s.db.st.entries[key]
	if !ok {
		return 0, nil
	}
	status := httpStatus
	e.LastRunAt = &now
	e.LastResultStatus = &status
	if frontier.Succeeded(httpStatus) {
		e.LastSuccessAt = &now
		e.ConsecutiveFailures = 0
	} else {
		if e.Status == frontier.EntryActive && quarantineAt > 0 && e.ConsecutiveFailures+1 >= quarantineAt {
			e.Status = frontier.EntryQuarantined
		}
		e.ConsecutiveFailures++
	}
	e.LeaseUntil = nil
	s.db.st.entries[key] = e
	return 1, nil
}
