package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

// JobStore implements store.JobRepository.
type JobStore struct {
	db *DB
}

// JobStore returns the job store of db.
func (db *DB) JobStore() *JobStore {
	return &JobStore{db: db}
}

// CountDispatched counts jobs of source awaiting a result.
func (s *JobStore) CountDispatched(_ context.Context, source string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, j := range s.db.st.jobs {
		if j.Source == source && j.Status == frontier.JobDispatched {
			n++
		}
	}
	return n, nil
}

// Insert stores a new job.
func (s *JobStore) Insert(_ context.Context, job frontier.Job) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail(OpJobInsert); err != nil {
		return err
	}
	if job.Hints == nil {
		job.Hints = frontier.Document{}
	}
	s.db.st.jobs[job.JobID] = job
	return nil
}

// RecordResult stores the outcome of a job.
func (s *JobStore) RecordResult(
	_ context.Context,
	jobID string,
	status frontier.JobStatus,
	httpStatus int,
	now time.Time,
) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail(OpJobResult); err != nil {
		return 0, err
	}
	j, ok := s.db.st.jobs[jobID]
	if !ok {
		return 0, nil
	}
	hints := frontier.Document{}
	for k, v := range j.Hints {
		hints[k] = v
	}
	hints["last_status"] = httpStatus
	j.Status = status
	j.LastUpdateAt = now
	j.Hints = hints
	s.db.st.jobs[jobID] = j
	return 1, nil
}

// ExpireStale fails dispatched jobs not updated since cutoff.
func (s *JobStore) ExpireStale(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for id, j := range s.db.st.jobs {
		if j.Status == frontier.JobDispatched && j.LastUpdateAt.Before(cutoff) {
			j.Status = frontier.JobFailed
			j.LastUpdateAt = now
			s.db.st.jobs[id] = j
			n++
		}
	}
	return n, nil
}

// OutboxStore implements store.OutboxRepository.
type OutboxStore struct {
	db *DB
}

// OutboxStore returns the outbox store of db.
func (db *DB) OutboxStore() *OutboxStore {
	return &OutboxStore{db: db}
}

// Insert appends a message and returns its id.
func (s *OutboxStore) Insert(_ context.Context, msg frontier.OutboxMessage) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail(OpOutboxInsert); err != nil {
		return 0, err
	}
	s.db.st.nextID++
	msg.ID = s.db.st.nextID
	s.db.st.outbox = append(s.db.st.outbox, msg)
	return msg.ID, nil
}

// LockPending returns unsent, live messages whose backoff has elapsed or
// that reached the attempt ceiling, oldest first.
func (s *OutboxStore) LockPending(_ context.Context, q store.PendingQuery) ([]frontier.OutboxMessage, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []frontier.OutboxMessage
	for _, msg := range s.db.st.outbox {
		if len(out) >= q.Limit {
			break
		}
		if msg.SentAt != nil || isDead(msg) {
			continue
		}
		if msg.Attempts > 0 && msg.Attempts < q.MaxAttempts && len(q.Backoff) > 0 {
			idx := msg.Attempts - 1
			if idx >= len(q.Backoff) {
				idx = len(q.Backoff) - 1
			}
			if !msg.CreatedAt.Add(q.Backoff[idx]).Before(q.Now) {
				continue
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func isDead(msg frontier.OutboxMessage) bool {
	return msg.LastError != nil && strings.HasPrefix(*msg.LastError, store.DeadPrefix)
}

func (s *OutboxStore) update(id int64, fn func(*frontier.OutboxMessage)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail(OpOutboxMark); err != nil {
		return err
	}
	for i := range s.db.st.outbox {
		if s.db.st.outbox[i].ID == id {
			fn(&s.db.st.outbox[i])
			return nil
		}
	}
	return nil
}

// MarkSent records a successful publication.
func (s *OutboxStore) MarkSent(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(m *frontier.OutboxMessage) {
		m.SentAt = &at
		m.Attempts++
		m.LastError = nil
	})
}

// MarkFailed records a failed publication attempt.
func (s *OutboxStore) MarkFailed(_ context.Context, id int64, errText string) error {
	return s.update(id, func(m *frontier.OutboxMessage) {
		m.Attempts++
		m.LastError = &errText
	})
}

// MarkDead retires an unsent message.
func (s *OutboxStore) MarkDead(_ context.Context, id int64, reason string) error {
	return s.update(id, func(m *frontier.OutboxMessage) {
		if m.SentAt != nil {
			return
		}
		dead := store.DeadPrefix + reason
		m.LastError = &dead
	})
}

// DeleteSentBefore prunes messages published before cutoff.
func (s *OutboxStore) DeleteSentBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	kept := s.db.st.outbox[:0]
	var n int64
	for _, msg := range s.db.st.outbox {
		if msg.SentAt != nil && msg.SentAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	s.db.st.outbox = kept
	return n, nil
}

// CountDead counts messages parked as dead.
func (s *OutboxStore) CountDead(context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for _, msg := range s.db.st.outbox {
		if msg.SentAt == nil && isDead(msg) {
			n++
		}
	}
	return n, nil
}

// PolicyStore implements store.PolicyRepository.
type PolicyStore struct {
	db *DB
}

// PolicyStore returns the policy store of db.
func (db *DB) PolicyStore() *PolicyStore {
	return &PolicyStore{db: db}
}

// Get returns the explicit policy row or store.ErrNotFound.
func (s *PolicyStore) Get(_ context.Context, source string) (frontier.Policy, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.st.policies[source]
	if !ok {
		return frontier.Policy{}, store.ErrNotFound
	}
	return p, nil
}

// ListSources returns policy sources and active frontier sources, sorted.
func (s *PolicyStore) ListSources(context.Context) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	seen := map[string]struct{}{}
	for source := range s.db.st.policies {
		seen[source] = struct{}{}
	}
	for _, e := range s.db.st.entries {
		if e.Status == frontier.EntryActive {
			seen[e.Source] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for source := range seen {
		out = append(out, source)
	}
	sort.Strings(out)
	return out, nil
}

// EventLog implements store.EventLog.
type EventLog struct {
	db *DB
}

// EventLog returns the idempotency ledger of db.
func (db *DB) EventLog() *EventLog {
	return &EventLog{db: db}
}

// Record inserts eventID and reports whether it was new.
func (l *EventLog) Record(_ context.Context, eventID, topic string, _ time.Time) (bool, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	if err := l.db.fail(OpEventRecord); err != nil {
		return false, err
	}
	if _, ok := l.db.st.events[eventID]; ok {
		return false, nil
	}
	l.db.st.events[eventID] = topic
	return true, nil
}
