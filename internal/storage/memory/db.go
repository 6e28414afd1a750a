// Package memory provides in-process implementations of the store
// repositories. Transactions are serialized and roll back by restoring a
// snapshot, which is enough for single-process tests and local runs.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

type state struct {
	entries  map[frontier.EntryKey]frontier.Entry
	jobs     map[string]frontier.Job
	outbox   []frontier.OutboxMessage
	nextID   int64
	policies map[string]frontier.Policy
	events   map[string]string
}

func (s state) clone() state {
	out := state{
		entries:  make(map[frontier.EntryKey]frontier.Entry, len(s.entries)),
		jobs:     make(map[string]frontier.Job, len(s.jobs)),
		outbox:   make([]frontier.OutboxMessage, len(s.outbox)),
		nextID:   s.nextID,
		policies: make(map[string]frontier.Policy, len(s.policies)),
		events:   make(map[string]string, len(s.events)),
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	for k, v := range s.jobs {
		out.jobs[k] = v
	}
	copy(out.outbox, s.outbox)
	for k, v := range s.policies {
		out.policies[k] = v
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	return out
}

// DB holds the shared state behind every memory store.
type DB struct {
	txMu sync.Mutex

	mu       sync.Mutex
	st       state
	failures map[string]error
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		st: state{
			entries:  make(map[frontier.EntryKey]frontier.Entry),
			jobs:     make(map[string]frontier.Job),
			policies: make(map[string]frontier.Policy),
			events:   make(map[string]string),
		},
		failures: make(map[string]error),
	}
}

// Operation names accepted by FailOn.
const (
	OpClaim          = "frontier.claim"
	OpRelease        = "frontier.release"
	OpUpsert         = "frontier.upsert"
	OpFrontierResult = "frontier.record_result"
	OpJobInsert      = "job.insert"
	OpJobResult      = "job.record_result"
	OpOutboxInsert   = "outbox.insert"
	OpOutboxMark     = "outbox.mark"
	OpEventRecord    = "event_log.record"
)

// FailOn makes the named operation return err until cleared with a nil err.
func (db *DB) FailOn(op string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.failures, op)
		return
	}
	db.failures[op] = err
}

// fail must be called with db.mu held.
func (db *DB) fail(op string) error {
	return db.failures[op]
}

type txKey struct{}

// TxManager implements store.TxManager over the DB.
type TxManager struct {
	db *DB
}

// TxManager returns the transaction manager of db.
func (db *DB) TxManager() *TxManager {
	return &TxManager{db: db}
}

// WithTx runs fn atomically, joining a transaction already carried by ctx.
func (m *TxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(bool); ok {
		return fn(ctx)
	}
	return m.run(ctx, fn)
}

// WithIndependentTx runs fn atomically on its own. Nesting it inside WithTx
// is not supported by this implementation.
func (m *TxManager) WithIndependentTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(bool); ok {
		return errors.New("memory: independent transaction nested in a transaction")
	}
	return m.run(ctx, fn)
}

// WithSavepoint runs fn inside the current transaction and restores the
// state it saw on entry if fn fails.
func (m *TxManager) WithSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(bool); !ok {
		return m.run(ctx, fn)
	}
	m.db.mu.Lock()
	snapshot := m.db.st.clone()
	m.db.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.db.mu.Lock()
		m.db.st = snapshot
		m.db.mu.Unlock()
		return err
	}
	return nil
}

func (m *TxManager) run(ctx context.Context, fn func(ctx context.Context) error) error {
	m.db.txMu.Lock()
	defer m.db.txMu.Unlock()

	m.db.mu.Lock()
	snapshot := m.db.st.clone()
	m.db.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.db.mu.Lock()
		m.db.st = snapshot
		m.db.mu.Unlock()
		return err
	}
	return nil
}

// Entry returns a copy of one frontier entry.
func (db *DB) Entry(key frontier.EntryKey) (frontier.Entry, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.st.entries[key]
	return e, ok
}

// Entries returns the number of frontier entries.
func (db *DB) Entries() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.st.entries)
}

// PutEntry stores e as is.
func (db *DB) PutEntry(e frontier.Entry) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.st.entries[e.EntryKey] = e
}

// Job returns a copy of one job.
func (db *DB) Job(jobID string) (frontier.Job, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	j, ok := db.st.jobs[jobID]
	return j, ok
}

// Jobs returns every job.
func (db *DB) Jobs() []frontier.Job {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]frontier.Job, 0, len(db.st.jobs))
	for _, j := range db.st.jobs {
		out = append(out, j)
	}
	return out
}

// OutboxMessages returns every outbox message in insertion order.
func (db *DB) OutboxMessages() []frontier.OutboxMessage {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]frontier.OutboxMessage, len(db.st.outbox))
	copy(out, db.st.outbox)
	return out
}

// PutPolicy stores an explicit policy row.
func (db *DB) PutPolicy(p frontier.Policy) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.st.policies[p.Source] = p
}
