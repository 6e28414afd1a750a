package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/clock/manual"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/hash/md5"
	"github.com/JakeFAU/crawl-frontier/internal/outbox"
	"github.com/JakeFAU/crawl-frontier/internal/policy"
	"github.com/JakeFAU/crawl-frontier/internal/schema"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2025, 2, 3, 8, 0, 0, 0, time.UTC)

type fakeElector struct {
	mu      sync.Mutex
	leading bool
	err     error
	calls   int
}

func (e *fakeElector) TryAcquireOrRenew(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.leading, e.err
}

func (e *fakeElector) Release(context.Context) error { return nil }

type fakeLimiter struct {
	mu     sync.Mutex
	deny   map[string]bool
	errFor map[string]error
	keys   []string
}

func (l *fakeLimiter) Admit(_ context.Context, key string, _ float64, _ int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if err := l.errFor[key]; err != nil {
		return false, err
	}
	return !l.deny[key], nil
}

type seqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n), nil
}

type fixture struct {
	db      *memory.DB
	clock   *manual.Clock
	elector *fakeElector
	limiter *fakeLimiter
	d       *Dispatcher
}

func newFixture(t *testing.T, validator outbox.Validator) fixture {
	t.Helper()
	db := memory.New()
	clock := manual.New(start)
	elector := &fakeElector{leading: true}
	limiter := &fakeLimiter{deny: map[string]bool{}, errFor: map[string]error{}}
	if validator == nil {
		v, err := schema.New()
		require.NoError(t, err)
		validator = v
	}
	d, err := New(Deps{
		Tx:       db.TxManager(),
		Frontier: db.Frontier(),
		Jobs:     db.JobStore(),
		Outbox:   outbox.NewEnqueuer(db.OutboxStore(), validator, clock),
		Policies: policy.NewService(db.PolicyStore(), policy.DefaultDefaults(), 0, clock),
		Limiter:  limiter,
		Elector:  elector,
		JobIDs:   &seqIDs{prefix: "job"},
		EventIDs: &seqIDs{prefix: "evt"},
		Clock:    clock,
	}, Config{Tick: 5 * time.Millisecond, LeaseDuration: 2 * time.Minute, MaxBatchSize: 50, Topic: "job.dispatched"}, zap.NewNop())
	require.NoError(t, err)
	return fixture{db: db, clock: clock, elector: elector, limiter: limiter, d: d}
}

func (f fixture) seed(t *testing.T, source string, items ...frontier.SeedItem) {
	t.Helper()
	_, err := f.db.Frontier().Upsert(context.Background(), source, frontier.PrepareSeeds(items, "", md5.New()), start)
	require.NoError(t, err)
}

func (f fixture) policy(source string, maxConcurrency, bucket int) {
	f.db.PutPolicy(frontier.Policy{
		Source:                 source,
		MaxConcurrency:         maxConcurrency,
		TargetQPS:              1,
		BucketSize:             bucket,
		MaxAttempts:            4,
		BackoffSec:             []int{60},
		MinDaysBetweenRuns:     7,
		MaxConsecutiveFailures: 5,
	})
}

func detail(url string) frontier.SeedItem {
	return frontier.SeedItem{TaskType: frontier.TaskDetail, URL: url}
}

func TestTickDispatchesOneJobThenNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("x", 1, 1)
	f.seed(t, "x", detail("http://x/1"))

	n, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	jobs := f.db.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, frontier.JobDispatched, jobs[0].Status)
	require.Equal(t, 1, jobs[0].Attempt)
	require.Equal(t, "x", jobs[0].Source)

	msgs := f.db.OutboxMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, "job.dispatched", msgs[0].Topic)
	require.Nil(t, msgs[0].SentAt)
	hash := md5.New().HashURL("http://x/1")
	require.Equal(t, []byte(hash), msgs[0].Key)
	require.Equal(t, "evt-1", msgs[0].Headers[outbox.HeaderID])
	require.Equal(t, frontier.EventTypeJobDispatched, msgs[0].Headers[outbox.HeaderType])

	var event frontier.DispatchedEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &event))
	require.Equal(t, frontier.SchemaVersion, event.SchemaVersion)
	require.Equal(t, "job-1", event.Job.JobID)
	require.Equal(t, frontier.HintNormal, event.Job.Priority)
	require.Equal(t, frontier.DefaultSegment, event.Job.Segment)
	require.Equal(t, "http://x/1", event.Request.URL)
	require.Equal(t, hash, event.Request.URLHash)
	require.Equal(t, 1, event.Request.Attempt)

	n, err = f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, f.db.Jobs(), 1)
}

func TestSecondTickSkipsLeasedRows(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("x", 10, 1)
	f.seed(t, "x", detail("http://x/1"))

	n, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	e, ok := f.db.Entry(frontier.EntryKey{Source: "x", TaskType: frontier.TaskDetail, URLHash: md5.New().HashURL("http://x/1")})
	require.True(t, ok)
	require.Equal(t, start.Add(2*time.Minute), *e.LeaseUntil)
	require.Equal(t, start, *e.LastDispatchedAt)
}

func TestBatchBoundedByCapacityAndBucket(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("x", 3, 2)
	one := 1
	f.seed(t, "x",
		detail("http://x/1"),
		detail("http://x/2"),
		frontier.SeedItem{TaskType: frontier.TaskSearch, URL: "http://x/s", Priority: &one},
	)

	n, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var first frontier.DispatchedEvent
	require.NoError(t, json.Unmarshal(f.db.OutboxMessages()[0].Value, &first))
	require.Equal(t, "http://x/s", first.Request.URL)
	require.Equal(t, frontier.HintUrgent, first.Job.Priority)

	n, err = f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, f.db.Jobs(), 3)
}

func TestTickNotLeaderDoesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.elector.leading = false
	f.policy("x", 1, 1)
	f.seed(t, "x", detail("http://x/1"))

	n, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, f.db.Jobs())
	require.Empty(t, f.limiter.keys)
}

func TestTickLeadershipError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.elector.err = errors.New("redis down")

	_, err := f.d.Tick(context.Background())
	require.ErrorContains(t, err, "redis down")
}

func TestRateLimitedSourceDoesNotClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("x", 1, 1)
	f.seed(t, "x", detail("http://x/1"))
	f.limiter.deny["source:x"] = true

	n, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, []string{"source:x"}, f.limiter.keys)

	e, _ := f.db.Entry(frontier.EntryKey{Source: "x", TaskType: frontier.TaskDetail, URLHash: md5.New().HashURL("http://x/1")})
	require.Nil(t, e.LeaseUntil)
}

func TestZeroConcurrencySourceSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("x", 0, 1)
	f.seed(t, "x", detail("http://x/1"))

	n, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, f.limiter.keys)
}

func TestFailedDispatchRollsBackAndReleasesLeases(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("x", 5, 5)
	f.seed(t, "x", detail("http://x/1"), detail("http://x/2"))
	f.db.FailOn(memory.OpOutboxInsert, errors.New("disk full"))

	n, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, f.db.Jobs())
	require.Empty(t, f.db.OutboxMessages())

	for _, url := range []string{"http://x/1", "http://x/2"} {
		e, ok := f.db.Entry(frontier.EntryKey{Source: "x", TaskType: frontier.TaskDetail, URLHash: md5.New().HashURL(url)})
		require.True(t, ok)
		require.Nil(t, e.LeaseUntil, url)
	}

	f.db.FailOn(memory.OpOutboxInsert, nil)
	n, err = f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(name string, _ []byte) error {
	return &schema.ValidationError{Schema: name, Err: errors.New("missing field")}
}

func TestSchemaViolationAbortsUnit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, rejectingValidator{})
	f.policy("x", 1, 1)
	f.seed(t, "x", detail("http://x/1"))

	_, err := f.d.DispatchSource(context.Background(), "x")
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Empty(t, f.db.Jobs())
	require.Empty(t, f.db.OutboxMessages())
}

func TestSourceFailureDoesNotStopTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("a", 1, 1)
	f.policy("b", 1, 1)
	f.seed(t, "a", detail("http://a/1"))
	f.seed(t, "b", detail("http://b/1"))
	f.limiter.errFor["source:a"] = errors.New("redis timeout")

	n, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	jobs := f.db.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "b", jobs[0].Source)
}

func TestTickStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("x", 1, 1)
	f.seed(t, "x", detail("http://x/1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.d.Tick(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, f.db.Jobs())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.policy("x", 1, 1)
	f.seed(t, "x", detail("http://x/1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.db.Jobs()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{Topic: "t"}, nil)
	require.Error(t, err)
}
