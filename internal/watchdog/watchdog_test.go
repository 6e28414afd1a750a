package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/clock/manual"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func leased(key string, until time.Time) frontier.Entry {
	return frontier.Entry{
		EntryKey:   frontier.EntryKey{Source: "x", TaskType: frontier.TaskDetail, URLHash: key},
		URL:        "http://x/" + key,
		Status:     frontier.EntryActive,
		LeaseUntil: &until,
	}
}

func TestSweepClearsOnlyExpiredLeases(t *testing.T) {
	t.Parallel()

	db := memory.New()
	clock := manual.New(start)
	db.PutEntry(leased("old", start.Add(-time.Second)))
	db.PutEntry(leased("live", start.Add(time.Minute)))

	w := New(db.Frontier(), db.JobStore(), clock, Config{}, zap.NewNop())
	res, err := w.Sweep(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.LeasesCleared)

	old, _ := db.Entry(frontier.EntryKey{Source: "x", TaskType: frontier.TaskDetail, URLHash: "old"})
	require.Nil(t, old.LeaseUntil)
	live, _ := db.Entry(frontier.EntryKey{Source: "x", TaskType: frontier.TaskDetail, URLHash: "live"})
	require.NotNil(t, live.LeaseUntil)

	res, err = w.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.LeasesCleared)
}

func TestSweepExpiresStaleJobs(t *testing.T) {
	t.Parallel()

	db := memory.New()
	clock := manual.New(start)
	ctx := context.Background()
	require.NoError(t, db.JobStore().Insert(ctx, frontier.Job{JobID: "stale", Source: "x", Status: frontier.JobDispatched, LastUpdateAt: start}))
	require.NoError(t, db.JobStore().Insert(ctx, frontier.Job{JobID: "fresh", Source: "x", Status: frontier.JobDispatched, LastUpdateAt: start.Add(20 * time.Minute)}))
	require.NoError(t, db.JobStore().Insert(ctx, frontier.Job{JobID: "done", Source: "x", Status: frontier.JobSucceeded, LastUpdateAt: start}))

	clock.Advance(31 * time.Minute)
	w := New(db.Frontier(), db.JobStore(), clock, Config{JobTimeout: 30 * time.Minute}, zap.NewNop())
	res, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.JobsExpired)

	stale, _ := db.Job("stale")
	require.Equal(t, frontier.JobFailed, stale.Status)
	require.Equal(t, clock.Now(), stale.LastUpdateAt)
	fresh, _ := db.Job("fresh")
	require.Equal(t, frontier.JobDispatched, fresh.Status)
	done, _ := db.Job("done")
	require.Equal(t, frontier.JobSucceeded, done.Status)
}

func TestSweepWithoutJobTimeoutLeavesJobs(t *testing.T) {
	t.Parallel()

	db := memory.New()
	require.NoError(t, db.JobStore().Insert(context.Background(), frontier.Job{JobID: "j", Status: frontier.JobDispatched, LastUpdateAt: start}))

	w := New(db.Frontier(), db.JobStore(), manual.New(start.Add(24*time.Hour)), Config{}, nil)
	res, err := w.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.JobsExpired)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	t.Parallel()

	db := memory.New()
	db.PutEntry(leased("old", start.Add(-time.Second)))
	w := New(db.Frontier(), db.JobStore(), manual.New(start), Config{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		e, _ := db.Entry(frontier.EntryKey{Source: "x", TaskType: frontier.TaskDetail, URLHash: "old"})
		return e.LeaseUntil == nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
