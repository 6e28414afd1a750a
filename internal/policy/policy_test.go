package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/clock/manual"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

type fakeRepo struct {
	policies map[string]frontier.Policy
	sources  []string
	err      error
	gets     int
}

func (f *fakeRepo) Get(_ context.Context, source string) (frontier.Policy, error) {
	f.gets++
	if f.err != nil {
		return frontier.Policy{}, f.err
	}
	p, ok := f.policies[source]
	if !ok {
		return frontier.Policy{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) ListSources(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sources, nil
}

func TestServiceAppliesDefaults(t *testing.T) {
	t.Parallel()

	svc := NewService(&fakeRepo{}, DefaultDefaults(), 0, manual.New(time.Unix(0, 0)))
	p, err := svc.Get(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, frontier.Policy{
		Source:                 "x",
		MaxConcurrency:         4,
		TargetQPS:              0.40,
		BucketSize:             6,
		MaxAttempts:            4,
		BackoffSec:             []int{60, 300, 1800, 3600},
		MinDaysBetweenRuns:     7,
		MaxConsecutiveFailures: 5,
	}, p)
}

func TestServiceExplicitRowFillsThreshold(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{policies: map[string]frontier.Policy{
		"x": {Source: "x", MaxConcurrency: 1, TargetQPS: 1, BucketSize: 1},
	}}
	svc := NewService(repo, DefaultDefaults(), 0, manual.New(time.Unix(0, 0)))
	p, err := svc.Get(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, 1, p.MaxConcurrency)
	require.Equal(t, 5, p.MaxConsecutiveFailures)
}

func TestServiceCachesUntilTTL(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	clk := manual.New(time.Unix(1700000000, 0))
	svc := NewService(repo, DefaultDefaults(), 30*time.Second, clk)
	ctx := context.Background()

	_, err := svc.Get(ctx, "x")
	require.NoError(t, err)
	_, err = svc.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 1, repo.gets)

	clk.Advance(31 * time.Second)
	_, err = svc.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 2, repo.gets)

	svc.Invalidate("x")
	_, err = svc.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 3, repo.gets)
}

func TestServicePropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	svc := NewService(&fakeRepo{err: boom}, DefaultDefaults(), time.Minute, manual.New(time.Unix(0, 0)))

	_, err := svc.Get(context.Background(), "x")
	require.ErrorIs(t, err, boom)
	_, err = svc.Sources(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestServiceSources(t *testing.T) {
	t.Parallel()

	svc := NewService(&fakeRepo{sources: []string{"a", "b"}}, DefaultDefaults(), 0, manual.New(time.Unix(0, 0)))
	sources, err := svc.Sources(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, sources)
}
