// Package policy resolves per-source dispatch policies with defaults and a
// short-lived cache.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

// Defaults applies to sources without an explicit policy row.
type Defaults struct {
	MaxConcurrency         int
	TargetQPS              float64
	BucketSize             int
	MaxAttempts            int
	BackoffSec             []int
	MinDaysBetweenRuns     int
	MaxConsecutiveFailures int
}

// DefaultDefaults mirrors the column defaults of portal_policy.
func DefaultDefaults() Defaults {
	return Defaults{
		MaxConcurrency:         4,
		TargetQPS:              0.40,
		BucketSize:             6,
		MaxAttempts:            4,
		BackoffSec:             []int{60, 300, 1800, 3600},
		MinDaysBetweenRuns:     7,
		MaxConsecutiveFailures: 5,
	}
}

func (d Defaults) policyFor(source string) frontier.Policy {
	return frontier.Policy{
		Source:                 source,
		MaxConcurrency:         d.MaxConcurrency,
		TargetQPS:              d.TargetQPS,
		BucketSize:             d.BucketSize,
		MaxAttempts:            d.MaxAttempts,
		BackoffSec:             append([]int(nil), d.BackoffSec...),
		MinDaysBetweenRuns:     d.MinDaysBetweenRuns,
		MaxConsecutiveFailures: d.MaxConsecutiveFailures,
	}
}

type cached struct {
	policy  frontier.Policy
	expires time.Time
}

// Service implements frontier.PolicyProvider over a PolicyRepository.
type Service struct {
	repo     store.PolicyRepository
	defaults Defaults
	ttl      time.Duration
	clock    frontier.Clock

	mu    sync.Mutex
	cache map[string]cached
}

// NewService creates a Service. A non-positive ttl disables caching.
func NewService(repo store.PolicyRepository, defaults Defaults, ttl time.Duration, clock frontier.Clock) *Service {
	return &Service{
		repo:     repo,
		defaults: defaults,
		ttl:      ttl,
		clock:    clock,
		cache:    make(map[string]cached),
	}
}

// Get returns the explicit policy of source or the defaults. Failures are
// not cached.
func (s *Service) Get(ctx context.Context, source string) (frontier.Policy, error) {
	now := s.clock.Now()
	if s.ttl > 0 {
		s.mu.Lock()
		entry, ok := s.cache[source]
		s.mu.Unlock()
		if ok && now.Before(entry.expires) {
			return entry.policy, nil
		}
	}

	p, err := s.repo.Get(ctx, source)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = s.defaults.policyFor(source)
	case err != nil:
		return frontier.Policy{}, fmt.Errorf("load policy %s: %w", source, err)
	}
	if p.MaxConsecutiveFailures <= 0 {
		p.MaxConsecutiveFailures = s.defaults.MaxConsecutiveFailures
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[source] = cached{policy: p, expires: now.Add(s.ttl)}
		s.mu.Unlock()
	}
	return p, nil
}

// Sources lists every source that has a policy row or active frontier entries.
func (s *Service) Sources(ctx context.Context) ([]string, error) {
	sources, err := s.repo.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policy sources: %w", err)
	}
	return sources, nil
}

// Invalidate drops the cached policy of source.
func (s *Service) Invalidate(source string) {
	s.mu.Lock()
	delete(s.cache, source)
	s.mu.Unlock()
}
