// Package leader elects a single dispatching instance through a Redis lease.
package leader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
)

// acquireScript takes the lease when free and extends it when already held
// by ARGV[1]. It returns 1 when the caller holds the lease afterwards.
var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if not holder then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if holder == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseScript deletes the lease only while ARGV[1] still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Config identifies the lease and this instance.
type Config struct {
	Key string
	ID  string
	TTL time.Duration
}

// Elector implements frontier.LeaderElector on Redis.
type Elector struct {
	client  redis.Scripter
	cfg     Config
	logger  *zap.Logger
	leading atomic.Bool
}

// New creates an Elector.
func New(client redis.Scripter, cfg Config, logger *zap.Logger) (*Elector, error) {
	if client == nil {
		return nil, errors.New("leader: redis client is required")
	}
	if cfg.Key == "" || cfg.ID == "" {
		return nil, errors.New("leader: key and id are required")
	}
	if cfg.TTL < time.Millisecond {
		return nil, fmt.Errorf("leader: ttl must be at least 1ms, got %s", cfg.TTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Elector{client: client, cfg: cfg, logger: logger.Named("leader")}, nil
}

// TryAcquireOrRenew takes or extends the lease in one atomic round trip.
func (e *Elector) TryAcquireOrRenew(ctx context.Context) (bool, error) {
	res, err := acquireScript.Run(ctx, e.client, []string{e.cfg.Key}, e.cfg.ID, e.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		e.transition(false)
		return false, fmt.Errorf("acquire leadership: %w", err)
	}
	leading := res == 1
	e.transition(leading)
	return leading, nil
}

// Release gives up the lease if this instance still holds it.
func (e *Elector) Release(ctx context.Context) error {
	defer e.transition(false)
	if err := releaseScript.Run(ctx, e.client, []string{e.cfg.Key}, e.cfg.ID).Err(); err != nil {
		return fmt.Errorf("release leadership: %w", err)
	}
	return nil
}

// IsLeader reports the outcome of the last acquire attempt.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// ID returns the identity this instance writes into the lease.
func (e *Elector) ID() string {
	return e.cfg.ID
}

func (e *Elector) transition(leading bool) {
	if e.leading.Swap(leading) == leading {
		return
	}
	telemetry.SetLeader(leading)
	if leading {
		e.logger.Info("acquired leadership", zap.String("key", e.cfg.Key), zap.String("id", e.cfg.ID))
		return
	}
	e.logger.Info("lost leadership", zap.String("key", e.cfg.Key), zap.String("id", e.cfg.ID))
}
