package frontier

import (
	"context"
	"time"
)

// Message is one record handed to the messaging transport.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Publisher delivers a message and returns once the transport acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Hasher derives the stable url_hash of a URL.
type Hasher interface {
	HashURL(rawURL string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and event ids.
type IDGenerator interface {
	NewID() (string, error)
}

// RateLimiter admits one unit of work against a shared token bucket.
type RateLimiter interface {
	Admit(ctx context.Context, key string, ratePerSecond float64, capacity int) (bool, error)
}

// LeaderElector grants exclusive dispatch rights to one instance.
type LeaderElector interface {
	TryAcquireOrRenew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// PolicyProvider resolves the effective policy of a source.
type PolicyProvider interface {
	Get(ctx context.Context, source string) (Policy, error)
	Sources(ctx context.Context) ([]string, error)
}
