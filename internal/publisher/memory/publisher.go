// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// Publisher stores published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []frontier.Message
	failures map[string]error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{failures: make(map[string]error)}
}

// Publish records the message, or returns the failure registered for its topic.
func (p *Publisher) Publish(ctx context.Context, msg frontier.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failures[msg.Topic]; ok {
		return err
	}
	p.messages = append(p.messages, msg)
	return nil
}

// FailTopic makes every publish to topic return err. A nil err clears it.
func (p *Publisher) FailTopic(topic string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, topic)
		return
	}
	p.failures[topic] = err
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []frontier.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]frontier.Message, len(p.messages))
	copy(out, p.messages)
	return out
}
