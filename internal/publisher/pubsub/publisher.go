// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// Publisher routes frontier messages to per-topic Pub/Sub publishers with
// message ordering enabled, so messages sharing a key keep their order.
type Publisher struct {
	client *pubsub.Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher over an existing client. Close closes the client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{
		client:     client,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// Dial creates a client for projectID and wraps it.
func Dial(ctx context.Context, projectID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return New(client), nil
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.publishers[topic]; ok {
		return pub
	}
	pub := p.client.Publisher(topic)
	pub.EnableMessageOrdering = true
	p.publishers[topic] = pub
	return pub
}

// Publish sends msg and waits for the server acknowledgement.
func (p *Publisher) Publish(ctx context.Context, msg frontier.Message) error {
	if p.client == nil {
		return errors.New("pubsub publisher is not configured")
	}
	if msg.Topic == "" {
		return errors.New("pubsub message topic is required")
	}

	out := &pubsub.Message{
		Data:        msg.Value,
		OrderingKey: string(msg.Key),
		Attributes:  make(map[string]string, len(msg.Headers)),
	}
	for k, v := range msg.Headers {
		out.Attributes[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: out.Attributes})

	pub := p.publisher(msg.Topic)
	if _, err := pub.Publish(ctx, out).Get(ctx); err != nil {
		if out.OrderingKey != "" {
			pub.ResumePublish(out.OrderingKey)
		}
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes every topic publisher and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	p.publishers = make(map[string]*pubsub.Publisher)
	p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
