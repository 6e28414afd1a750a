// Package outbox stages events in the transactional outbox and relays them
// to the message bus.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
)

// CloudEvents header names carried by every staged message.
const (
	HeaderID          = "ce_id"
	HeaderType        = "ce_type"
	HeaderSpecVersion = "ce_specversion"
	SpecVersion       = "1.0"
)

// Validator checks a payload against a named schema.
type Validator interface {
	Validate(name string, doc []byte) error
}

// Event is a payload to stage for publication.
type Event struct {
	Topic   string
	Schema  string
	Key     string
	Payload any
	Headers map[string]string
}

// Enqueuer writes events to the outbox, joining the caller's transaction
// when ctx carries one.
type Enqueuer struct {
	repo      store.OutboxRepository
	validator Validator
	clock     frontier.Clock
}

// NewEnqueuer creates an Enqueuer. A nil validator disables schema checks.
func NewEnqueuer(repo store.OutboxRepository, validator Validator, clock frontier.Clock) *Enqueuer {
	return &Enqueuer{repo: repo, validator: validator, clock: clock}
}

// Enqueue validates and stages ev, returning the outbox id.
func (e *Enqueuer) Enqueue(ctx context.Context, ev Event) (int64, error) {
	if ev.Topic == "" {
		return 0, errors.New("outbox event topic is required")
	}
	value, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", ev.Topic, err)
	}
	if e.validator != nil && ev.Schema != "" {
		if err := e.validator.Validate(ev.Schema, value); err != nil {
			return 0, err
		}
	}

	headers := make(map[string]string, len(ev.Headers)+2)
	for k, v := range ev.Headers {
		headers[k] = v
	}
	headers = telemetry.InjectHeaders(ctx, headers)

	id, err := e.repo.Insert(ctx, frontier.OutboxMessage{
		Topic:     ev.Topic,
		Key:       []byte(ev.Key),
		Value:     value,
		Headers:   headers,
		CreatedAt: e.clock.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("insert outbox message: %w", err)
	}
	return id, nil
}

// CloudEventHeaders returns the binary-mode CloudEvents headers for an event.
func CloudEventHeaders(id, eventType string) map[string]string {
	return map[string]string{
		HeaderID:          id,
		HeaderType:        eventType,
		HeaderSpecVersion: SpecVersion,
	}
}
