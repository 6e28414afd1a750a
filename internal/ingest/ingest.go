// Package ingest applies fetch results to the frontier exactly once per
// event id.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/outbox"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/schema"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
)

const defaultHTTPStatus = 200

// Deps are the collaborators of an Ingestor.
type Deps struct {
	Tx        store.TxManager
	Frontier  store.FrontierRepository
	Jobs      store.JobRepository
	Events    store.EventLog
	Outbox    *outbox.Enqueuer
	Policies  frontier.PolicyProvider
	Hasher    frontier.Hasher
	EventIDs  frontier.IDGenerator
	Clock     frontier.Clock
	Validator outbox.Validator
}

func (d Deps) validate() error {
	switch {
	case d.Tx == nil, d.Frontier == nil, d.Jobs == nil, d.Events == nil, d.Outbox == nil:
		return errors.New("ingestor requires tx manager, frontier, job, event log and outbox stores")
	case d.Policies == nil, d.Hasher == nil, d.EventIDs == nil, d.Clock == nil:
		return errors.New("ingestor requires policies, hasher, id generator and clock")
	}
	return nil
}

// Config names the acknowledgement topic.
type Config struct {
	AckTopic string
}

// Ingestor handles result deliveries. It implements queue.Handler.
type Ingestor struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

var _ queue.Handler = (*Ingestor)(nil)

// New creates an Ingestor. A nil Validator skips inbound schema checks.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Ingestor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.AckTopic == "" {
		return nil, errors.New("ack topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{deps: deps, cfg: cfg, logger: logger}, nil
}

// Handle applies one result event. Any error leaves no trace, so the
// delivery can be retried; duplicates return nil without side effects.
func (i *Ingestor) Handle(ctx context.Context, d queue.Delivery) error {
	ctx = telemetry.ExtractHeaders(ctx, d.Headers)
	ctx, span := telemetry.StartSpan(ctx, "ingest.result")
	defer span.End()

	if i.deps.Validator != nil {
		if err := i.deps.Validator.Validate(schema.RawPage, d.Value); err != nil {
			return fmt.Errorf("invalid result event: %w", err)
		}
	}
	var event frontier.ResultEvent
	if err := json.Unmarshal(d.Value, &event); err != nil {
		return fmt.Errorf("decode result event: %w", err)
	}
	if event.SchemaVersion != 0 && event.SchemaVersion != frontier.SchemaVersion {
		i.logger.Info("unexpected schema version, treating as compatible",
			zap.Int("schema_version", event.SchemaVersion))
	}

	eventID, err := i.eventID(d.Headers[outbox.HeaderID], event.EventID)
	if err != nil {
		return err
	}
	status := defaultHTTPStatus
	if event.HTTP.Status != nil {
		status = *event.HTTP.Status
	}

	var duplicate bool
	now := i.deps.Clock.Now()
	err = i.deps.Tx.WithTx(ctx, func(txCtx context.Context) error {
		fresh, err := i.deps.Events.Record(txCtx, eventID, d.Topic, now)
		if err != nil {
			return fmt.Errorf("record event %s: %w", eventID, err)
		}
		if !fresh {
			duplicate = true
			return nil
		}
		return i.apply(txCtx, event, status, now)
	})
	if err != nil {
		return err
	}
	if duplicate {
		telemetry.ObserveDuplicateResult()
		i.logger.Debug("duplicate result ignored", zap.String("event_id", eventID))
		return nil
	}

	outcome := string(frontier.JobRetry)
	if frontier.Succeeded(status) {
		outcome = string(frontier.JobSucceeded)
	}
	telemetry.ObserveResult(event.Job.Source, outcome)
	return nil
}

// eventID prefers the transport id, then the payload id, then a fresh one.
func (i *Ingestor) eventID(header, payload string) (string, error) {
	if header != "" {
		return header, nil
	}
	if payload != "" {
		return payload, nil
	}
	id, err := i.deps.EventIDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return id, nil
}

func (i *Ingestor) apply(ctx context.Context, event frontier.ResultEvent, status int, now time.Time) error {
	job := event.Job
	segment := job.Segment
	if segment == "" {
		segment = frontier.DefaultSegment
	}

	jobStatus := frontier.JobRetry
	if frontier.Succeeded(status) {
		jobStatus = frontier.JobSucceeded
	}
	n, err := i.deps.Jobs.RecordResult(ctx, job.JobID, jobStatus, status, now)
	if err != nil {
		return fmt.Errorf("record job result: %w", err)
	}
	if n == 0 {
		i.logger.Warn("result for unknown job", zap.String("job_id", job.JobID))
	}

	policy, err := i.deps.Policies.Get(ctx, job.Source)
	if err != nil {
		return err
	}
	key := frontier.EntryKey{Source: job.Source, TaskType: job.TaskType, URLHash: event.Request.URLHash}
	if _, err := i.deps.Frontier.RecordResult(ctx, key, status, policy.MaxConsecutiveFailures, now); err != nil {
		return fmt.Errorf("record frontier result: %w", err)
	}

	seeds := frontier.PrepareSeeds(discoveredSeeds(event.Discovered), segment, i.deps.Hasher)
	if len(seeds) > 0 {
		if _, err := i.deps.Frontier.Upsert(ctx, job.Source, seeds, now); err != nil {
			return fmt.Errorf("upsert discovered urls: %w", err)
		}
	}

	ackID, err := i.deps.EventIDs.NewID()
	if err != nil {
		return fmt.Errorf("generate ack id: %w", err)
	}
	ack := frontier.AckEvent{
		SchemaVersion: frontier.SchemaVersion,
		EventID:       ackID,
		OccurredAt:    now,
		Job: frontier.AckJob{
			JobID:    job.JobID,
			Source:   job.Source,
			TaskType: job.TaskType,
		},
		ResultStatus:    status,
		ProcessedAt:     now,
		DiscoveredCount: len(seeds),
	}
	_, err = i.deps.Outbox.Enqueue(ctx, outbox.Event{
		Topic:   i.cfg.AckTopic,
		Schema:  schema.PageAck,
		Key:     job.JobID,
		Payload: ack,
		Headers: outbox.CloudEventHeaders(ackID, frontier.EventTypePageAck),
	})
	if err != nil {
		return fmt.Errorf("enqueue ack: %w", err)
	}
	return nil
}

func discoveredSeeds(discovered []frontier.DiscoveredURL) []frontier.SeedItem {
	out := make([]frontier.SeedItem, 0, len(discovered))
	for _, d := range discovered {
		taskType := d.TaskType
		if taskType == "" {
			taskType = frontier.TaskDetail
		}
		out = append(out, frontier.SeedItem{
			TaskType: taskType,
			Segment:  d.Segment,
			URL:      d.URL,
			Priority: d.Priority,
		})
	}
	return out
}
