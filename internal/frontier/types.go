package frontier

import (
	"encoding/json"
	"time"
)

// EntryStatus is the scheduling state of a frontier entry.
type EntryStatus string

// Frontier entry statuses persisted in frontier.status.
const (
	EntryActive      EntryStatus = "active"
	EntryPaused      EntryStatus = "paused"
	EntryQuarantined EntryStatus = "quarantined"
)

// JobStatus represents the lifecycle state of one dispatch attempt.
type JobStatus string

// Job status values persisted in job.status.
const (
	JobDispatched JobStatus = "dispatched"
	JobSucceeded  JobStatus = "succeeded"
	JobRetry      JobStatus = "retry"
	JobFailed     JobStatus = "failed"
)

// Well-known task types. Any non-empty string is accepted; these are the ones
// the priority hint knows about.
const (
	TaskSearch  = "search"
	TaskListing = "listing"
	TaskDetail  = "detail"
)

// Default values applied to seeds and discovered URLs.
const (
	DefaultSegment  = "unknown"
	DefaultPriority = 5
)

// Document is an open JSON object (scope, meta, hints, headers). It is kept
// verbatim through writes.
type Document map[string]any

// EntryKey identifies a frontier entry.
type EntryKey struct {
	Source   string
	TaskType string
	URLHash  string
}

// Entry is one row of the frontier.
type Entry struct {
	EntryKey
	URL                 string
	Segment             string
	Priority            int
	Status              EntryStatus
	LeaseUntil          *time.Time
	LastRunAt           *time.Time
	LastDispatchedAt    *time.Time
	LastSuccessAt       *time.Time
	LastResultStatus    *int
	ConsecutiveFailures int
	DedupeKey           *string
	FirstSeenAt         time.Time
	Scope               Document
	Meta                Document
}

// ClaimedRow is what a claim returns for each leased entry.
type ClaimedRow struct {
	TaskType string
	Segment  string
	URLHash  string
	URL      string
}

// ClaimParams bounds one claim call.
type ClaimParams struct {
	Source                 string
	Limit                  int
	MinDaysBetweenRuns     int
	MaxConsecutiveFailures int
	LeaseDuration          time.Duration
	Now                    time.Time
}

// SeedItem is a URL offered to the frontier by the seed endpoint or by
// discovery during result ingestion.
type SeedItem struct {
	URLHash   string  `json:"-"`
	TaskType  string  `json:"task_type"`
	Segment   string  `json:"segment"`
	URL       string  `json:"url"`
	Priority  *int    `json:"priority,omitempty"`
	DedupeKey *string `json:"dedupe_key,omitempty"`
}

// Normalized returns a copy with segment and priority defaults applied. An
// empty dedupe key is treated as absent.
func (s SeedItem) Normalized(defaultSegment string) SeedItem {
	out := s
	if out.Segment == "" {
		out.Segment = defaultSegment
		if out.Segment == "" {
			out.Segment = DefaultSegment
		}
	}
	if out.Priority == nil {
		p := DefaultPriority
		out.Priority = &p
	}
	if out.DedupeKey != nil && *out.DedupeKey == "" {
		out.DedupeKey = nil
	}
	return out
}

// Job is the audit record of one dispatch attempt.
type Job struct {
	JobID        string
	Source       string
	TaskType     string
	Segment      string
	URLHash      string
	URL          string
	Attempt      int
	Status       JobStatus
	ScheduledAt  time.Time
	LastUpdateAt time.Time
	Hints        Document
}

// OutboxMessage is an event waiting to be published to the transport.
type OutboxMessage struct {
	ID        int64
	Topic     string
	Key       []byte
	Value     json.RawMessage
	Headers   map[string]string
	CreatedAt time.Time
	SentAt    *time.Time
	Attempts  int
	LastError *string
}

// Policy is the per-source dispatch configuration.
type Policy struct {
	Source                 string  `json:"source"`
	MaxConcurrency         int     `json:"max_concurrency"`
	TargetQPS              float64 `json:"target_qps"`
	BucketSize             int     `json:"bucket_size"`
	MaxAttempts            int     `json:"max_attempts"`
	BackoffSec             []int   `json:"backoff_sec"`
	MinDaysBetweenRuns     int     `json:"min_days_between_runs"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`
}

// Succeeded reports whether an HTTP status counts as a successful fetch.
func Succeeded(status int) bool {
	return status >= 200 && status < 300
}
