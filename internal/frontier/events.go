package frontier

import "time"

// SchemaVersion is the version stamped on every event this service emits.
const SchemaVersion = 1

// CloudEvents types of the emitted events.
const (
	EventTypeJobDispatched = "frontier.job.dispatched.v1"
	EventTypePageAck       = "frontier.page.ack.v1"
)

// DispatchedEvent asks a fetch worker to retrieve one URL.
type DispatchedEvent struct {
	SchemaVersion int               `json:"schema_version"`
	EventID       string            `json:"event_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Job           DispatchedJob     `json:"job"`
	Request       DispatchedRequest `json:"request"`
}

// DispatchedJob describes the job part of a dispatched event.
type DispatchedJob struct {
	JobID    string `json:"job_id"`
	Source   string `json:"source"`
	TaskType string `json:"task_type"`
	Segment  string `json:"segment"`
	Priority int    `json:"priority"`
}

// DispatchedRequest describes what to fetch.
type DispatchedRequest struct {
	URL     string `json:"url"`
	URLHash string `json:"url_hash"`
	Attempt int    `json:"attempt"`
}

// ResultEvent is produced by a fetch worker after one attempt.
type ResultEvent struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       string          `json:"event_id"`
	Job           ResultJob       `json:"job"`
	Request       ResultRequest   `json:"request"`
	HTTP          ResultHTTP      `json:"http"`
	Parser        Document        `json:"parser,omitempty"`
	Discovered    []DiscoveredURL `json:"discovered,omitempty"`
}

// ResultJob identifies the job a result belongs to.
type ResultJob struct {
	JobID    string `json:"job_id"`
	Source   string `json:"source"`
	TaskType string `json:"task_type"`
	Segment  string `json:"segment"`
}

// ResultRequest carries the hash of the fetched URL.
type ResultRequest struct {
	URLHash string `json:"url_hash"`
}

// ResultHTTP carries the response status. A nil Status means the worker did
// not report one.
type ResultHTTP struct {
	Status *int `json:"status,omitempty"`
}

// DiscoveredURL is a link found on a fetched page.
type DiscoveredURL struct {
	URL      string `json:"url"`
	TaskType string `json:"task_type,omitempty"`
	Segment  string `json:"segment,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// AckEvent summarizes a durably recorded result.
type AckEvent struct {
	SchemaVersion   int       `json:"schema_version"`
	EventID         string    `json:"event_id"`
	OccurredAt      time.Time `json:"occurred_at"`
	Job             AckJob    `json:"job"`
	ResultStatus    int       `json:"result_status"`
	ProcessedAt     time.Time `json:"processed_at"`
	DiscoveredCount int       `json:"discovered_count"`
}

// AckJob identifies the acknowledged job.
type AckJob struct {
	JobID    string `json:"job_id"`
	Source   string `json:"source"`
	TaskType string `json:"task_type"`
}
