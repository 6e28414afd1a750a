package api

import (
	"fmt"
	"net/url"

	validation "github.com/jellydator/validation"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/store"
)

const maxBatchItems = 1000

// absoluteHTTPURL accepts only absolute http(s) URLs with a host.
var absoluteHTTPURL = validation.NewStringRuleWithError(
	func(s string) bool {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return false
		}
		return u.Scheme == "http" || u.Scheme == "https"
	},
	validation.NewError("validation_url_absolute", "must be an absolute http(s) URL"),
)

// BatchUpsertRequest is the body of POST /v1/frontier/batch-upsert.
type BatchUpsertRequest struct {
	Source string            `json:"source"`
	Items  []SeedItemRequest `json:"items"`
}

// SeedItemRequest is one URL offered to the frontier.
type SeedItemRequest struct {
	TaskType  string  `json:"task_type"`
	Segment   string  `json:"segment"`
	URL       string  `json:"url"`
	Priority  *int    `json:"priority,omitempty"`
	DedupeKey *string `json:"dedupe_key,omitempty"`
}

// Validate checks the request shape. Item errors are reported by index.
func (r *BatchUpsertRequest) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.Source,
			validation.Required.Error("source is required"),
			validation.Length(1, 255),
		),
		validation.Field(&r.Items,
			validation.Required.Error("items are required"),
			validation.Length(1, maxBatchItems).Error(fmt.Sprintf("items must contain between 1 and %d entries", maxBatchItems)),
		),
	)
	return wrapValidationError(err)
}

// Validate checks a single item.
func (i SeedItemRequest) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.URL,
			validation.Required.Error("url is required"),
			absoluteHTTPURL,
		),
		validation.Field(&i.TaskType, validation.Required.Error("task_type is required")),
		validation.Field(&i.Priority,
			validation.Min(0).Error("priority must be between 0 and 100"),
			validation.Max(100).Error("priority must be between 0 and 100"),
		),
	)
}

// SeedItems converts the request items to domain seeds.
func (r *BatchUpsertRequest) SeedItems() []frontier.SeedItem {
	out := make([]frontier.SeedItem, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, frontier.SeedItem{
			TaskType:  it.TaskType,
			Segment:   it.Segment,
			URL:       it.URL,
			Priority:  it.Priority,
			DedupeKey: it.DedupeKey,
		})
	}
	return out
}

func wrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", store.ErrInvalidInput, err.Error())
}
