package store

import "errors"

// DeadPrefix starts the last_error of an outbox message that exhausted its
// attempts.
const DeadPrefix = "DEAD:"

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEvent signals that an inbound event id is already in the ledger.
	ErrDuplicateEvent = errors.New("event already processed")
	// ErrInvalidInput marks caller errors such as failed request validation.
	ErrInvalidInput = errors.New("invalid input")
)
