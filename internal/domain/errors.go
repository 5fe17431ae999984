package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrTransientFetch  = errors.New("transient fetch failure")
	ErrValidation      = errors.New("validation failed")
	ErrDuplicateIngest = errors.New("duplicate ingest")
	ErrScoring         = errors.New("scoring failed")
	ErrDelivery        = errors.New("delivery failed")
)

// ValidationError describes a malformed record. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransientError wraps a retryable failure of an external call.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransientFetch, e.Err} }

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrRateLimited)
}
