package models

import "errors"

var (
	// ErrNotFound covers missing jobs and jobs owned by another user; the two
	// are deliberately indistinguishable to callers.
	ErrNotFound = errors.New("job not found")

	// ErrUnknownJobType means the enqueue referenced an unregistered handler.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrValidation wraps handler payload validation failures.
	ErrValidation = errors.New("invalid payload")

	// ErrNotRetryable means the job is not in a retryable status.
	ErrNotRetryable = errors.New("job is not in a retryable state")

	// ErrRetryLimitReached means retry_count has hit max_retries.
	ErrRetryLimitReached = errors.New("retry limit reached")

	// ErrNotCancelable means the job already reached a terminal status.
	ErrNotCancelable = errors.New("job is not cancelable")

	// ErrClaimConflict is the benign race where another scheduler claimed the
	// job first. Never surfaced outside the scheduler.
	ErrClaimConflict = errors.New("job already claimed")

	// ErrCancellationRequested is returned by CheckCancel when the job's
	// cancel flag is set. Handlers propagate it to finish as canceled.
	ErrCancellationRequested = errors.New("cancellation requested")
)

// ValidationError is a field-level payload validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
