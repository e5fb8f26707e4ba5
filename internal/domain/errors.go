package domain

import "errors"

var (
	// ErrAgentUnreachable is returned when a command cannot be delivered to an agent
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrDispatchRejected is returned when an agent refuses a command
	ErrDispatchRejected = errors.New("dispatch rejected by agent")

	// ErrUnknownCommand is returned when polling a command the channel has no record of
	ErrUnknownCommand = errors.New("unknown command")

	// ErrStoreUnavailable is returned when the job store cannot be reached
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrStaleWrite is returned when a compare-and-swap update finds a different stored status
	ErrStaleWrite = errors.New("stale write")

	// ErrTargetFailed marks a target whose command finished unsuccessfully
	ErrTargetFailed = errors.New("target failed")

	// ErrJobTimeout is returned when a job exceeds its global timeout
	ErrJobTimeout = errors.New("job timeout")

	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrTargetNotFound is returned when a target cannot be found in the store
	ErrTargetNotFound = errors.New("target not found")

	// ErrInvalidTransition is returned when a status update would move a record backwards
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrJobAlreadyClaimed is returned when another worker holds a live lease on the job
	ErrJobAlreadyClaimed = errors.New("job already claimed or not claimable")

	// ErrInvalidJob is returned when a submission is malformed
	ErrInvalidJob = errors.New("invalid job")

	// ErrIncompleteJob is returned when a job has fewer persisted targets than were submitted
	ErrIncompleteJob = errors.New("incomplete job")

	// ErrPollAttemptsExceeded is returned when the poller gives up on a command
	ErrPollAttemptsExceeded = errors.New("poll attempts exceeded")
)

// RetryableError wraps transient errors that should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsTransient reports whether err is an infrastructure failure worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrAgentUnreachable)
}
