package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueNotFound is returned when a queue record does not exist
	ErrQueueNotFound = errors.New("queue not found")

	// ErrFlowNotFound is returned when a flow record does not exist
	ErrFlowNotFound = errors.New("flow not found")

	// ErrWorkerNotFound is returned when no registration exists for a worker name
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerExists is returned when a worker with the same name is already registered
	ErrWorkerExists = errors.New("worker with this name is already registered")

	// ErrNotInFailedQueue is returned when requeueing a job that is not quarantined
	ErrNotInFailedQueue = errors.New("job is not in the failed queue")

	// ErrUnknownFunction is returned when a job references an unregistered function
	ErrUnknownFunction = errors.New("function is not registered")

	// ErrJobTimeout is injected into a job that outlives its timeout
	ErrJobTimeout = errors.New("job exceeded maximum timeout")

	// ErrInvalidWindow is returned for malformed time-of-day windows
	ErrInvalidWindow = errors.New("invalid time window")

	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidJob is returned when job options contradict each other
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidPayload is returned when args or kwargs cannot be encoded or decoded
	ErrInvalidPayload = errors.New("invalid job payload")
)

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureBody    FailureKind = "exception"
	FailureTimeout FailureKind = "timeout"
	FailureLookup  FailureKind = "lookup"
	FailureCrash   FailureKind = "crash"
)

// JobError wraps a job failure with its kind
type JobError struct {
	Kind FailureKind
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError creates a new job error of the given kind
func NewJobError(kind FailureKind, err error) error {
	return &JobError{Kind: kind, Err: err}
}

// KindOf returns the failure kind of err, defaulting to FailureBody.
func KindOf(err error) FailureKind {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return FailureBody
}
