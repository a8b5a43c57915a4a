package workflow

import (
	"errors"
	"fmt"

	"stemflow/internal/services"
	"stemflow/internal/stage"
)

var (
	// ErrInvalidJob rejects a malformed submission before it is queued.
	ErrInvalidJob = errors.New("invalid job")
	// ErrDuplicateJob rejects a submission matching an already queued job.
	ErrDuplicateJob = fmt.Errorf("%w: duplicate of a queued job", ErrInvalidJob)
	// ErrAlreadyRunning is returned by Start while a batch is active.
	ErrAlreadyRunning = errors.New("batch already running")
	// ErrEmptyQueue is returned by Start when nothing is queued.
	ErrEmptyQueue = errors.New("queue is empty")
	// ErrNotFound reports an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrJobNotQueued reports an attempt to remove a job that already left the queue.
	ErrJobNotQueued = errors.New("job is not queued")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
	// ErrInterrupted reports a job stopped at a phase boundary by Stop.
	ErrInterrupted = errors.New("interrupted between phases")
)

// PhaseFailure reports that a job's pipeline stopped at Phase.
type PhaseFailure struct {
	Phase stage.Phase
	Cause error
}

func (f *PhaseFailure) Error() string {
	if f.Cause == nil {
		return fmt.Sprintf("phase %s failed", f.Phase)
	}
	return fmt.Sprintf("phase %s failed: %v", f.Phase, f.Cause)
}

func (f *PhaseFailure) Unwrap() error { return f.Cause }

// IsTimeout reports whether the collaborator exceeded its phase bound.
func (f *PhaseFailure) IsTimeout() bool {
	return f != nil && errors.Is(f.Cause, services.ErrTimeout)
}

// Kind returns the services classification of the cause.
func (f *PhaseFailure) Kind() string {
	if f == nil {
		return ""
	}
	return services.Classify(f.Cause)
}
