package queue

import "errors"

var (
	// ErrInvalidTransition reports a status change outside the allowed lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)

// JobError describes why a job failed. It is set exactly once, only when the
// job reaches StatusFailed.
type JobError struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
	// Kind is the services classification (timeout, validation, ...).
	Kind string `json:"kind,omitempty"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	if e.Phase == "" {
		return e.Message
	}
	return e.Phase + ": " + e.Message
}
