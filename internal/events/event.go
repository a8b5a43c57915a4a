package events

import "time"

// Kind identifies the event type.
type Kind string

// KindJobCompleted marks a job leaving the worker without failing. Its
// payload State is StateInterrupted, and Status "Cancelled", when the job was
// stopped between phases; otherwise the job succeeded.
const (
	KindBatchStarted   Kind = "BatchStarted"
	KindJobStarted     Kind = "JobStarted"
	KindJobProgress    Kind = "JobProgress"
	KindJobCompleted   Kind = "JobCompleted"
	KindJobFailed      Kind = "JobFailed"
	KindBatchCompleted Kind = "BatchCompleted"
)

// Phase states carried by JobProgress events. StateInterrupted is only set
// on JobCompleted.
const (
	StateStarted     = "started"
	StateCompleted   = "completed"
	StateSkipped     = "skipped"
	StateInterrupted = "interrupted"
)

// Event is an immutable notification. Ordering is guaranteed within one
// job's events only.
type Event struct {
	Sequence  uint64    `json:"seq"`
	BatchID   string    `json:"batchId"`
	JobID     string    `json:"jobId,omitempty"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload holds value copies of whatever the event describes.
type Payload struct {
	Phase      string        `json:"phase,omitempty"`
	PhaseIndex int           `json:"phaseIndex,omitempty"`
	State      string        `json:"state,omitempty"`
	Status     string        `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"errorKind,omitempty"`
	SourcePath string        `json:"sourcePath,omitempty"`
	Label      string        `json:"label,omitempty"`
	Summary    *BatchSummary `json:"summary,omitempty"`
}

// BatchSummary is the batch-level tally sent with BatchStarted and
// BatchCompleted.
type BatchSummary struct {
	BatchID        string    `json:"batchId"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt,omitzero"`
	TotalSubmitted int       `json:"totalSubmitted"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Interrupted    int       `json:"interrupted"`
	Active         bool      `json:"active"`
	Error          string    `json:"error,omitempty"`
}

// IsTerminal reports whether the event ends a job or batch.
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case KindJobCompleted, KindJobFailed, KindBatchCompleted:
		return true
	default:
		return false
	}
}

func (e Event) clone() Event {
	if e.Payload.Summary != nil {
		summary := *e.Payload.Summary
		e.Payload.Summary = &summary
	}
	return e
}
