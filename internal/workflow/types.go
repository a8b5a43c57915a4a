package workflow

import (
	"context"
	"time"

	"stemflow/internal/events"
	"stemflow/internal/queue"
)

// BatchRun is one execution of the worker over the queue.
type BatchRun struct {
	ID             string    `json:"batchId"`
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

// Summary converts the run into the event payload form.
func (b BatchRun) Summary() *events.BatchSummary {
	return &events.BatchSummary{
		BatchID:        b.ID,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
		TotalSubmitted: b.TotalSubmitted,
		Succeeded:      b.Succeeded,
		Failed:         b.Failed,
		Skipped:        b.Skipped,
		Interrupted:    b.Interrupted,
		Active:         b.Active,
		Error:          b.Error,
	}
}

// Record converts the run into its persisted form.
func (b BatchRun) Record() queue.BatchRecord {
	return queue.BatchRecord{
		ID:             b.ID,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
		TotalSubmitted: b.TotalSubmitted,
		Succeeded:      b.Succeeded,
		Failed:         b.Failed,
		Skipped:        b.Skipped,
		Interrupted:    b.Interrupted,
		Active:         b.Active,
		Error:          b.Error,
	}
}

// Status is the cheap view returned by Coordinator.Status.
type Status struct {
	Active       bool   `json:"active"`
	BatchID      string `json:"batchId,omitempty"`
	QueueSize    int    `json:"queueSize"`
	CurrentJobID string `json:"currentJobId,omitempty"`
}

// Recorder persists job and batch state. *queue.Store satisfies it.
type Recorder interface {
	SaveJob(ctx context.Context, job queue.Job) error
	SaveBatch(ctx context.Context, batch queue.BatchRecord) error
}
