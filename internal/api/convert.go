package api

import (
	"maps"
	"time"

	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/stage"
	"stemflow/internal/workflow"
)

// FromJob converts a job snapshot to its API representation.
func FromJob(job queue.Job) Job {
	dto := Job{
		ID:              job.ID,
		Label:           job.Label(),
		SourcePath:      job.SourcePath,
		OutputDirectory: job.OutputDirectory,
		Status:          string(job.Status),
		Metadata:        maps.Clone(job.Metadata),
		BatchID:         job.BatchID,
		FileSize:        job.FileSize,
		SubmittedAt:     formatTime(job.SubmittedAt),
		StartedAt:       formatTime(job.StartedAt),
		CompletedAt:     formatTime(job.CompletedAt),
		Phases:          CompletedPhases(job),
		CancelReason:    job.CancelReason,
	}
	if len(job.Results) > 0 {
		dto.Results = maps.Clone(job.Results)
	}
	if job.Error != nil {
		dto.Error = &JobError{
			Phase:   job.Error.Phase,
			Message: job.Error.Message,
			Kind:    job.Error.Kind,
		}
	}
	return dto
}

// FromJobs converts a slice of snapshots, preserving order.
func FromJobs(jobs []queue.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// CompletedPhases lists the phases with a recorded result, in pipeline order.
func CompletedPhases(job queue.Job) []string {
	out := make([]string, 0, len(job.Results))
	for _, phase := range stage.Phases() {
		if _, ok := job.Results[phase.String()]; ok {
			out = append(out, phase.String())
		}
	}
	return out
}

// FromStatus converts the coordinator status.
func FromStatus(status workflow.Status) BatchStatus {
	return BatchStatus{
		Active:       status.Active,
		BatchID:      status.BatchID,
		QueueSize:    status.QueueSize,
		CurrentJobID: status.CurrentJobID,
	}
}

// FromBatchRecord converts a persisted batch row.
func FromBatchRecord(record queue.BatchRecord) Batch {
	return Batch{
		ID:             record.ID,
		StartedAt:      formatTime(record.StartedAt),
		CompletedAt:    formatTime(record.CompletedAt),
		TotalSubmitted: record.TotalSubmitted,
		Succeeded:      record.Succeeded,
		Failed:         record.Failed,
		Skipped:        record.Skipped,
		Interrupted:    record.Interrupted,
		Active:         record.Active,
		Error:          record.Error,
	}
}

// FromBatchRun converts a live batch run.
func FromBatchRun(run workflow.BatchRun) Batch {
	return FromBatchRecord(run.Record())
}

// FromLogEvents converts streamed log events.
func FromLogEvents(evts []logging.LogEvent) []LogEvent {
	out := make([]LogEvent, 0, len(evts))
	for _, evt := range evts {
		out = append(out, LogEvent{
			Sequence:  evt.Sequence,
			Timestamp: formatTime(evt.Timestamp),
			Level:     evt.Level,
			Message:   evt.Message,
			Component: evt.Component,
			JobID:     evt.JobID,
			BatchID:   evt.BatchID,
			Phase:     evt.Phase,
			Fields:    evt.Fields,
		})
	}
	return out
}

// FromHealth converts collaborator readiness records.
func FromHealth(records []stage.Health) []CollaboratorHealth {
	out := make([]CollaboratorHealth, 0, len(records))
	for _, h := range records {
		out = append(out, CollaboratorHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
