package api

import (
	"encoding/json"

	"stemflow/internal/events"
	"stemflow/internal/queue"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a job snapshot in a transport-friendly format.
type Job struct {
	ID              string                     `json:"id"`
	Label           string                     `json:"label"`
	SourcePath      string                     `json:"sourcePath"`
	OutputDirectory string                     `json:"outputDirectory"`
	Status          string                     `json:"status"`
	Metadata        map[string]string          `json:"metadata,omitempty"`
	BatchID         string                     `json:"batchId,omitempty"`
	FileSize        int64                      `json:"fileSize,omitempty"`
	SubmittedAt     string                     `json:"submittedAt,omitempty"`
	StartedAt       string                     `json:"startedAt,omitempty"`
	CompletedAt     string                     `json:"completedAt,omitempty"`
	Phases          []string                   `json:"phases"`
	Results         map[string]json.RawMessage `json:"results,omitempty"`
	Error           *JobError                  `json:"error,omitempty"`
	CancelReason    string                     `json:"cancelReason,omitempty"`
}

// JobError is the failure recorded on a job.
type JobError struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	SourcePath      string            `json:"sourcePath" binding:"required"`
	OutputDirectory string            `json:"outputDirectory"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// BatchStartResponse is returned when a batch starts.
type BatchStartResponse struct {
	BatchID string `json:"batchId"`
}

// BatchStopResponse is returned when a stop is requested.
type BatchStopResponse struct {
	Stopping bool   `json:"stopping"`
	BatchID  string `json:"batchId,omitempty"`
}

// BatchStatus mirrors the coordinator status.
type BatchStatus struct {
	Active       bool   `json:"active"`
	BatchID      string `json:"batchId,omitempty"`
	QueueSize    int    `json:"queueSize"`
	CurrentJobID string `json:"currentJobId,omitempty"`
}

// Batch is one batch run as persisted in history.
type Batch struct {
	ID             string `json:"batchId"`
	StartedAt      string `json:"startedAt,omitempty"`
	CompletedAt    string `json:"completedAt,omitempty"`
	TotalSubmitted int    `json:"totalSubmitted"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped"`
	Interrupted    int    `json:"interrupted"`
	Active         bool   `json:"active"`
	Error          string `json:"error,omitempty"`
}

// BatchListResponse wraps batch history.
type BatchListResponse struct {
	Batches []Batch `json:"batches"`
}

// EventsResponse is one long-poll page of progress events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

// LogEvent is a structured daemon log line.
type LogEvent struct {
	Sequence  uint64            `json:"seq"`
	Timestamp string            `json:"ts"`
	Level     string            `json:"level"`
	Message   string            `json:"msg"`
	Component string            `json:"component,omitempty"`
	JobID     string            `json:"jobId,omitempty"`
	BatchID   string            `json:"batchId,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// LogStreamResponse is one page of daemon logs.
type LogStreamResponse struct {
	Events []LogEvent `json:"events"`
	Next   uint64     `json:"next"`
}

// CollaboratorHealth mirrors readiness reporting for one phase collaborator.
type CollaboratorHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DiskStatus reports free space on the data volume.
type DiskStatus struct {
	Path       string `json:"path"`
	FreeBytes  uint64 `json:"freeBytes"`
	TotalBytes uint64 `json:"totalBytes"`
	Error      string `json:"error,omitempty"`
}

// HealthResponse aggregates daemon health for API consumers.
type HealthResponse struct {
	Ready         bool                 `json:"ready"`
	PID           int                  `json:"pid"`
	Collaborators []CollaboratorHealth `json:"collaborators"`
	Disk          DiskStatus           `json:"disk"`
	Sinks         []events.SinkStatus  `json:"sinks"`
	Database      queue.DatabaseHealth `json:"database"`
	Batch         BatchStatus          `json:"batch"`
}

// NotificationTestResponse reports the outcome of a test notification.
type NotificationTestResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
