package queue

import (
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether the status ends a job's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a case-insensitive string to a Status.
func ParseStatus(value string) (Status, bool) {
	for _, status := range []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		if strings.EqualFold(strings.TrimSpace(value), string(status)) {
			return status, true
		}
	}
	return "", false
}

// Metadata keys recognised by the pipeline. Any other key is carried through
// untouched.
const (
	MetaSkipAcquire    = "skip_acquire"
	MetaSkipSeparation = "skip_separation"
	MetaLabel          = "label"
)

// Job is one unit of work: a source reference, a destination directory and
// the results accumulated by each completed phase.
type Job struct {
	ID              string                     `json:"id"`
	SourcePath      string                     `json:"sourcePath"`
	OutputDirectory string                     `json:"outputDirectory"`
	Metadata        map[string]string          `json:"metadata,omitempty"`
	Status          Status                     `json:"status"`
	SubmittedAt     time.Time                  `json:"submittedAt"`
	StartedAt       time.Time                  `json:"startedAt,omitzero"`
	CompletedAt     time.Time                  `json:"completedAt,omitzero"`
	Results         map[string]json.RawMessage `json:"results,omitempty"`
	Error           *JobError                  `json:"error,omitempty"`
	BatchID         string                     `json:"batchId,omitempty"`
	FileSize        int64                      `json:"fileSize,omitempty"`
	CancelReason    string                     `json:"cancelReason,omitempty"`
}

// NewJob builds a queued job with a fresh identifier.
func NewJob(sourcePath, outputDirectory string, metadata map[string]string, fileSize int64) *Job {
	return &Job{
		ID:              uuid.NewString(),
		SourcePath:      sourcePath,
		OutputDirectory: outputDirectory,
		Metadata:        maps.Clone(metadata),
		Status:          StatusQueued,
		SubmittedAt:     time.Now().UTC(),
		FileSize:        fileSize,
	}
}

// Transition moves the job to next, stamping StartedAt or CompletedAt.
func (j *Job) Transition(next Status) error {
	for _, allowed := range allowedTransitions[j.Status] {
		if allowed != next {
			continue
		}
		now := time.Now().UTC()
		switch {
		case next == StatusRunning:
			j.StartedAt = now
		case next.IsTerminal():
			j.CompletedAt = now
		}
		j.Status = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
}

// Fail transitions a running job to Failed and records the cause.
func (j *Job) Fail(jobErr JobError) error {
	if j.Error != nil {
		return fmt.Errorf("%w: job %s already carries an error", ErrInvalidTransition, j.ID)
	}
	if err := j.Transition(StatusFailed); err != nil {
		return err
	}
	j.Error = &jobErr
	return nil
}

// Cancel transitions the job to Cancelled and notes why.
func (j *Job) Cancel(reason string) error {
	if err := j.Transition(StatusCancelled); err != nil {
		return err
	}
	j.CancelReason = reason
	return nil
}

// SetResult records the output of a phase. A phase key is written at most once.
func (j *Job) SetResult(phase string, payload json.RawMessage) error {
	if _, exists := j.Results[phase]; exists {
		return fmt.Errorf("result for phase %s already recorded", phase)
	}
	if j.Results == nil {
		j.Results = make(map[string]json.RawMessage)
	}
	j.Results[phase] = append(json.RawMessage(nil), payload...)
	return nil
}

// Result returns the raw payload recorded for phase.
func (j *Job) Result(phase string) (json.RawMessage, bool) {
	raw, ok := j.Results[phase]
	return raw, ok
}

// Flag reports whether a metadata key is set to a truthy value.
func (j *Job) Flag(key string) bool {
	switch strings.ToLower(strings.TrimSpace(j.Metadata[key])) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Label returns the display name: metadata label, else the source base name.
func (j *Job) Label() string {
	if label := strings.TrimSpace(j.Metadata[MetaLabel]); label != "" {
		return label
	}
	base := filepath.Base(strings.TrimRight(j.SourcePath, "/"))
	if base == "." || base == "/" || base == "" {
		return j.ID
	}
	return base
}

// IsRemote reports whether the source is a URL rather than a local path.
func (j *Job) IsRemote() bool {
	return IsRemoteSource(j.SourcePath)
}

// IsRemoteSource reports whether a source reference uses a remote scheme.
func IsRemoteSource(source string) bool {
	lower := strings.ToLower(strings.TrimSpace(source))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "s3://")
}

// Snapshot returns a deep copy safe to hand to readers.
func (j *Job) Snapshot() Job {
	if j == nil {
		return Job{}
	}
	out := *j
	out.Metadata = maps.Clone(j.Metadata)
	if j.Results != nil {
		out.Results = make(map[string]json.RawMessage, len(j.Results))
		for k, v := range j.Results {
			out.Results[k] = append(json.RawMessage(nil), v...)
		}
	}
	if j.Error != nil {
		errCopy := *j.Error
		out.Error = &errCopy
	}
	return out
}

// identity is the duplicate-guard key: source, file name and size, destination.
func (j *Job) identity() string {
	return strings.Join([]string{
		strings.TrimSpace(j.SourcePath),
		filepath.Base(j.SourcePath),
		fmt.Sprint(j.FileSize),
		filepath.Clean(strings.TrimSpace(j.OutputDirectory)),
	}, "\x00")
}
