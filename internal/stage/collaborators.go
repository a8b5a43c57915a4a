package stage

import (
	"context"
	"errors"
	"strings"

	"stemflow/internal/queue"
)

// HealthChecker is implemented by every collaborator.
type HealthChecker interface {
	HealthCheck(context.Context) Health
}

// Acquirer fetches or verifies the source audio.
type Acquirer interface {
	HealthChecker
	Acquire(ctx context.Context, job queue.Job) (AcquireResult, error)
}

// Arranger derives tempo, key and structure from the mixed signal.
type Arranger interface {
	HealthChecker
	Arrange(ctx context.Context, job queue.Job, audioPath string) (Arrangement, error)
}

// Separator splits the mix into stems.
type Separator interface {
	HealthChecker
	Separate(ctx context.Context, job queue.Job, audioPath string) (Stems, error)
}

// Analyzer measures performance metrics on the stems.
type Analyzer interface {
	HealthChecker
	Analyze(ctx context.Context, job queue.Job, stems Stems, arrangement Arrangement) (Performance, error)
}

// Postprocessor combines earlier results into a summary.
type Postprocessor interface {
	HealthChecker
	Postprocess(ctx context.Context, job queue.Job, results Results) (Summary, error)
}

// Exporter serializes the results for downstream consumers.
type Exporter interface {
	HealthChecker
	Export(ctx context.Context, job queue.Job, results Results) (ExportResult, error)
}

// Collaborators bundles the implementation for each phase.
type Collaborators struct {
	Acquirer      Acquirer
	Arranger      Arranger
	Separator     Separator
	Analyzer      Analyzer
	Postprocessor Postprocessor
	Exporter      Exporter
}

// Validate reports every missing collaborator.
func (c Collaborators) Validate() error {
	var errs []error
	if c.Acquirer == nil {
		errs = append(errs, errors.New("acquirer is required"))
	}
	if c.Arranger == nil {
		errs = append(errs, errors.New("arranger is required"))
	}
	if c.Separator == nil {
		errs = append(errs, errors.New("separator is required"))
	}
	if c.Analyzer == nil {
		errs = append(errs, errors.New("analyzer is required"))
	}
	if c.Postprocessor == nil {
		errs = append(errs, errors.New("postprocessor is required"))
	}
	if c.Exporter == nil {
		errs = append(errs, errors.New("exporter is required"))
	}
	return errors.Join(errs...)
}

// HealthCheck queries each collaborator in phase order. Records are keyed by
// phase; a collaborator reporting under another name keeps it in Detail.
func (c Collaborators) HealthCheck(ctx context.Context) []Health {
	checks := []struct {
		phase   Phase
		checker HealthChecker
	}{
		{PhaseAcquire, c.Acquirer},
		{PhaseArrange, c.Arranger},
		{PhaseSeparate, c.Separator},
		{PhaseAnalyze, c.Analyzer},
		{PhasePostprocess, c.Postprocessor},
		{PhaseExport, c.Exporter},
	}
	out := make([]Health, 0, len(checks))
	for _, check := range checks {
		if check.checker == nil {
			out = append(out, Unhealthy(check.phase.Dir(), "not configured"))
			continue
		}
		out = append(out, phaseHealth(check.phase, check.checker.HealthCheck(ctx)))
	}
	return out
}

func phaseHealth(phase Phase, h Health) Health {
	name := phase.Dir()
	reported := strings.TrimSpace(h.Name)
	if reported != "" && reported != name {
		if h.Detail == "" {
			h.Detail = reported
		} else {
			h.Detail = reported + ": " + h.Detail
		}
	}
	h.Name = name
	return h
}
