package export

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/stage"
)

// Postprocessor implements stage.Postprocessor.
type Postprocessor struct{}

// NewPostprocessor constructs a Postprocessor.
func NewPostprocessor() *Postprocessor { return &Postprocessor{} }

// HealthCheck always reports ready; the phase has no external dependency.
func (p *Postprocessor) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("postprocess")
}

// Postprocess builds the combined summary and writes postprocess/summary.json.
func (p *Postprocessor) Postprocess(_ context.Context, job queue.Job, results stage.Results) (stage.Summary, error) {
	if results.Arrangement == nil || results.Stems == nil {
		return stage.Summary{}, services.Wrap(services.ErrValidation, stage.PhasePostprocess.String(), "summarize",
			"Arrangement and stems are required before postprocessing", nil)
	}
	summary := stage.Summary{
		Title:      job.Label(),
		Tempo:      results.Arrangement.Tempo,
		Key:        results.Arrangement.Key,
		StemCount:  len(results.Stems.Files),
		Highlights: highlights(results),
	}
	for _, section := range results.Arrangement.Sections {
		summary.DurationSeconds = math.Max(summary.DurationSeconds, section.End)
	}
	if _, err := stage.WriteArtifact(job, stage.PhasePostprocess, "summary.json", summary); err != nil {
		return stage.Summary{}, err
	}
	return summary, nil
}

func highlights(results stage.Results) []string {
	var out []string
	arr := results.Arrangement
	line := fmt.Sprintf("%.0f BPM", arr.Tempo)
	if arr.Key != "" {
		line += " in " + arr.Key
	}
	if arr.TimeSignature != "" {
		line += " (" + arr.TimeSignature + ")"
	}
	out = append(out, line)

	if len(arr.Sections) > 0 {
		labels := make([]string, 0, len(arr.Sections))
		for _, section := range arr.Sections {
			labels = append(labels, section.Label)
		}
		out = append(out, fmt.Sprintf("%d sections: %s", len(arr.Sections), strings.Join(labels, ", ")))
	}

	if results.Stems.Skipped {
		out = append(out, "separation skipped; analysis ran on the full mix")
	}

	if results.Performance != nil && len(results.Performance.Metrics) > 0 {
		names := make([]string, 0, len(results.Performance.Metrics))
		for name := range results.Performance.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, fmt.Sprintf("%s=%.3g", name, results.Performance.Metrics[name]))
		}
	}
	return out
}
