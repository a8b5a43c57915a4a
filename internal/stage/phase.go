package stage

import (
	"fmt"
	"strings"
)

// Phase names one step of the pipeline. The string value is the key used in
// Job.Results and in JobError.Phase.
type Phase string

const (
	PhaseAcquire     Phase = "Acquire"
	PhaseArrange     Phase = "Arrange"
	PhaseSeparate    Phase = "Separate"
	PhaseAnalyze     Phase = "Analyze"
	PhasePostprocess Phase = "Postprocess"
	PhaseExport      Phase = "Export"
)

var ordered = []Phase{
	PhaseAcquire,
	PhaseArrange,
	PhaseSeparate,
	PhaseAnalyze,
	PhasePostprocess,
	PhaseExport,
}

// Phases returns the pipeline order.
func Phases() []Phase {
	out := make([]Phase, len(ordered))
	copy(out, ordered)
	return out
}

// Index returns the zero-based position of p, or -1 for unknown phases.
func (p Phase) Index() int {
	for i, candidate := range ordered {
		if candidate == p {
			return i
		}
	}
	return -1
}

func (p Phase) String() string { return string(p) }

// Dir is the artifact subdirectory for the phase (lowercase name).
func (p Phase) Dir() string { return strings.ToLower(string(p)) }

// ParsePhase resolves a case-insensitive phase name.
func ParsePhase(value string) (Phase, error) {
	trimmed := strings.TrimSpace(value)
	for _, p := range ordered {
		if strings.EqualFold(trimmed, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", value)
}
