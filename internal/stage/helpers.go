package stage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"stemflow/internal/queue"
	"stemflow/internal/services"
)

// ArtifactDir creates and returns outputDirectory/<phase>.
func ArtifactDir(job queue.Job, phase Phase) (string, error) {
	dir := filepath.Join(job.OutputDirectory, phase.Dir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", services.Wrap(services.ErrConfiguration, phase.String(), "create artifact dir",
			"Unable to create phase output directory; check outputDirectory permissions", err)
	}
	return dir, nil
}

// WriteArtifact writes v as indented JSON to outputDirectory/<phase>/name.
// The file is written to a temp name and renamed into place.
func WriteArtifact(job queue.Job, phase Phase, name string, v any) (string, error) {
	dir, err := ArtifactDir(job, phase)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", services.Wrap(services.ErrValidation, phase.String(), "encode artifact",
			"Phase result could not be encoded", err)
	}
	target := filepath.Join(dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", services.Wrap(services.ErrTransient, phase.String(), "write artifact",
			"Failed to write phase artifact", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", services.Wrap(services.ErrTransient, phase.String(), "write artifact",
			"Failed to move phase artifact into place", err)
	}
	return target, nil
}

// DecodeResults converts a job's raw result map into the typed view.
func DecodeResults(raw map[string]json.RawMessage) (Results, error) {
	var out Results
	targets := []struct {
		phase Phase
		dest  any
	}{
		{PhaseAcquire, &out.Acquire},
		{PhaseArrange, &out.Arrangement},
		{PhaseSeparate, &out.Stems},
		{PhaseAnalyze, &out.Performance},
		{PhasePostprocess, &out.Summary},
	}
	for _, target := range targets {
		payload, ok := raw[target.phase.String()]
		if !ok {
			continue
		}
		if err := json.Unmarshal(payload, target.dest); err != nil {
			return Results{}, fmt.Errorf("decode %s result: %w", target.phase, err)
		}
	}
	return out, nil
}
