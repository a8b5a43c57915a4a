package audiotool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/stage"
)

// Arranger implements stage.Arranger with an external command.
type Arranger struct{ tool *Tool }

// NewArranger builds an Arranger from the configured argv.
func NewArranger(argv []string, opts ...Option) (*Arranger, error) {
	tool, err := New(stage.PhaseArrange, argv, opts...)
	if err != nil {
		return nil, err
	}
	return &Arranger{tool: tool}, nil
}

// HealthCheck implements stage.HealthChecker.
func (a *Arranger) HealthCheck(ctx context.Context) stage.Health { return a.tool.HealthCheck(ctx) }

// Arrange runs the arrangement command against the full mix.
func (a *Arranger) Arrange(ctx context.Context, job queue.Job, audioPath string) (stage.Arrangement, error) {
	dir, err := stage.ArtifactDir(job, stage.PhaseArrange)
	if err != nil {
		return stage.Arrangement{}, err
	}
	var arrangement stage.Arrangement
	if err := a.tool.Run(ctx, job.ID, map[string]string{"input": audioPath, "output": dir}, &arrangement); err != nil {
		return stage.Arrangement{}, err
	}
	if arrangement.Tempo <= 0 {
		return stage.Arrangement{}, services.Wrap(services.ErrValidation, stage.PhaseArrange.String(), "validate output",
			fmt.Sprintf("%s reported non-positive tempo %.2f", a.tool.Binary(), arrangement.Tempo), nil)
	}
	if _, err := stage.WriteArtifact(job, stage.PhaseArrange, "arrangement.json", arrangement); err != nil {
		return stage.Arrangement{}, err
	}
	return arrangement, nil
}

// Separator implements stage.Separator with an external command.
type Separator struct{ tool *Tool }

// NewSeparator builds a Separator from the configured argv.
func NewSeparator(argv []string, opts ...Option) (*Separator, error) {
	tool, err := New(stage.PhaseSeparate, argv, opts...)
	if err != nil {
		return nil, err
	}
	return &Separator{tool: tool}, nil
}

// HealthCheck implements stage.HealthChecker.
func (s *Separator) HealthCheck(ctx context.Context) stage.Health { return s.tool.HealthCheck(ctx) }

// Separate runs the separation command. Relative stem paths in the output
// are resolved against the separate/ directory and every stem must exist.
func (s *Separator) Separate(ctx context.Context, job queue.Job, audioPath string) (stage.Stems, error) {
	dir, err := stage.ArtifactDir(job, stage.PhaseSeparate)
	if err != nil {
		return stage.Stems{}, err
	}
	var stems stage.Stems
	if err := s.tool.Run(ctx, job.ID, map[string]string{"input": audioPath, "output": dir}, &stems); err != nil {
		return stage.Stems{}, err
	}
	if len(stems.Files) == 0 {
		return stage.Stems{}, services.Wrap(services.ErrValidation, stage.PhaseSeparate.String(), "validate output",
			s.tool.Binary()+" reported no stems", nil)
	}
	for name, path := range stems.Files {
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
			stems.Files[name] = path
		}
		if _, err := os.Stat(path); err != nil {
			return stage.Stems{}, services.Wrap(services.ErrValidation, stage.PhaseSeparate.String(), "validate output",
				fmt.Sprintf("stem %q missing at %s", name, path), err)
		}
	}
	if _, err := stage.WriteArtifact(job, stage.PhaseSeparate, "stems.json", stems); err != nil {
		return stage.Stems{}, err
	}
	return stems, nil
}

// Analyzer implements stage.Analyzer with an external command.
type Analyzer struct{ tool *Tool }

// NewAnalyzer builds an Analyzer from the configured argv.
func NewAnalyzer(argv []string, opts ...Option) (*Analyzer, error) {
	tool, err := New(stage.PhaseAnalyze, argv, opts...)
	if err != nil {
		return nil, err
	}
	return &Analyzer{tool: tool}, nil
}

// HealthCheck implements stage.HealthChecker.
func (a *Analyzer) HealthCheck(ctx context.Context) stage.Health { return a.tool.HealthCheck(ctx) }

// Analyze writes the stems and arrangement as input documents, then runs the
// analysis command with {stems} and {arrangement} pointing at them.
func (a *Analyzer) Analyze(ctx context.Context, job queue.Job, stems stage.Stems, arrangement stage.Arrangement) (stage.Performance, error) {
	stemsPath, err := stage.WriteArtifact(job, stage.PhaseAnalyze, "input-stems.json", stems)
	if err != nil {
		return stage.Performance{}, err
	}
	arrangementPath, err := stage.WriteArtifact(job, stage.PhaseAnalyze, "input-arrangement.json", arrangement)
	if err != nil {
		return stage.Performance{}, err
	}
	vars := map[string]string{
		"input":       primaryStem(stems),
		"output":      filepath.Dir(stemsPath),
		"stems":       stemsPath,
		"arrangement": arrangementPath,
	}
	var performance stage.Performance
	if err := a.tool.Run(ctx, job.ID, vars, &performance); err != nil {
		return stage.Performance{}, err
	}
	if performance.Metrics == nil {
		performance.Metrics = map[string]float64{}
	}
	if _, err := stage.WriteArtifact(job, stage.PhaseAnalyze, "performance.json", performance); err != nil {
		return stage.Performance{}, err
	}
	return performance, nil
}

// primaryStem prefers the mix, else the first stem by name.
func primaryStem(stems stage.Stems) string {
	if path, ok := stems.Files[stage.MixStem]; ok {
		return path
	}
	names := make([]string, 0, len(stems.Files))
	for name := range stems.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return stems.Files[names[0]]
}
