package workflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stemflow/internal/config"
	"stemflow/internal/events"
	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/stage"
	"stemflow/internal/testsupport"
	"stemflow/internal/workflow"
)

// fakeCollaborators implements every phase interface. hook runs at the start
// of each call; a non-nil error fails the phase.
type fakeCollaborators struct {
	mu    sync.Mutex
	calls map[stage.Phase][]string
	hook  func(ctx context.Context, phase stage.Phase, job queue.Job) error

	lastStems stage.Stems
}

func newFakeCollaborators() *fakeCollaborators {
	return &fakeCollaborators{calls: make(map[stage.Phase][]string)}
}

func (f *fakeCollaborators) enter(ctx context.Context, phase stage.Phase, job queue.Job) error {
	f.mu.Lock()
	f.calls[phase] = append(f.calls[phase], job.Label())
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, phase, job)
	}
	return nil
}

func (f *fakeCollaborators) called(phase stage.Phase) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[phase]...)
}

func (f *fakeCollaborators) HealthCheck(context.Context) stage.Health { return stage.Healthy("fake") }

func (f *fakeCollaborators) Acquire(ctx context.Context, job queue.Job) (stage.AcquireResult, error) {
	if err := f.enter(ctx, stage.PhaseAcquire, job); err != nil {
		return stage.AcquireResult{}, err
	}
	return stage.AcquireResult{LocalPath: job.SourcePath, Source: job.SourcePath}, nil
}

func (f *fakeCollaborators) Arrange(ctx context.Context, job queue.Job, _ string) (stage.Arrangement, error) {
	if err := f.enter(ctx, stage.PhaseArrange, job); err != nil {
		return stage.Arrangement{}, err
	}
	return stage.Arrangement{Tempo: 120, Key: "C major", TimeSignature: "4/4"}, nil
}

func (f *fakeCollaborators) Separate(ctx context.Context, job queue.Job, audioPath string) (stage.Stems, error) {
	if err := f.enter(ctx, stage.PhaseSeparate, job); err != nil {
		return stage.Stems{}, err
	}
	return stage.Stems{Files: map[string]string{"vocals": audioPath + ".vocals.wav"}}, nil
}

func (f *fakeCollaborators) Analyze(ctx context.Context, job queue.Job, stems stage.Stems, _ stage.Arrangement) (stage.Performance, error) {
	if err := f.enter(ctx, stage.PhaseAnalyze, job); err != nil {
		return stage.Performance{}, err
	}
	f.mu.Lock()
	f.lastStems = stems
	f.mu.Unlock()
	return stage.Performance{Metrics: map[string]float64{"timing_ms": 4}}, nil
}

func (f *fakeCollaborators) Postprocess(ctx context.Context, job queue.Job, _ stage.Results) (stage.Summary, error) {
	if err := f.enter(ctx, stage.PhasePostprocess, job); err != nil {
		return stage.Summary{}, err
	}
	return stage.Summary{Title: job.Label(), StemCount: 1}, nil
}

func (f *fakeCollaborators) Export(ctx context.Context, job queue.Job, _ stage.Results) (stage.ExportResult, error) {
	if err := f.enter(ctx, stage.PhaseExport, job); err != nil {
		return stage.ExportResult{}, err
	}
	return stage.ExportResult{ManifestPath: filepath.Join(job.OutputDirectory, "export", "manifest.json")}, nil
}

func (f *fakeCollaborators) set() stage.Collaborators {
	return stage.Collaborators{
		Acquirer:      f,
		Arranger:      f,
		Separator:     f,
		Analyzer:      f,
		Postprocessor: f,
		Exporter:      f,
	}
}

// failFor fails phase for the job whose label is name.
func failFor(name string, phase stage.Phase) func(context.Context, stage.Phase, queue.Job) error {
	return func(_ context.Context, p stage.Phase, job queue.Job) error {
		if p == phase && job.Label() == name {
			return services.Wrap(services.ErrExternalTool, p.String(), "run", name+" rejected by stub", nil)
		}
		return nil
	}
}

// gate blocks the named job inside phase until release is closed.
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 8), release: make(chan struct{})}
}

func (g *gate) hook(name string, phase stage.Phase) func(context.Context, stage.Phase, queue.Job) error {
	return func(ctx context.Context, p stage.Phase, job queue.Job) error {
		if p == phase && job.Label() == name {
			g.entered <- job.ID
			select {
			case <-g.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

func (g *gate) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.entered:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the gated phase")
		return ""
	}
}

type harness struct {
	cfg    *config.Config
	collab *fakeCollaborators
	hub    *events.Hub
	coord  *workflow.Coordinator
	sub    *events.Subscription
	srcDir string
	outDir string
}

type harnessOption struct {
	cfgOpts      []testsupport.ConfigOption
	pipelineOpts []workflow.PipelineOption
	coordOpts    []workflow.CoordinatorOption
}

func newHarness(t *testing.T, opt harnessOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opt.cfgOpts...)
	collab := newFakeCollaborators()
	hub := events.NewHub(4096, nil)
	pipeline, err := workflow.NewPipeline(cfg, collab.set(), hub, nil, opt.pipelineOpts...)
	require.NoError(t, err)
	coord := workflow.NewCoordinator(cfg, pipeline, hub, nil, opt.coordOpts...)
	h := &harness{
		cfg:    cfg,
		collab: collab,
		hub:    hub,
		coord:  coord,
		sub:    coord.Subscribe(4096),
		srcDir: t.TempDir(),
		outDir: cfg.Paths.DefaultOutputDir,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
		hub.Close()
	})
	return h
}

// enqueue submits a fresh local file named name with its own output directory.
func (h *harness) enqueue(t *testing.T, name string, meta map[string]string) queue.Job {
	t.Helper()
	src := testsupport.AudioFile(t, h.srcDir, name, 2048)
	job, err := h.coord.Enqueue(context.Background(), src, filepath.Join(h.outDir, name), meta)
	require.NoError(t, err)
	return job
}

// waitBatch collects events until BatchCompleted.
func (h *harness) waitBatch(t *testing.T) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case evt, ok := <-h.sub.Events():
			require.True(t, ok, "subscription closed before BatchCompleted")
			got = append(got, evt)
			if evt.Kind == events.KindBatchCompleted {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for BatchCompleted; saw %d events", len(got))
			return nil
		}
	}
}

func finalSummary(t *testing.T, evts []events.Event) events.BatchSummary {
	t.Helper()
	require.NotEmpty(t, evts)
	last := evts[len(evts)-1]
	require.Equal(t, events.KindBatchCompleted, last.Kind)
	require.NotNil(t, last.Payload.Summary)
	return *last.Payload.Summary
}

func ofKind(evts []events.Event, kind events.Kind) []events.Event {
	var out []events.Event
	for _, evt := range evts {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func resultKeys(job queue.Job) []string {
	keys := make([]string, 0, len(job.Results))
	for _, phase := range stage.Phases() {
		if _, ok := job.Results[phase.String()]; ok {
			keys = append(keys, phase.String())
		}
	}
	return keys
}

func allPhases() []string {
	out := make([]string, 0, len(stage.Phases()))
	for _, phase := range stage.Phases() {
		out = append(out, phase.String())
	}
	return out
}
