package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/daemon"
	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/stage"
	"stemflow/internal/testsupport"
	"stemflow/internal/workflow"
)

type passthrough struct{}

func (passthrough) HealthCheck(context.Context) stage.Health { return stage.Healthy("stub") }

func (passthrough) Acquire(_ context.Context, job queue.Job) (stage.AcquireResult, error) {
	return stage.AcquireResult{LocalPath: job.SourcePath, Source: job.SourcePath}, nil
}

func (passthrough) Arrange(context.Context, queue.Job, string) (stage.Arrangement, error) {
	return stage.Arrangement{Tempo: 120, Key: "A minor", TimeSignature: "4/4"}, nil
}

func (passthrough) Separate(_ context.Context, _ queue.Job, audioPath string) (stage.Stems, error) {
	return stage.Stems{Files: map[string]string{"mix": audioPath}}, nil
}

func (passthrough) Analyze(context.Context, queue.Job, stage.Stems, stage.Arrangement) (stage.Performance, error) {
	return stage.Performance{Metrics: map[string]float64{"timing_drift_ms": 2}}, nil
}

func (passthrough) Postprocess(_ context.Context, job queue.Job, _ stage.Results) (stage.Summary, error) {
	return stage.Summary{Title: job.Label(), StemCount: 1}, nil
}

func (passthrough) Export(_ context.Context, job queue.Job, _ stage.Results) (stage.ExportResult, error) {
	return stage.ExportResult{ManifestPath: filepath.Join(job.OutputDirectory, "manifest.json")}, nil
}

type cliTestEnv struct {
	cfg        *config.Config
	coord      *workflow.Coordinator
	logHub     *logging.StreamHub
	server     *httptest.Server
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithAPIToken("cli-token"))
	base := testsupport.BaseDir(cfg)
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("STEMFLOW_API_TOKEN", "")

	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	hub := events.NewHub(cfg.Workflow.EventHistory, logger)
	collab := passthrough{}
	pipeline, err := workflow.NewPipeline(cfg, stage.Collaborators{
		Acquirer:      collab,
		Arranger:      collab,
		Separator:     collab,
		Analyzer:      collab,
		Postprocessor: collab,
		Exporter:      collab,
	}, hub, logger)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	coord := workflow.NewCoordinator(cfg, pipeline, hub, logger, workflow.WithRecorder(store))
	logHub := logging.NewStreamHub(64)
	d, err := daemon.New(cfg, store, coord, logger, daemon.WithLogStream(logHub))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	server := httptest.NewServer(d.Handler())

	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg, server.URL)

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
		hub.Close()
	})
	return &cliTestEnv{cfg: cfg, coord: coord, logHub: logHub, server: server, configPath: configPath, baseDir: base}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config, bind string) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q
default_output_dir = %q

[api]
bind = %q
token = %q
`, cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.DefaultOutputDir, bind, cfg.API.Token)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (env *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func (env *cliTestEnv) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.coord.Wait(ctx); err != nil {
		t.Fatalf("wait for batch: %v", err)
	}
}
