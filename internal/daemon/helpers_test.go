package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stemflow/internal/api"
	"stemflow/internal/config"
	"stemflow/internal/daemon"
	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/stage"
	"stemflow/internal/testsupport"
	"stemflow/internal/workflow"
)

// stubCollaborators serves every phase. When block is set, Arrange waits
// for it to close.
type stubCollaborators struct {
	block chan struct{}
}

func (s *stubCollaborators) HealthCheck(context.Context) stage.Health { return stage.Healthy("stub") }

func (s *stubCollaborators) Acquire(_ context.Context, job queue.Job) (stage.AcquireResult, error) {
	return stage.AcquireResult{LocalPath: job.SourcePath, Source: job.SourcePath}, nil
}

func (s *stubCollaborators) Arrange(ctx context.Context, _ queue.Job, _ string) (stage.Arrangement, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return stage.Arrangement{}, ctx.Err()
		}
	}
	return stage.Arrangement{Tempo: 96, Key: "D minor", TimeSignature: "4/4"}, nil
}

func (s *stubCollaborators) Separate(_ context.Context, _ queue.Job, audioPath string) (stage.Stems, error) {
	return stage.Stems{Files: map[string]string{"vocals": audioPath}}, nil
}

func (s *stubCollaborators) Analyze(context.Context, queue.Job, stage.Stems, stage.Arrangement) (stage.Performance, error) {
	return stage.Performance{Metrics: map[string]float64{"timing_drift_ms": 4}}, nil
}

func (s *stubCollaborators) Postprocess(_ context.Context, job queue.Job, _ stage.Results) (stage.Summary, error) {
	return stage.Summary{Title: job.Label(), StemCount: 1}, nil
}

func (s *stubCollaborators) Export(_ context.Context, job queue.Job, _ stage.Results) (stage.ExportResult, error) {
	return stage.ExportResult{ManifestPath: filepath.Join(job.OutputDirectory, "export", "manifest.json")}, nil
}

type harness struct {
	t      *testing.T
	cfg    *config.Config
	store  *queue.Store
	hub    *events.Hub
	logHub *logging.StreamHub
	coord  *workflow.Coordinator
	daemon *daemon.Daemon
	collab *stubCollaborators
	token  string
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	hub := events.NewHub(cfg.Workflow.EventHistory, logger)
	collab := &stubCollaborators{}
	pipeline, err := workflow.NewPipeline(cfg, stage.Collaborators{
		Acquirer:      collab,
		Arranger:      collab,
		Separator:     collab,
		Analyzer:      collab,
		Postprocessor: collab,
		Exporter:      collab,
	}, hub, logger)
	require.NoError(t, err)
	coord := workflow.NewCoordinator(cfg, pipeline, hub, logger, workflow.WithRecorder(store))
	logHub := logging.NewStreamHub(64)
	d, err := daemon.New(cfg, store, coord, logger, daemon.WithLogStream(logHub))
	require.NoError(t, err)

	h := &harness{
		t:      t,
		cfg:    cfg,
		store:  store,
		hub:    hub,
		logHub: logHub,
		coord:  coord,
		daemon: d,
		collab: collab,
		token:  cfg.API.Token,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
		hub.Close()
	})
	return h
}

func (h *harness) request(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	w := httptest.NewRecorder()
	h.daemon.Handler().ServeHTTP(w, req)
	return w
}

func (h *harness) submit(name string) api.SubmitResponse {
	h.t.Helper()
	source := testsupport.AudioFile(h.t, filepath.Join(testsupport.BaseDir(h.cfg), "in"), name, 256)
	w := h.request(http.MethodPost, "/api/jobs", api.SubmitRequest{SourcePath: source})
	require.Equal(h.t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.SubmitResponse
	decode(h.t, w, &resp)
	return resp
}

func (h *harness) waitIdle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return !h.coord.Status().Active
	}, 5*time.Second, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.coord.Wait(ctx))
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}
