package testsupport

import (
	"context"
	"testing"

	"stemflow/internal/config"
	"stemflow/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SaveJob persists a fresh queued job for tests.
func SaveJob(t testing.TB, store *queue.Store, sourcePath, outputDir string) *queue.Job {
	t.Helper()

	job := queue.NewJob(sourcePath, outputDir, nil, 0)
	if err := store.SaveJob(context.Background(), job.Snapshot()); err != nil {
		t.Fatalf("store.SaveJob: %v", err)
	}
	return job
}
