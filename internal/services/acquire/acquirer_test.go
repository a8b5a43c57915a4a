package acquire_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/services/acquire"
	"stemflow/internal/services/objectstore"
	"stemflow/internal/testsupport"
)

type fakeFetcher struct {
	body string
	err  error
	got  objectstore.Location
}

func (f *fakeFetcher) Download(_ context.Context, loc objectstore.Location, dst string) (int64, error) {
	f.got = loc
	if f.err != nil {
		return 0, f.err
	}
	if err := os.WriteFile(dst, []byte(f.body), 0o644); err != nil {
		return 0, err
	}
	return int64(len(f.body)), nil
}

func TestAcquireLocalCopiesWithDigest(t *testing.T) {
	src := testsupport.AudioFile(t, t.TempDir(), "take.wav", 4096)
	out := t.TempDir()
	job := queue.Job{ID: "job-local", SourcePath: src, OutputDirectory: out}

	result, err := acquire.New().Acquire(context.Background(), job)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	want := filepath.Join(out, "acquire", "take.wav")
	if result.LocalPath != want {
		t.Fatalf("LocalPath = %q, want %q", result.LocalPath, want)
	}
	if result.Bytes != 4096 || len(result.SHA256) != 64 || result.Source != src {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("copied file missing: %v", err)
	}
}

func TestAcquireLocalMissing(t *testing.T) {
	job := queue.Job{ID: "j", SourcePath: filepath.Join(t.TempDir(), "gone.wav"), OutputDirectory: t.TempDir()}
	_, err := acquire.New().Acquire(context.Background(), job)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcquireHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/media/song.flac" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("a", 1500)))
	}))
	defer server.Close()

	out := t.TempDir()
	acq := acquire.New(acquire.WithHTTPClient(server.Client()))
	result, err := acq.Acquire(context.Background(), queue.Job{ID: "j", SourcePath: server.URL + "/media/song.flac", OutputDirectory: out})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if result.LocalPath != filepath.Join(out, "acquire", "song.flac") || result.Bytes != 1500 {
		t.Fatalf("unexpected result: %+v", result)
	}

	_, err = acq.Acquire(context.Background(), queue.Job{ID: "j2", SourcePath: server.URL + "/missing.wav", OutputDirectory: out})
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for 404, got %v", err)
	}
}

func TestAcquireHTTPServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := acquire.New().Acquire(context.Background(), queue.Job{ID: "j", SourcePath: server.URL + "/a.wav", OutputDirectory: t.TempDir()})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestAcquireObject(t *testing.T) {
	fetcher := &fakeFetcher{body: "riff"}
	out := t.TempDir()
	acq := acquire.New(acquire.WithObjectFetcher(fetcher))
	result, err := acq.Acquire(context.Background(), queue.Job{ID: "j", SourcePath: "s3://takes/2026/mix.wav", OutputDirectory: out})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if fetcher.got.Bucket != "takes" || fetcher.got.Key != "2026/mix.wav" {
		t.Fatalf("unexpected location: %+v", fetcher.got)
	}
	if result.LocalPath != filepath.Join(out, "acquire", "mix.wav") || result.Bytes != 4 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAcquireObjectErrors(t *testing.T) {
	job := queue.Job{ID: "j", SourcePath: "s3://takes/mix.wav", OutputDirectory: t.TempDir()}

	if _, err := acquire.New().Acquire(context.Background(), job); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without fetcher, got %v", err)
	}

	fetcher := &fakeFetcher{err: services.ErrNotFound}
	if _, err := acquire.New(acquire.WithObjectFetcher(fetcher)).Acquire(context.Background(), job); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
