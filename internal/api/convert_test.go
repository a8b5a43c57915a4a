package api

import (
	"encoding/json"
	"testing"
	"time"

	"stemflow/internal/queue"
	"stemflow/internal/workflow"
)

func TestFromJobOrdersPhasesAndFormatsTimes(t *testing.T) {
	job := queue.Job{
		ID:              "j1",
		SourcePath:      "/music/take.wav",
		OutputDirectory: "/out/take",
		Status:          queue.StatusFailed,
		Metadata:        map[string]string{queue.MetaLabel: "Take 3"},
		SubmittedAt:     time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Results: map[string]json.RawMessage{
			"Arrange": json.RawMessage(`{"tempo":120}`),
			"Acquire": json.RawMessage(`{"localPath":"/music/take.wav"}`),
		},
		Error: &queue.JobError{Phase: "Separate", Message: "separator exited 2", Kind: "external_tool"},
	}

	dto := FromJob(job)
	if dto.Label != "Take 3" {
		t.Fatalf("expected metadata label, got %q", dto.Label)
	}
	if len(dto.Phases) != 2 || dto.Phases[0] != "Acquire" || dto.Phases[1] != "Arrange" {
		t.Fatalf("unexpected phases: %v", dto.Phases)
	}
	if dto.SubmittedAt != "2026-03-04T05:06:07.000Z" {
		t.Fatalf("unexpected submittedAt: %q", dto.SubmittedAt)
	}
	if dto.StartedAt != "" || dto.CompletedAt != "" {
		t.Fatalf("expected unset times to be empty, got %q / %q", dto.StartedAt, dto.CompletedAt)
	}
	if dto.Error == nil || dto.Error.Kind != "external_tool" || dto.Error.Phase != "Separate" {
		t.Fatalf("unexpected error: %+v", dto.Error)
	}

	dto.Metadata["label"] = "mutated"
	if job.Metadata[queue.MetaLabel] != "Take 3" {
		t.Fatalf("expected metadata to be copied")
	}
}

func TestFromJobWithoutResults(t *testing.T) {
	dto := FromJob(queue.Job{ID: "j2", SourcePath: "/music/a.flac", Status: queue.StatusQueued})
	if dto.Phases == nil || len(dto.Phases) != 0 {
		t.Fatalf("expected empty non-nil phases, got %#v", dto.Phases)
	}
	if dto.Results != nil {
		t.Fatalf("expected nil results, got %v", dto.Results)
	}
	if dto.Label != "a.flac" {
		t.Fatalf("expected base name label, got %q", dto.Label)
	}
}

func TestFromBatchRun(t *testing.T) {
	run := workflow.BatchRun{
		ID:             "b1",
		StartedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalSubmitted: 3,
		Succeeded:      2,
		Skipped:        1,
		Active:         true,
	}
	dto := FromBatchRun(run)
	if dto.ID != "b1" || dto.TotalSubmitted != 3 || dto.Succeeded != 2 || dto.Skipped != 1 || !dto.Active {
		t.Fatalf("unexpected batch: %+v", dto)
	}
	if dto.CompletedAt != "" {
		t.Fatalf("expected empty completedAt, got %q", dto.CompletedAt)
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		":7487":                  "http://127.0.0.1:7487",
		"0.0.0.0:9000":           "http://127.0.0.1:9000",
		"10.0.0.5:7487":          "http://10.0.0.5:7487",
		"https://stems.lan/":     "https://stems.lan",
		"http://localhost:7487/": "http://localhost:7487",
	}
	for in, want := range cases {
		if got := BaseURL(in); got != want {
			t.Fatalf("BaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
