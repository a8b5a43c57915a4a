package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/events"
	"stemflow/internal/notifications"
)

type captured struct {
	title    string
	tags     string
	priority string
	body     string
}

func newRecorder(t *testing.T) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []captured
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), reqs...)
	}
}

func configFor(topic string) *config.Config {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = topic
	return &cfg
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	svc := notifications.NewService(configFor(""))
	if err := svc.NotifyJobFailed(context.Background(), "a.wav", "Arrange", "boom"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	server, requests := newRecorder(t)
	svc := notifications.NewService(configFor(server.URL))
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := svc.NotifyBatchStarted(ctx, "0123456789abcdef", 1); err != nil {
		t.Fatalf("NotifyBatchStarted: %v", err)
	}
	if err := svc.NotifyBatchCompleted(ctx, events.BatchSummary{
		StartedAt: start, CompletedAt: start.Add(90 * time.Second),
		TotalSubmitted: 4, Succeeded: 2, Failed: 1, Skipped: 1,
	}); err != nil {
		t.Fatalf("NotifyBatchCompleted: %v", err)
	}
	if err := svc.NotifyJobFailed(ctx, "take.wav", "Separate", "separator exited 3"); err != nil {
		t.Fatalf("NotifyJobFailed: %v", err)
	}

	got := requests()
	if len(got) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(got))
	}
	if got[0].title != "stemflow - Batch Started" || got[0].body != "Processing 1 file (batch 01234567)" {
		t.Fatalf("unexpected batch started payload: %+v", got[0])
	}
	if got[1].title != "stemflow - Batch Complete (with errors)" {
		t.Fatalf("unexpected completion title: %q", got[1].title)
	}
	if got[1].body != "2 succeeded, 1 failed, 1 skipped of 4 in 1m30s" {
		t.Fatalf("unexpected completion body: %q", got[1].body)
	}
	if got[2].priority != "high" || !strings.Contains(got[2].body, "take.wav during Separate") {
		t.Fatalf("unexpected failure payload: %+v", got[2])
	}
	if got[2].tags != "stemflow,job,error" {
		t.Fatalf("unexpected tags: %q", got[2].tags)
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "topic not allowed", http.StatusForbidden)
	}))
	defer server.Close()

	err := notifications.NewService(configFor(server.URL)).TestNotification(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}

func TestSinkHonorsToggles(t *testing.T) {
	server, requests := newRecorder(t)
	cfg := configFor(server.URL)
	cfg.Notifications.Batch = false
	cfg.Notifications.Errors = true
	sink := notifications.NewSink(cfg, notifications.NewService(cfg))
	ctx := context.Background()

	summary := &events.BatchSummary{TotalSubmitted: 1, Succeeded: 1}
	evts := []events.Event{
		{Kind: events.KindBatchStarted, Payload: events.Payload{Summary: summary}},
		{Kind: events.KindJobProgress, Payload: events.Payload{Phase: "Arrange"}},
		{Kind: events.KindJobFailed, Payload: events.Payload{Label: "a.wav", Phase: "Arrange", Error: "bad"}},
		{Kind: events.KindBatchCompleted, Payload: events.Payload{Summary: summary}},
		{Kind: events.KindBatchCompleted, Payload: events.Payload{Summary: &events.BatchSummary{Error: "record batch start: disk full"}}},
	}
	for _, evt := range evts {
		if err := sink.Deliver(ctx, evt); err != nil {
			t.Fatalf("Deliver %s: %v", evt.Kind, err)
		}
	}

	got := requests()
	if len(got) != 2 {
		t.Fatalf("expected job failure and aborted batch only, got %d: %+v", len(got), got)
	}
	if got[0].title != "stemflow - Job Failed" || got[1].title != "stemflow - Batch Aborted" {
		t.Fatalf("unexpected titles: %q, %q", got[0].title, got[1].title)
	}
}
