package logging

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestStreamHandlerCarriesWithAttrs(t *testing.T) {
	hub := NewStreamHub(100)
	handler := newStreamHandler(slog.NewTextHandler(io.Discard, nil), hub)

	logger := slog.New(handler).
		With(slog.String(FieldBatchID, "batch-7")).
		With(slog.String(FieldJobID, "job-42")).
		With(slog.String(FieldPhase, "arrange"))

	logger.Info("arrangement ready", slog.String("tempo", "120"))

	events, _ := hub.Tail(10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.BatchID != "batch-7" || evt.JobID != "job-42" || evt.Phase != "arrange" {
		t.Fatalf("unexpected routing fields: %+v", evt)
	}
	if evt.Fields["tempo"] != "120" {
		t.Fatalf("expected tempo field, got %v", evt.Fields)
	}
	if evt.Level != "INFO" {
		t.Fatalf("expected INFO level, got %q", evt.Level)
	}
}

func TestStreamHandlerCallSiteOverridesWithAttrs(t *testing.T) {
	hub := NewStreamHub(100)
	handler := newStreamHandler(slog.NewTextHandler(io.Discard, nil), hub)

	slog.New(handler).With(slog.String(FieldPhase, "acquire")).Info("moved on", slog.String(FieldPhase, "arrange"))

	events, _ := hub.Tail(10)
	if len(events) != 1 || events[0].Phase != "arrange" {
		t.Fatalf("expected call-site phase to win, got %+v", events)
	}
}

func TestStreamHubEvictsOldest(t *testing.T) {
	hub := NewStreamHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(LogEvent{Message: "m"})
	}
	events, last := hub.Tail(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(events))
	}
	if events[0].Sequence != 3 || last != 5 {
		t.Fatalf("unexpected sequences: first=%d last=%d", events[0].Sequence, last)
	}
}

func TestStreamHubFetchSince(t *testing.T) {
	hub := NewStreamHub(10)
	for i := 0; i < 4; i++ {
		hub.Publish(LogEvent{Message: "m"})
	}
	events, next, err := hub.Fetch(context.Background(), 2, 1, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 3 || next != 3 {
		t.Fatalf("unexpected fetch result: %+v next=%d", events, next)
	}
}

func TestStreamHubFetchWaitsForPublish(t *testing.T) {
	hub := NewStreamHub(10)
	done := make(chan []LogEvent, 1)
	go func() {
		events, _, _ := hub.Fetch(context.Background(), 0, 10, true)
		done <- events
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Publish(LogEvent{Message: "late"})

	select {
	case events := <-done:
		if len(events) != 1 || events[0].Message != "late" {
			t.Fatalf("unexpected events: %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not wake after publish")
	}
}

func TestStreamHubFetchHonorsContext(t *testing.T) {
	hub := NewStreamHub(10)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	events, _, err := hub.Fetch(ctx, 0, 10, true)
	if err == nil {
		t.Fatal("expected context error")
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestNilStreamHub(t *testing.T) {
	var hub *StreamHub
	hub.Publish(LogEvent{Message: "ignored"})
	events, since, err := hub.Fetch(context.Background(), 4, 10, true)
	if err != nil || events != nil || since != 4 {
		t.Fatalf("unexpected nil hub fetch: %v %v %d", events, err, since)
	}
}

func TestStreamHubFetchAfterWraparound(t *testing.T) {
	hub := NewStreamHub(4)
	for i := 0; i < 10; i++ {
		hub.Publish(LogEvent{Message: "m"})
	}

	events, next, err := hub.Fetch(context.Background(), 1, 0, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 4 || events[0].Sequence != 7 || next != 10 {
		t.Fatalf("evicted events should be skipped: %+v next=%d", events, next)
	}

	events, next, _ = hub.Fetch(context.Background(), 8, 0, false)
	if len(events) != 2 || events[0].Sequence != 9 || events[1].Sequence != 10 || next != 10 {
		t.Fatalf("unexpected fetch after 8: %+v next=%d", events, next)
	}

	events, next, _ = hub.Fetch(context.Background(), 10, 0, false)
	if len(events) != 0 || next != 10 {
		t.Fatalf("expected nothing newer, got %+v next=%d", events, next)
	}
}
