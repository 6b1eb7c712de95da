package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestStreamHandlerCapturesJobFields(t *testing.T) {
	hub := NewStreamHub(16)
	logger := slog.New(newStreamHandler(slog.NewTextHandler(io.Discard, nil), hub)).
		With(String(FieldComponent, "scheduler")).
		With(String(FieldJobID, "job-42"), String(FieldFingerprint, "abc"))

	logger.Info("build started", String(FieldRequester, "user-1"), Int64("source_bytes", 10))

	events, seq := hub.Tail(10)
	if len(events) != 1 || seq != 1 {
		t.Fatalf("expected 1 event at seq 1, got %d at %d", len(events), seq)
	}
	evt := events[0]
	if evt.JobID != "job-42" || evt.Fingerprint != "abc" || evt.Requester != "user-1" {
		t.Fatalf("unexpected event identity: %+v", evt)
	}
	if evt.Component != "scheduler" {
		t.Fatalf("component = %q", evt.Component)
	}
	if evt.Fields["source_bytes"] != "10" {
		t.Fatalf("expected source_bytes field, got %v", evt.Fields)
	}
}

func TestStreamHubFetchSinceAndCapacity(t *testing.T) {
	hub := NewStreamHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(LogEvent{Message: "line"})
	}

	events, next, err := hub.Fetch(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 3 || events[0].Sequence != 3 || next != 5 {
		t.Fatalf("expected seq 3..5, got %d events starting %d next %d", len(events), events[0].Sequence, next)
	}

	events, _, _ = hub.Fetch(context.Background(), 4, 10, false)
	if len(events) != 1 || events[0].Sequence != 5 {
		t.Fatalf("expected only seq 5, got %+v", events)
	}

	events, _, _ = hub.Fetch(context.Background(), 5, 10, false)
	if len(events) != 0 {
		t.Fatalf("expected no events after latest, got %d", len(events))
	}
}

func TestStreamHubFetchWaitsForPublish(t *testing.T) {
	hub := NewStreamHub(8)
	done := make(chan []LogEvent, 1)
	go func() {
		events, _, _ := hub.Fetch(context.Background(), 0, 10, true)
		done <- events
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Publish(LogEvent{Message: "ready"})

	select {
	case events := <-done:
		if len(events) != 1 || events[0].Message != "ready" {
			t.Fatalf("unexpected events: %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not wake on publish")
	}
}

func TestStreamHubFetchHonoursContext(t *testing.T) {
	hub := NewStreamHub(8)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := hub.Fetch(ctx, 0, 10, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
