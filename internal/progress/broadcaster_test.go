package progress_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"zipline/internal/fingerprint"
	"zipline/internal/progress"
	"zipline/internal/services"
)

const fp = fingerprint.Fingerprint("4f1c2e0b9a7d6c5e4f1c2e0b9a7d6c5e4f1c2e0b9a7d6c5e4f1c2e0b9a7d6c5e")

func collect(t *testing.T, sub *progress.Subscription) []progress.Event {
	t.Helper()
	var events []progress.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatalf("subscription did not close; got %d events", len(events))
		}
	}
}

func TestEventsDeliveredInOrderAndTerminalCloses(t *testing.T) {
	b := progress.New(progress.Options{})
	if _, err := b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	subA, err := b.Subscribe(fp, "alice")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	subB, err := b.Subscribe(fp, "bob")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, pct := range []float64{10, 40, 80} {
		if _, err := b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: pct}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if _, err := b.Publish(fp, progress.Event{Type: progress.EventReady, ArtifactName: "House.zip"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, sub := range []*progress.Subscription{subA, subB} {
		events := collect(t, sub)
		if len(events) == 0 {
			t.Fatalf("%s got no events", sub.Requester)
		}
		var lastSeq uint64
		for _, evt := range events {
			if evt.Sequence <= lastSeq {
				t.Fatalf("%s: sequence not increasing: %d after %d", sub.Requester, evt.Sequence, lastSeq)
			}
			lastSeq = evt.Sequence
			if evt.JobID != "job-1" || evt.Fingerprint != fp {
				t.Fatalf("%s: event missing identity: %+v", sub.Requester, evt)
			}
		}
		last := events[len(events)-1]
		if last.Type != progress.EventReady || last.Percent != 100 || last.ArtifactName != "House.zip" {
			t.Fatalf("%s: expected ready last, got %+v", sub.Requester, last)
		}
	}
}

func TestPublishAfterTerminalIsRejected(t *testing.T) {
	b := progress.New(progress.Options{})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventFailed, Reason: services.ReasonIOFailure})

	if _, err := b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: 50}); !errors.Is(err, progress.ErrBuildFinished) {
		t.Fatalf("expected ErrBuildFinished, got %v", err)
	}

	evt, err := b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-2"})
	if err != nil {
		t.Fatalf("fresh build rejected: %v", err)
	}
	if evt.Sequence != 1 || evt.JobID != "job-2" {
		t.Fatalf("expected fresh stream, got %+v", evt)
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	b := progress.New(progress.Options{})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: 60})
	evt, _ := b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: 30})
	if evt.Percent != 60 {
		t.Fatalf("expected progress clamped to 60, got %v", evt.Percent)
	}
}

func TestLateSubscriberGetsLatestSnapshot(t *testing.T) {
	b := progress.New(progress.Options{})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: 25})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: 55})

	sub, err := b.Subscribe(fp, "late")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case evt := <-sub.C:
		if evt.Percent != 55 {
			t.Fatalf("expected replay of 55%%, got %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no replay")
	}
	sub.Close()
	if events := collect(t, sub); len(events) != 0 {
		t.Fatalf("expected nothing after close, got %v", events)
	}
}

func TestSubscribeAfterTerminalReplaysAndCloses(t *testing.T) {
	b := progress.New(progress.Options{})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventCanceled, Reason: services.ReasonCanceled})

	sub, err := b.Subscribe(fp, "late")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	events := collect(t, sub)
	if len(events) != 2 || events[1].Type != progress.EventCanceled {
		t.Fatalf("expected queued then canceled, got %+v", events)
	}
}

func TestSubscribeUnknownBuild(t *testing.T) {
	b := progress.New(progress.Options{})
	if _, err := b.Subscribe(fp, "x"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSlowSubscriberCoalescesProgressButKeepsTerminal(t *testing.T) {
	b := progress.New(progress.Options{Buffer: 4})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	sub, err := b.Subscribe(fp, "slow")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 1; i <= 99; i++ {
		_, _ = b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: float64(i)})
	}
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventReady})

	events := collect(t, sub)
	if events[len(events)-1].Type != progress.EventReady {
		t.Fatalf("terminal event lost: %+v", events[len(events)-1])
	}
	last := -1.0
	for _, evt := range events {
		if evt.Percent < last {
			t.Fatalf("progress regressed for slow reader")
		}
		last = evt.Percent
	}
}

func TestPollSinceAndWait(t *testing.T) {
	b := progress.New(progress.Options{})
	ctx := context.Background()
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: 10})

	res, err := b.Poll(ctx, fp, 0, 0, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Events) != 2 || res.Next != 2 || res.Done {
		t.Fatalf("unexpected first page: %+v", res)
	}

	res, err = b.Poll(ctx, fp, 0, 1, 0)
	if err != nil || len(res.Events) != 1 || res.Next != 1 {
		t.Fatalf("limit not honored: %+v err=%v", res, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Publish(fp, progress.Event{Type: progress.EventReady})
	}()
	res, err = b.Poll(ctx, fp, 2, 0, 5*time.Second)
	wg.Wait()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != progress.EventReady || !res.Done {
		t.Fatalf("expected ready from long poll, got %+v", res)
	}

	res, err = b.Poll(ctx, fp, res.Next, 0, time.Second)
	if err != nil || !res.Done || len(res.Events) != 0 {
		t.Fatalf("expected immediate done after terminal, got %+v err=%v", res, err)
	}
}

func TestPollTimesOutEmpty(t *testing.T) {
	b := progress.New(progress.Options{})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	start := time.Now()
	res, err := b.Poll(context.Background(), fp, 1, 0, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Events) != 0 || res.Next != 1 || time.Since(start) < 30*time.Millisecond {
		t.Fatalf("unexpected poll result %+v after %s", res, time.Since(start))
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
	err    error
}

func (s *recordingSink) Deliver(_ context.Context, evt progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func TestSinksReceiveEveryEventInOrder(t *testing.T) {
	b := progress.New(progress.Options{})
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("redis down")}
	b.AddSink(failing)
	b.AddSink(ok)

	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1", Requesters: []string{"a"}})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: 50, Requesters: []string{"a", "b"}})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventReady, Requesters: []string{"a", "b"}})
	b.Close()

	if len(ok.events) != 3 || len(failing.events) != 3 {
		t.Fatalf("expected 3 relayed events each, got %d and %d", len(ok.events), len(failing.events))
	}
	for i, evt := range ok.events {
		if evt.Sequence != uint64(i+1) {
			t.Fatalf("relay out of order: %+v", ok.events)
		}
	}
	if got := ok.events[2].Requesters; len(got) != 2 {
		t.Fatalf("expected requesters carried to sink, got %v", got)
	}
}

type blockingSink struct {
	release   chan struct{}
	delivered chan progress.Event
}

func (s *blockingSink) Deliver(ctx context.Context, evt progress.Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	s.delivered <- evt
	return ctx.Err()
}

func TestSlowSinkDoesNotHoldUpPublish(t *testing.T) {
	b := progress.New(progress.Options{})
	sink := &blockingSink{release: make(chan struct{}), delivered: make(chan progress.Event, 8)}
	b.AddSink(sink)

	start := time.Now()
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventProgress, Percent: 40})
	if _, err := b.Publish(fp, progress.Event{Type: progress.EventReady}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publish waited on the sink for %s", elapsed)
	}
	if evt, ok := b.Latest(fp); !ok || evt.Type != progress.EventReady {
		t.Fatalf("local stream not updated: %+v", evt)
	}

	close(sink.release)
	b.Close()
	close(sink.delivered)
	var seqs []uint64
	for evt := range sink.delivered {
		seqs = append(seqs, evt.Sequence)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Fatalf("expected all three events relayed in order, got %v", seqs)
	}
}

func TestEventsFromReplacedJobAreRejected(t *testing.T) {
	b := progress.New(progress.Options{})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-2"})

	if _, err := b.Publish(fp, progress.Event{Type: progress.EventCanceled, JobID: "job-1"}); !errors.Is(err, progress.ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	evt, ok := b.Latest(fp)
	if !ok || evt.JobID != "job-2" || evt.Type != progress.EventQueued {
		t.Fatalf("newer job's stream disturbed: %+v", evt)
	}
}

func TestForgetOnlyDropsMatchingJob(t *testing.T) {
	b := progress.New(progress.Options{})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-1"})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventFailed})
	_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "job-2"})

	b.Forget(fp, "job-1")
	if evt, ok := b.Latest(fp); !ok || evt.JobID != "job-2" {
		t.Fatalf("newer job forgotten: %+v ok=%v", evt, ok)
	}
	b.Forget(fp, "job-2")
	if _, ok := b.Latest(fp); ok {
		t.Fatal("expected stream dropped")
	}
}
