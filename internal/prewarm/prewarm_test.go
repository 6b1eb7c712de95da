package prewarm_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zipline/internal/delivery"
	"zipline/internal/prewarm"
	"zipline/internal/services"
)

type stubResolver struct {
	mu        sync.Mutex
	calls     []string
	inflight  atomic.Int32
	peak      atomic.Int32
	responses map[string]delivery.Status
}

func (s *stubResolver) Resolve(_ context.Context, path, requester string) (delivery.Resolution, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.calls = append(s.calls, requester+":"+path)
	s.mu.Unlock()

	status, ok := s.responses[path]
	if !ok {
		return delivery.Resolution{}, services.Wrap(services.ErrSourceUnreadable, "delivery", "resolve", path, errors.New("missing"))
	}
	return delivery.Resolution{Status: status}, nil
}

func TestSweepCountsOutcomesWithBoundedConcurrency(t *testing.T) {
	stub := &stubResolver{responses: map[string]delivery.Status{
		"/a": delivery.StatusArtifactReady,
		"/b": delivery.StatusQueued,
		"/c": delivery.StatusQueued,
		"/d": delivery.StatusArtifactReady,
	}}
	p := prewarm.New(stub, []string{"/a", "/b", "/c", "/d", "/gone"}, 2, 0, nil)

	res, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	want := prewarm.Result{Folders: 5, Cached: 2, Queued: 2, Failed: 1}
	if res != want {
		t.Fatalf("got %+v, want %+v", res, want)
	}
	if peak := stub.peak.Load(); peak > 2 {
		t.Fatalf("concurrency limit exceeded: %d", peak)
	}
	for _, call := range stub.calls {
		if call[:len(prewarm.Requester)] != prewarm.Requester {
			t.Fatalf("resolve not attributed to prewarm: %q", call)
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	stub := &stubResolver{responses: map[string]delivery.Status{"/a": delivery.StatusQueued}}
	p := prewarm.New(stub, []string{"/a"}, 1, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.calls) < 2 {
		t.Fatalf("expected repeated sweeps, got %d calls", len(stub.calls))
	}
}
