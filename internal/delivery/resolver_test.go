package delivery_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zipline/internal/archive"
	"zipline/internal/artifactcache"
	"zipline/internal/build"
	"zipline/internal/delivery"
	"zipline/internal/fingerprint"
	"zipline/internal/progress"
	"zipline/internal/services"
)

// gatedBuilder counts starts and holds each build until released.
type gatedBuilder struct {
	inner   *archive.Builder
	starts  atomic.Int32
	release chan struct{}
	once    sync.Once
}

func (g *gatedBuilder) BuildFile(ctx context.Context, src, dest string, fn archive.ProgressFunc) (archive.Result, error) {
	g.starts.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return archive.Result{}, services.Wrap(services.ErrCanceled, "archive", "gate", "", ctx.Err())
	}
	return g.inner.BuildFile(ctx, src, dest, fn)
}

func (g *gatedBuilder) Release() { g.once.Do(func() { close(g.release) }) }

type env struct {
	root     string
	cache    *artifactcache.Cache
	builder  *gatedBuilder
	events   *progress.Broadcaster
	sched    *build.Scheduler
	resolver *delivery.Resolver
	fper     *fingerprint.Fingerprinter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{root: t.TempDir()}
	if err := os.MkdirAll(filepath.Join(e.root, "Packs", "House"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(e.root, "Packs", "House", "kick.wav"), make([]byte, 40000), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(e.root, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cache, err := artifactcache.Open(artifactcache.Options{Dir: t.TempDir(), HotWindow: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e.cache = cache
	e.builder = &gatedBuilder{inner: archive.New(1, nil), release: make(chan struct{})}
	e.events = progress.New(progress.Options{})
	e.sched = build.New(e.builder, cache, e.events, build.Options{Workers: 2, Linger: time.Minute})
	e.fper = fingerprint.New(fingerprint.Options{})
	e.resolver = delivery.NewResolver(e.root, e.fper, cache, e.sched,
		delivery.NewSigner("test-signing-key-0123456789", "http://127.0.0.1:7490", time.Hour), nil)
	t.Cleanup(func() {
		e.builder.Release()
		e.sched.Close()
		_ = cache.Close()
	})
	return e
}

func TestHotHitReturnsArtifactWithoutBuilding(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	dir := filepath.Join(e.root, "Packs", "House")
	version, err := e.fper.Snapshot(dir)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	fp := e.fper.Fingerprint("/Packs/House", "alice", version)
	staged := filepath.Join(e.cache.StagingDir(), "prebuilt.zip")
	res, err := archive.New(1, nil).BuildFile(ctx, dir, staged, nil)
	if err != nil {
		t.Fatalf("BuildFile: %v", err)
	}
	if _, err := e.cache.Put(ctx, fp, staged, res.ArchiveBytes, artifactcache.WithSource(dir, res.SourceBytes)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resolution, err := e.resolver.Resolve(ctx, "/Packs/House/", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolution.Status != delivery.StatusArtifactReady || resolution.Tier != artifactcache.TierHot {
		t.Fatalf("expected hot artifact_ready, got %+v", resolution)
	}
	if resolution.URL == "" || resolution.JobID != "" {
		t.Fatalf("expected signed url and no job, got %+v", resolution)
	}
	if e.builder.starts.Load() != 0 || len(e.sched.Active()) != 0 {
		t.Fatal("cache hit started a build")
	}
	lookup, _ := e.cache.Lookup(ctx, fp)
	if lookup.Entry.HitCount != 1 {
		t.Fatalf("expected access recorded, got %d hits", lookup.Entry.HitCount)
	}
}

func TestTwoRequestersShareOneBuild(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.resolver.Resolve(ctx, "/Packs/House", "user-a")
	if err != nil {
		t.Fatalf("Resolve A: %v", err)
	}
	subA, err := e.events.Subscribe(a.Fingerprint, "user-a")
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	b, err := e.resolver.Resolve(ctx, "Packs/House/", "user-b")
	if err != nil {
		t.Fatalf("Resolve B: %v", err)
	}
	subB, err := e.events.Subscribe(b.Fingerprint, "user-b")
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	if a.Status != delivery.StatusQueued || b.Status != delivery.StatusQueued {
		t.Fatalf("expected both queued, got %s and %s", a.Status, b.Status)
	}
	if a.JobID != b.JobID || a.Attached || !b.Attached {
		t.Fatalf("expected B attached to A's job, got %+v / %+v", a, b)
	}

	e.builder.Release()

	terminal := func(sub *progress.Subscription) progress.Event {
		var last progress.Event
		timeout := time.After(10 * time.Second)
		for {
			select {
			case evt, ok := <-sub.C:
				if !ok {
					return last
				}
				last = evt
			case <-timeout:
				t.Fatal("no terminal event")
			}
		}
	}
	readyA, readyB := terminal(subA), terminal(subB)
	if readyA.Type != progress.EventReady || readyB.Type != progress.EventReady {
		t.Fatalf("expected ready for both, got %s / %s", readyA.Type, readyB.Type)
	}
	if readyA.ArtifactName == "" || readyA.ArtifactName != readyB.ArtifactName {
		t.Fatalf("expected the same artifact reference, got %q / %q", readyA.ArtifactName, readyB.ArtifactName)
	}
	if got := e.builder.starts.Load(); got != 1 {
		t.Fatalf("expected one build, got %d", got)
	}

	urlA, err := e.resolver.URLFor(ctx, a.JobID, "user-a")
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	if urlA.ArtifactName != readyA.ArtifactName {
		t.Fatalf("URLFor returned %q", urlA.ArtifactName)
	}
	if _, err := e.resolver.URLFor(ctx, a.JobID, "stranger"); !errors.Is(err, build.ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}

	again, err := e.resolver.Resolve(ctx, "/Packs/House", "user-c")
	if err != nil || again.Status != delivery.StatusArtifactReady {
		t.Fatalf("expected cached artifact afterwards, got %+v err=%v", again, err)
	}
}

func TestURLForBeforeReady(t *testing.T) {
	e := newEnv(t)
	res, err := e.resolver.Resolve(context.Background(), "/Packs/House", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := e.resolver.URLFor(context.Background(), res.JobID, "alice"); !errors.Is(err, delivery.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	cancel, err := e.resolver.Cancel(context.Background(), res.JobID, "alice")
	if err != nil || !cancel.Canceled {
		t.Fatalf("expected cancel, got %+v err=%v", cancel, err)
	}
}

func TestResolveRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(e.root, "escape")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name      string
		path      string
		requester string
		want      error
	}{
		{"no requester", "/Packs/House", " ", services.ErrValidation},
		{"empty path", "", "alice", services.ErrValidation},
		{"file not folder", "/secret.txt", "alice", services.ErrValidation},
		{"missing folder", "/Packs/Techno", "alice", services.ErrSourceUnreadable},
		{"symlink escape", "/escape", "alice", services.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.resolver.Resolve(context.Background(), tt.path, tt.requester); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDotDotStaysInsideRoot(t *testing.T) {
	e := newEnv(t)
	res, err := e.resolver.Resolve(context.Background(), "/../../Packs/House", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Path != "/Packs/House" {
		t.Fatalf("expected path confined to root, got %q", res.Path)
	}
}

func waitReady(t *testing.T, e *env, jobID string) build.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := e.sched.Wait(ctx, jobID)
	if err != nil {
		t.Fatalf("Wait(%s): %v", jobID, err)
	}
	if rec.State != build.StateReady {
		t.Fatalf("expected ready, got %+v", rec)
	}
	return rec
}

func TestEvictedArtifactIsRebuiltDuringLinger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.builder.Release()

	first, err := e.resolver.Resolve(ctx, "/Packs/House", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	waitReady(t, e, first.JobID)
	if evicted, err := e.cache.Evict(ctx, first.Fingerprint); err != nil || !evicted {
		t.Fatalf("Evict: evicted=%v err=%v", evicted, err)
	}

	again, err := e.resolver.Resolve(ctx, "/Packs/House", "bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again.Status != delivery.StatusQueued || again.JobID == first.JobID || again.State == build.StateReady {
		t.Fatalf("expected a new build for the evicted artifact, got %+v", again)
	}
	waitReady(t, e, again.JobID)
	if got := e.builder.starts.Load(); got != 2 {
		t.Fatalf("expected two builds, got %d", got)
	}
	if hit, err := e.resolver.Resolve(ctx, "/Packs/House", "carol"); err != nil || hit.Status != delivery.StatusArtifactReady {
		t.Fatalf("expected the rebuilt artifact served, got %+v err=%v", hit, err)
	}
}

func TestURLForEvictedArtifactSendsRequesterBackToResolve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.builder.Release()

	first, err := e.resolver.Resolve(ctx, "/Packs/House", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	waitReady(t, e, first.JobID)
	if _, err := e.cache.Evict(ctx, first.Fingerprint); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	if _, err := e.resolver.URLFor(ctx, first.JobID, "alice"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for an evicted artifact, got %v", err)
	}
	again, err := e.resolver.Resolve(ctx, "/Packs/House", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again.Status != delivery.StatusQueued || again.JobID == first.JobID {
		t.Fatalf("expected a rebuild, got %+v", again)
	}
}

func TestCancelPathAfterFolderChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.resolver.Resolve(ctx, "/Packs/House", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := os.WriteFile(filepath.Join(e.root, "Packs", "House", "snare.wav"), make([]byte, 1200), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cancel, err := e.resolver.CancelPath(ctx, "Packs/House/", "alice")
	if err != nil {
		t.Fatalf("CancelPath: %v", err)
	}
	if cancel.JobID != res.JobID || !cancel.Canceled {
		t.Fatalf("expected alice detached from %s, got %+v", res.JobID, cancel)
	}
	waitCtx, stop := context.WithTimeout(ctx, 5*time.Second)
	defer stop()
	rec, err := e.sched.Wait(waitCtx, res.JobID)
	if err != nil || rec.State != build.StateCanceled {
		t.Fatalf("expected canceled, got %+v err=%v", rec, err)
	}
	if _, err := e.resolver.CancelPath(ctx, "/Packs/House", "alice"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found once detached, got %v", err)
	}
}
