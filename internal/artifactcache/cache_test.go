package artifactcache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"zipline/internal/artifactcache"
	"zipline/internal/fingerprint"
	"zipline/internal/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func staticStatfs(total, free uint64) artifactcache.StatfsFunc {
	return func(string) (uint64, uint64, error) { return total, free, nil }
}

func openCache(t *testing.T, clock *fakeClock, mutate func(*artifactcache.Options)) *artifactcache.Cache {
	t.Helper()
	dir := t.TempDir()
	opts := artifactcache.Options{
		Dir:         dir,
		IndexPath:   filepath.Join(dir, "state", "artifacts.db"),
		HotWindow:   14 * 24 * time.Hour,
		MaxAge:      90 * 24 * time.Hour,
		OrphanGrace: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	cache, err := artifactcache.Open(opts,
		artifactcache.WithClock(clock.Now),
		artifactcache.WithStatfs(staticStatfs(1<<40, 1<<39)),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func stage(t *testing.T, cache *artifactcache.Cache, name string, size int) (string, int64) {
	t.Helper()
	path := filepath.Join(cache.StagingDir(), name)
	if err := os.WriteFile(path, []byte(strings.Repeat("z", size)), 0o644); err != nil {
		t.Fatalf("write staged artifact: %v", err)
	}
	return path, int64(size)
}

func fp(seed string) fingerprint.Fingerprint {
	return fingerprint.Fingerprint(strings.Repeat(seed, 64/len(seed)))
}

func TestLookupMissOnEmptyCache(t *testing.T) {
	cache := openCache(t, newFakeClock(), nil)
	res, err := cache.Lookup(context.Background(), fp("a"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Tier != artifactcache.TierMiss || res.Hit() || res.Entry != nil {
		t.Fatalf("expected miss, got %+v", res)
	}
}

func TestLookupHotThenWarmThenExpired(t *testing.T) {
	clock := newFakeClock()
	cache := openCache(t, clock, func(o *artifactcache.Options) {
		o.HotWindow = 24 * time.Hour
		o.MaxAge = 72 * time.Hour
	})
	ctx := context.Background()
	key := fp("b")

	path, size := stage(t, cache, "build.zip", 32)
	if _, err := cache.Put(ctx, key, path, size, artifactcache.WithSource("/Packs/House", 10)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := cache.Lookup(ctx, key)
	if err != nil || res.Tier != artifactcache.TierHot {
		t.Fatalf("expected hot, got %+v err=%v", res, err)
	}

	clock.Advance(24*time.Hour - time.Nanosecond)
	if res, _ = cache.Lookup(ctx, key); res.Tier != artifactcache.TierHot {
		t.Fatalf("expected hot just inside the window, got %s", res.Tier)
	}

	clock.Advance(time.Nanosecond)
	res, err = cache.Lookup(ctx, key)
	if err != nil || res.Tier != artifactcache.TierWarm {
		t.Fatalf("expected warm at the window boundary, got %+v err=%v", res, err)
	}
	if res.Entry == nil || res.Entry.SourcePath != "/Packs/House" {
		t.Fatalf("expected entry with source metadata, got %+v", res.Entry)
	}

	clock.Advance(48 * time.Hour)
	if res, _ = cache.Lookup(ctx, key); res.Tier != artifactcache.TierMiss {
		t.Fatalf("expected expired entry to miss, got %s", res.Tier)
	}
}

func TestPutIsIdempotentPerFingerprint(t *testing.T) {
	clock := newFakeClock()
	cache := openCache(t, clock, nil)
	ctx := context.Background()
	key := fp("c")

	first, size := stage(t, cache, "first.zip", 10)
	e1, err := cache.Put(ctx, key, first, size)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	clock.Advance(time.Second)
	second, size := stage(t, cache, "second.zip", 20)
	e2, err := cache.Put(ctx, key, second, size)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}

	entries, err := cache.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	if entries[0].Name != e2.Name || entries[0].SizeBytes != 20 {
		t.Fatalf("expected latest artifact to win, got %+v", entries[0].Entry)
	}
	if _, err := os.Stat(e1.Path); !os.IsNotExist(err) {
		t.Fatalf("expected replaced artifact to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(e2.Path); err != nil {
		t.Fatalf("expected published artifact: %v", err)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Fatalf("expected staged file to be moved, stat err=%v", err)
	}
}

func TestPutSizeMismatchKeepsPreviousEntry(t *testing.T) {
	cache := openCache(t, newFakeClock(), nil)
	ctx := context.Background()
	key := fp("d")

	good, size := stage(t, cache, "good.zip", 8)
	prev, err := cache.Put(ctx, key, good, size)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	bad, _ := stage(t, cache, "bad.zip", 8)
	_, err = cache.Put(ctx, key, bad, 999)
	if !errors.Is(err, services.ErrCacheWrite) {
		t.Fatalf("expected cache write failure, got %v", err)
	}

	res, err := cache.Lookup(ctx, key)
	if err != nil || !res.Hit() || res.Entry.Name != prev.Name {
		t.Fatalf("expected previous entry to remain, got %+v err=%v", res, err)
	}
}

func TestPutMissingFileFails(t *testing.T) {
	cache := openCache(t, newFakeClock(), nil)
	_, err := cache.Put(context.Background(), fp("e"), filepath.Join(cache.StagingDir(), "nope.zip"), 1)
	if !errors.Is(err, services.ErrCacheWrite) {
		t.Fatalf("expected cache write failure, got %v", err)
	}
}

func TestLookupDropsEntryWhoseFileVanished(t *testing.T) {
	cache := openCache(t, newFakeClock(), nil)
	ctx := context.Background()
	key := fp("f")

	path, size := stage(t, cache, "a.zip", 4)
	entry, err := cache.Put(ctx, key, path, size)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := os.Remove(entry.Path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res, err := cache.Lookup(ctx, key)
	if err != nil || res.Tier != artifactcache.TierMiss {
		t.Fatalf("expected miss for vanished file, got %+v err=%v", res, err)
	}
	entries, _ := cache.List(ctx)
	if len(entries) != 0 {
		t.Fatalf("expected stale entry to be removed, got %d", len(entries))
	}
}

func TestTouchRecordsHits(t *testing.T) {
	clock := newFakeClock()
	cache := openCache(t, clock, nil)
	ctx := context.Background()
	key := fp("1")

	path, size := stage(t, cache, "a.zip", 4)
	if _, err := cache.Put(ctx, key, path, size); err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.Advance(time.Minute)
	if err := cache.Touch(ctx, key); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := cache.Touch(ctx, key); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	res, _ := cache.Lookup(ctx, key)
	if res.Entry.HitCount != 2 {
		t.Fatalf("expected 2 hits, got %d", res.Entry.HitCount)
	}
	if !res.Entry.LastAccessedAt.Equal(clock.Now()) {
		t.Fatalf("expected last access %s, got %s", clock.Now(), res.Entry.LastAccessedAt)
	}
}

func TestEvict(t *testing.T) {
	cache := openCache(t, newFakeClock(), nil)
	ctx := context.Background()
	key := fp("2")

	removed, err := cache.Evict(ctx, key)
	if err != nil || removed {
		t.Fatalf("expected no-op evict, got removed=%v err=%v", removed, err)
	}

	path, size := stage(t, cache, "a.zip", 4)
	entry, err := cache.Put(ctx, key, path, size)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	removed, err = cache.Evict(ctx, key)
	if err != nil || !removed {
		t.Fatalf("expected eviction, got removed=%v err=%v", removed, err)
	}
	if _, err := os.Stat(entry.Path); !os.IsNotExist(err) {
		t.Fatalf("expected artifact file removed, stat err=%v", err)
	}
	if res, _ := cache.Lookup(ctx, key); res.Hit() {
		t.Fatal("expected miss after evict")
	}
}

func TestStatsCountsTiers(t *testing.T) {
	clock := newFakeClock()
	cache := openCache(t, clock, func(o *artifactcache.Options) {
		o.HotWindow = time.Hour
		o.MaxBytes = 1 << 20
		o.DiskFraction = 0.5
	})
	ctx := context.Background()

	path, size := stage(t, cache, "old.zip", 100)
	if _, err := cache.Put(ctx, fp("3"), path, size); err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.Advance(2 * time.Hour)
	path, size = stage(t, cache, "new.zip", 50)
	if _, err := cache.Put(ctx, fp("4"), path, size); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stats, err := cache.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entries != 2 || stats.HotEntries != 1 || stats.WarmEntries != 1 {
		t.Fatalf("unexpected tier counts: %+v", stats)
	}
	if stats.TotalBytes != 150 {
		t.Fatalf("expected 150 bytes, got %d", stats.TotalBytes)
	}
	if stats.BudgetBytes != 1<<20 {
		t.Fatalf("expected max_bytes to bound the budget, got %d", stats.BudgetBytes)
	}
}

func TestArtifactPathRejectsTraversal(t *testing.T) {
	cache := openCache(t, newFakeClock(), nil)
	for _, name := range []string{"", "../x.zip", "a/b.zip", ".hidden.zip"} {
		if _, err := cache.ArtifactPath(name); !errors.Is(err, services.ErrValidation) {
			t.Errorf("ArtifactPath(%q) expected validation error, got %v", name, err)
		}
	}
	got, err := cache.ArtifactPath("House-abc.zip")
	if err != nil || got != filepath.Join(cache.SharedDir(), "House-abc.zip") {
		t.Fatalf("unexpected path %q err=%v", got, err)
	}
}
