package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"zipline/internal/config"
	"zipline/internal/fileutil"
	"zipline/internal/fingerprint"
	"zipline/internal/logging"
	"zipline/internal/services"
)

// Tier classifies a lookup result.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierMiss Tier = "miss"
)

const (
	sharedDirName  = "shared"
	stagingDirName = "staging"
)

// Entry describes one published artifact.
type Entry struct {
	Fingerprint    fingerprint.Fingerprint `json:"fingerprint"`
	Name           string                  `json:"name"`
	Path           string                  `json:"path"`
	SizeBytes      int64                   `json:"size_bytes"`
	SourcePath     string                  `json:"source_path,omitempty"`
	SourceBytes    int64                   `json:"source_bytes,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	LastAccessedAt time.Time               `json:"last_accessed_at"`
	HitCount       int64                   `json:"hit_count"`
}

// Result is the outcome of Lookup. Entry is nil on a miss.
type Result struct {
	Tier  Tier
	Entry *Entry
}

// Hit reports whether the lookup found a servable artifact.
func (r Result) Hit() bool {
	return r.Tier == TierHot || r.Tier == TierWarm
}

// Options configures a Cache.
type Options struct {
	// Dir holds the shared and staging directories.
	Dir       string
	IndexPath string
	// LockPath guards Sweep across processes; defaults to <Dir>/.janitor.lock.
	LockPath     string
	HotWindow    time.Duration
	MaxAge       time.Duration
	MaxBytes     int64
	DiskFraction float64
	OrphanGrace  time.Duration
	Logger       *slog.Logger
}

// OptionsFromConfig maps the [cache] and [paths] sections onto Options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		Dir:          cfg.Paths.ArtifactDir,
		IndexPath:    cfg.IndexPath(),
		HotWindow:    cfg.Cache.HotWindow.Std(),
		MaxAge:       cfg.Cache.MaxAge.Std(),
		MaxBytes:     cfg.Cache.MaxBytes,
		DiskFraction: cfg.Cache.DiskFraction,
		OrphanGrace:  cfg.Cache.OrphanGrace.Std(),
		Logger:       logger,
	}
}

// Option adjusts a Cache after construction; used by tests.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStatfs replaces the filesystem capacity check.
func WithStatfs(fn StatfsFunc) Option {
	return func(c *Cache) {
		if fn != nil {
			c.statfs = fn
		}
	}
}

// Cache is the artifact store. It is safe for concurrent use.
type Cache struct {
	mu sync.RWMutex

	sharedDir  string
	stagingDir string
	lockPath   string
	index      *index

	hotWindow    time.Duration
	maxAge       time.Duration
	maxBytes     int64
	diskFraction float64
	orphanGrace  time.Duration

	now    func() time.Time
	statfs StatfsFunc
	logger *slog.Logger
}

// Open prepares the directories and index.
func Open(opts Options, extra ...Option) (*Cache, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("artifactcache: directory is required")
	}
	if opts.HotWindow <= 0 {
		return nil, errors.New("artifactcache: hot window must be positive")
	}
	c := &Cache{
		sharedDir:    filepath.Join(dir, sharedDirName),
		stagingDir:   filepath.Join(dir, stagingDirName),
		lockPath:     opts.LockPath,
		hotWindow:    opts.HotWindow,
		maxAge:       opts.MaxAge,
		maxBytes:     opts.MaxBytes,
		diskFraction: opts.DiskFraction,
		orphanGrace:  opts.OrphanGrace,
		now:          time.Now,
		statfs:       realStatfs,
		logger:       logging.NewComponentLogger(opts.Logger, "artifactcache"),
	}
	if c.lockPath == "" {
		c.lockPath = filepath.Join(dir, ".janitor.lock")
	}
	for _, d := range []string{c.sharedDir, c.stagingDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("artifactcache: create %s: %w", d, err)
		}
	}
	indexPath := opts.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(dir, "index.db")
	}
	idx, err := openIndex(indexPath)
	if err != nil {
		return nil, fmt.Errorf("artifactcache: %w", err)
	}
	c.index = idx
	for _, opt := range extra {
		opt(c)
	}
	return c, nil
}

// Close releases the index.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.index.close()
}

// StagingDir is where builders should write in-progress archives so Put can
// publish them with a rename.
func (c *Cache) StagingDir() string { return c.stagingDir }

// SharedDir holds published artifacts.
func (c *Cache) SharedDir() string { return c.sharedDir }

// ArtifactPath resolves a published artifact name to its path, rejecting names
// that would escape the shared directory.
func (c *Cache) ArtifactPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid artifact name %q", services.ErrValidation, name)
	}
	return filepath.Join(c.sharedDir, name), nil
}

func (c *Cache) tierFor(entry Entry, now time.Time) Tier {
	age := now.Sub(entry.CreatedAt)
	switch {
	case c.maxAge > 0 && age >= c.maxAge:
		return TierMiss
	case age < c.hotWindow:
		return TierHot
	default:
		return TierWarm
	}
}

// Lookup classifies fp. Index entries whose file is gone are removed and
// reported as a miss; expired entries are left for the janitor.
func (c *Cache) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (Result, error) {
	c.mu.RLock()
	entry, err := c.index.get(ctx, fp, c.sharedDir)
	c.mu.RUnlock()
	if errors.Is(err, errNoEntry) {
		return Result{Tier: TierMiss}, nil
	}
	if err != nil {
		return Result{}, err
	}

	tier := c.tierFor(entry, c.now())
	if tier == TierMiss {
		return Result{Tier: TierMiss}, nil
	}
	if _, statErr := os.Stat(entry.Path); statErr != nil {
		if !errors.Is(statErr, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("stat artifact: %w", statErr)
		}
		c.dropStale(ctx, entry)
		return Result{Tier: TierMiss}, nil
	}
	return Result{Tier: tier, Entry: &entry}, nil
}

func (c *Cache) dropStale(ctx context.Context, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed, err := c.index.remove(ctx, entry.Fingerprint, entry.Name)
	if err != nil {
		logging.WarnWithContext(c.logger, "stale artifact entry not removed", "artifact_stale_remove_failed",
			logging.String(logging.FieldFingerprint, entry.Fingerprint.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "lookup keeps reporting a miss until the janitor runs"),
		)
		return
	}
	if removed {
		c.logger.InfoContext(ctx, "stale artifact entry removed",
			logging.String(logging.FieldFingerprint, entry.Fingerprint.String()),
			logging.String("artifact", entry.Name),
			logging.String(logging.FieldEventType, "artifact_stale"),
		)
	}
}

// Touch records a served hit for least-recently-used eviction.
func (c *Cache) Touch(ctx context.Context, fp fingerprint.Fingerprint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.index.touch(ctx, fp, c.now())
	return err
}

// PutOption annotates a Put with source metadata.
type PutOption func(*Entry)

// WithSource records the folder an artifact was built from.
func WithSource(sourcePath string, sourceBytes int64) PutOption {
	return func(e *Entry) {
		e.SourcePath = sourcePath
		e.SourceBytes = sourceBytes
	}
}

// Put publishes the archive at artifactPath for fp, replacing any previous
// artifact. The previous file is deleted only after the new entry commits; on
// any failure the previous entry stays servable and the error wraps
// services.ErrCacheWrite.
func (c *Cache) Put(ctx context.Context, fp fingerprint.Fingerprint, artifactPath string, sizeBytes int64, opts ...PutOption) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(artifactPath)
	if err != nil {
		return Entry{}, services.Wrap(services.ErrCacheWrite, "artifactcache", "put", "stat staged artifact", err)
	}
	if !info.Mode().IsRegular() || info.Size() != sizeBytes {
		return Entry{}, services.Wrap(services.ErrCacheWrite, "artifactcache", "put",
			fmt.Sprintf("staged artifact is %d bytes, expected %d", info.Size(), sizeBytes), nil)
	}

	now := c.now()
	entry := Entry{
		Fingerprint:    fp,
		SizeBytes:      sizeBytes,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	for _, opt := range opts {
		opt(&entry)
	}
	entry.Name = c.artifactName(entry, now)
	entry.Path = filepath.Join(c.sharedDir, entry.Name)

	method, err := fileutil.Publish(artifactPath, entry.Path)
	if err != nil {
		return Entry{}, services.Wrap(services.ErrCacheWrite, "artifactcache", "put", "publish artifact", err)
	}

	previous, err := c.index.upsert(ctx, entry, c.sharedDir)
	if err != nil {
		_ = fileutil.RemoveIfExists(entry.Path)
		return Entry{}, services.Wrap(services.ErrCacheWrite, "artifactcache", "put", "record artifact", err)
	}

	if previous != nil && previous.Name != entry.Name {
		if err := fileutil.RemoveIfExists(previous.Path); err != nil {
			logging.WarnWithContext(c.logger, "replaced artifact file not removed", "artifact_replace_cleanup_failed",
				logging.String(logging.FieldFingerprint, fp.String()),
				logging.String("artifact", previous.Name),
				logging.Error(err),
				logging.String(logging.FieldImpact, "orphaned file remains until the janitor reconciles it"),
			)
		}
	}

	c.logger.InfoContext(ctx, "artifact stored",
		logging.String(logging.FieldFingerprint, fp.String()),
		logging.String("artifact", entry.Name),
		logging.Int64("artifact_bytes", entry.SizeBytes),
		logging.String("publish_method", method),
		logging.Bool("replaced", previous != nil),
		logging.String(logging.FieldEventType, "artifact_stored"),
	)
	return entry, nil
}

// artifactName gives every put a distinct file so the replaced artifact stays
// readable until the new row commits.
func (c *Cache) artifactName(entry Entry, now time.Time) string {
	source := entry.SourcePath
	if source == "" {
		source = "artifact"
	}
	name := strings.TrimSuffix(fingerprint.ArtifactName(source, entry.Fingerprint), ".zip")
	return name + "-" + strconv.FormatInt(now.UnixNano(), 36) + ".zip"
}

// Evict removes fp's entry and its file. It reports whether an entry existed.
func (c *Cache) Evict(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.index.get(ctx, fp, c.sharedDir)
	if errors.Is(err, errNoEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := c.evictLocked(ctx, entry, "manual"); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) evictLocked(ctx context.Context, entry Entry, reason string) error {
	if _, err := c.index.remove(ctx, entry.Fingerprint, entry.Name); err != nil {
		return err
	}
	if err := fileutil.RemoveIfExists(entry.Path); err != nil {
		return fmt.Errorf("remove artifact %s: %w", entry.Name, err)
	}
	c.logger.InfoContext(ctx, "artifact evicted",
		logging.String(logging.FieldFingerprint, entry.Fingerprint.String()),
		logging.String("artifact", entry.Name),
		logging.Int64("artifact_bytes", entry.SizeBytes),
		logging.String("reason", reason),
		logging.String(logging.FieldEventType, "artifact_evicted"),
	)
	return nil
}

// EntryStatus pairs an entry with its current tier.
type EntryStatus struct {
	Entry
	Tier Tier `json:"tier"`
}

// List returns all indexed entries, most recently accessed first.
func (c *Cache) List(ctx context.Context) ([]EntryStatus, error) {
	c.mu.RLock()
	entries, err := c.index.list(ctx, c.sharedDir)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]EntryStatus, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, EntryStatus{Entry: entries[i], Tier: c.tierFor(entries[i], now)})
	}
	return out, nil
}

// Stats describes current cache usage.
type Stats struct {
	Entries      int     `json:"entries"`
	HotEntries   int     `json:"hot_entries"`
	WarmEntries  int     `json:"warm_entries"`
	Expired      int     `json:"expired_entries"`
	TotalBytes   int64   `json:"total_bytes"`
	BudgetBytes  int64   `json:"budget_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	TotalFSBytes uint64  `json:"total_fs_bytes"`
	FreeRatio    float64 `json:"free_ratio"`
}

// Stats summarizes the index and the artifact filesystem.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	entries, err := c.index.list(ctx, c.sharedDir)
	c.mu.RUnlock()
	if err != nil {
		return Stats{}, err
	}
	now := c.now()
	s := Stats{Entries: len(entries)}
	for _, entry := range entries {
		s.TotalBytes += entry.SizeBytes
		switch c.tierFor(entry, now) {
		case TierHot:
			s.HotEntries++
		case TierWarm:
			s.WarmEntries++
		default:
			s.Expired++
		}
	}
	total, free, err := c.statfs(c.sharedDir)
	if err != nil {
		return s, fmt.Errorf("artifactcache: statfs: %w", err)
	}
	s.TotalFSBytes = total
	s.FreeBytes = free
	s.FreeRatio = 1.0
	if total > 0 {
		s.FreeRatio = float64(free) / float64(total)
	}
	s.BudgetBytes = c.budget(total)
	return s, nil
}

// FreeBytes reports the free space on the artifact filesystem.
func (c *Cache) FreeBytes() (uint64, error) {
	_, free, err := c.statfs(c.stagingDir)
	return free, err
}

// budget is the smaller of max_bytes and the disk fraction; zero means unlimited.
func (c *Cache) budget(fsTotal uint64) int64 {
	budget := c.maxBytes
	if c.diskFraction > 0 && fsTotal > 0 {
		fromDisk := int64(float64(fsTotal) * c.diskFraction)
		if budget == 0 || fromDisk < budget {
			budget = fromDisk
		}
	}
	return budget
}
