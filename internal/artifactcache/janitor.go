package artifactcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"zipline/internal/fileutil"
	"zipline/internal/logging"
)

// SweepResult summarizes one janitor pass.
type SweepResult struct {
	Skipped     bool  `json:"skipped"`
	Expired     int   `json:"expired"`
	Missing     int   `json:"missing"`
	Evicted     int   `json:"evicted"`
	Orphans     int   `json:"orphans"`
	FreedBytes  int64 `json:"freed_bytes"`
	UsedBytes   int64 `json:"used_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
}

// Sweep runs the janitor: expired and fileless entries go first, then least
// recently used entries are evicted (warm before hot) until the cache fits its
// budget, then untracked files older than the orphan grace are removed. When
// another process holds the janitor lock the pass is skipped.
func (c *Cache) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	lock := flock.New(c.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return result, fmt.Errorf("artifactcache: janitor lock: %w", err)
	}
	if !locked {
		result.Skipped = true
		c.logger.InfoContext(ctx, "janitor already running elsewhere; skipping",
			logging.String(logging.FieldEventType, "janitor_skipped"),
		)
		return result, nil
	}
	defer func() { _ = lock.Unlock() }()

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.index.list(ctx, c.sharedDir)
	if err != nil {
		return result, err
	}

	now := c.now()
	survivors := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		reason := ""
		if c.tierFor(entry, now) == TierMiss {
			reason = "expired"
		} else if _, statErr := os.Stat(entry.Path); os.IsNotExist(statErr) {
			reason = "missing"
		}
		if reason == "" {
			survivors = append(survivors, entry)
			continue
		}
		if err := c.evictLocked(ctx, entry, reason); err != nil {
			return result, err
		}
		if reason == "expired" {
			result.Expired++
			result.FreedBytes += entry.SizeBytes
		} else {
			result.Missing++
		}
	}

	for _, entry := range survivors {
		result.UsedBytes += entry.SizeBytes
	}
	total, _, err := c.statfs(c.sharedDir)
	if err != nil {
		logging.WarnWithContext(c.logger, "statfs failed; disk fraction ignored", "janitor_statfs_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "only cache.max_bytes limits the cache this pass"),
		)
		total = 0
	}
	result.BudgetBytes = c.budget(total)

	if result.BudgetBytes > 0 && result.UsedBytes > result.BudgetBytes {
		for _, entry := range evictionOrder(survivors, func(e Entry) Tier { return c.tierFor(e, now) }) {
			if result.UsedBytes <= result.BudgetBytes {
				break
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := c.evictLocked(ctx, entry, "budget"); err != nil {
				return result, err
			}
			result.Evicted++
			result.UsedBytes -= entry.SizeBytes
			result.FreedBytes += entry.SizeBytes
		}
	}

	orphans, freed, err := c.reconcileOrphans(ctx)
	if err != nil {
		return result, err
	}
	result.Orphans = orphans
	result.FreedBytes += freed

	c.logger.InfoContext(ctx, "janitor sweep complete",
		logging.Int("expired", result.Expired),
		logging.Int("missing", result.Missing),
		logging.Int("evicted", result.Evicted),
		logging.Int("orphans", result.Orphans),
		logging.Int64("freed_bytes", result.FreedBytes),
		logging.Int64("used_bytes", result.UsedBytes),
		logging.Int64("budget_bytes", result.BudgetBytes),
		logging.String(logging.FieldEventType, "janitor_sweep"),
	)
	return result, nil
}

// evictionOrder lists warm entries before hot ones, each group least
// recently used first. entries arrive sorted by last access.
func evictionOrder(entries []Entry, tier func(Entry) Tier) []Entry {
	ordered := append([]Entry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return tier(ordered[i]) == TierWarm && tier(ordered[j]) != TierWarm
	})
	return ordered
}

// reconcileOrphans removes shared files with no index row and abandoned
// staging files, skipping anything younger than the grace period so builds
// and puts in flight are left alone.
func (c *Cache) reconcileOrphans(ctx context.Context) (int, int64, error) {
	known := make(map[string]struct{})
	entries, err := c.index.list(ctx, c.sharedDir)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		known[entry.Name] = struct{}{}
	}

	cutoff := c.now().Add(-c.orphanGrace)
	var (
		count int
		freed int64
	)
	for _, dir := range []string{c.sharedDir, c.stagingDir} {
		items, err := os.ReadDir(dir)
		if err != nil {
			return count, freed, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, item := range items {
			if item.IsDir() {
				continue
			}
			name := item.Name()
			if dir == c.sharedDir {
				if _, ok := known[name]; ok {
					continue
				}
			}
			info, err := item.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, name)
			if err := fileutil.RemoveIfExists(path); err != nil {
				logging.WarnWithContext(c.logger, "orphaned file not removed", "janitor_orphan_failed",
					logging.String("path", path),
					logging.Error(err),
					logging.String(logging.FieldImpact, "disk space stays allocated"),
				)
				continue
			}
			count++
			freed += info.Size()
			c.logger.DebugContext(ctx, "orphaned file removed",
				logging.String("path", path),
				logging.Bool("staging", strings.HasPrefix(path, c.stagingDir)),
			)
		}
	}
	return count, freed, nil
}
