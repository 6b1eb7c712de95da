package artifactcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"zipline/internal/fingerprint"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

var errNoEntry = errors.New("artifact entry not found")

// index is the SQLite table of published artifacts.
type index struct {
	db   *sql.DB
	path string
}

func openIndex(path string) (*index, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	idx := &index{db: db, path: path}
	if err := idx.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *index) close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

const entryColumns = `fingerprint, artifact_name, size_bytes, source_path, source_bytes,
	created_at, last_accessed_at, hit_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner, dir string) (Entry, error) {
	var (
		entry          Entry
		fp             string
		createdAt      string
		lastAccessedAt string
	)
	if err := row.Scan(&fp, &entry.Name, &entry.SizeBytes, &entry.SourcePath, &entry.SourceBytes,
		&createdAt, &lastAccessedAt, &entry.HitCount); err != nil {
		return Entry{}, err
	}
	entry.Fingerprint = fingerprint.Fingerprint(fp)
	entry.Path = filepath.Join(dir, entry.Name)
	entry.CreatedAt = parseTime(createdAt)
	entry.LastAccessedAt = parseTime(lastAccessedAt)
	return entry, nil
}

// timeLayout is fixed width so ORDER BY on the text column sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *index) get(ctx context.Context, fp fingerprint.Fingerprint, dir string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM artifacts WHERE fingerprint = ?", string(fp))
	entry, err := scanEntry(row, dir)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, errNoEntry
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read artifact entry: %w", err)
	}
	return entry, nil
}

// upsert records entry and returns the row it replaced, if any.
func (s *index) upsert(ctx context.Context, entry Entry, dir string) (*Entry, error) {
	var previous *Entry
	err := retryOnBusy(ctx, func() error {
		previous = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM artifacts WHERE fingerprint = ?", string(entry.Fingerprint))
		prev, err := scanEntry(row, dir)
		switch {
		case err == nil:
			previous = &prev
		case errors.Is(err, sql.ErrNoRows):
		default:
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO artifacts (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				artifact_name = excluded.artifact_name,
				size_bytes = excluded.size_bytes,
				source_path = excluded.source_path,
				source_bytes = excluded.source_bytes,
				created_at = excluded.created_at,
				last_accessed_at = excluded.last_accessed_at,
				hit_count = excluded.hit_count`,
			string(entry.Fingerprint), entry.Name, entry.SizeBytes, entry.SourcePath, entry.SourceBytes,
			formatTime(entry.CreatedAt), formatTime(entry.LastAccessedAt), entry.HitCount)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("upsert artifact entry: %w", err)
	}
	return previous, nil
}

// remove deletes the row for fp only while it still names artifactName, so a
// concurrent replacement is never dropped by a stale caller.
func (s *index) remove(ctx context.Context, fp fingerprint.Fingerprint, artifactName string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE fingerprint = ? AND artifact_name = ?", string(fp), artifactName)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete artifact entry: %w", err)
	}
	return affected > 0, nil
}

func (s *index) touch(ctx context.Context, fp fingerprint.Fingerprint, at time.Time) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE artifacts SET hit_count = hit_count + 1, last_accessed_at = ? WHERE fingerprint = ?",
			formatTime(at), string(fp))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("touch artifact entry: %w", err)
	}
	return affected > 0, nil
}

// list returns every entry, least recently accessed first.
func (s *index) list(ctx context.Context, dir string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+entryColumns+" FROM artifacts ORDER BY last_accessed_at ASC, created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list artifact entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows, dir)
		if err != nil {
			return nil, fmt.Errorf("scan artifact entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
