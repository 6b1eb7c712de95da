package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"zipline/internal/fileutil"
	"zipline/internal/logging"
	"zipline/internal/services"
)

// Phase is the builder state reported with each progress update.
type Phase string

const (
	PhaseMeasuring  Phase = "measuring"
	PhaseStreaming  Phase = "streaming"
	PhaseFinalizing Phase = "finalizing"
	PhaseAborted    Phase = "aborted"
)

const defaultChunkSize = 256 * 1024

// Progress is a single builder progress report.
type Progress struct {
	Phase          Phase
	ProcessedBytes int64
	TotalBytes     int64
	Percent        float64
	Entry          string
}

// ProgressFunc receives progress reports on the building goroutine.
type ProgressFunc func(Progress)

// Result describes a finished archive.
type Result struct {
	Files        int           `json:"files"`
	Skipped      int           `json:"skipped"`
	SourceBytes  int64         `json:"source_bytes"`
	ArchiveBytes int64         `json:"archive_bytes"`
	Duration     time.Duration `json:"duration_ns"`
}

// Percent converts processed/total into 0..100. An empty source is complete.
func Percent(processed, total int64) float64 {
	if total <= 0 {
		return 100
	}
	if processed <= 0 {
		return 0
	}
	pct := float64(processed) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Option configures a Builder.
type Option func(*Builder)

// WithChunkSize sets the read size between progress reports.
func WithChunkSize(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.chunkSize = n
		}
	}
}

// WithEntryHook runs before each entry is streamed; tests use it to pause or
// cancel a build at a known point.
func WithEntryHook(hook func(name string)) Option {
	return func(b *Builder) { b.entryHook = hook }
}

// Builder writes zip archives. Level 0 stores entries uncompressed; 1..9
// selects the deflate level.
type Builder struct {
	level     int
	chunkSize int
	entryHook func(string)
	logger    *slog.Logger
}

// New constructs a Builder.
func New(level int, logger *slog.Logger, opts ...Option) *Builder {
	if level < 0 {
		level = 0
	}
	if level > flate.BestCompression {
		level = flate.BestCompression
	}
	b := &Builder{
		level:     level,
		chunkSize: defaultChunkSize,
		logger:    logging.NewComponentLogger(logger, "archive"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Level reports the configured compression level.
func (b *Builder) Level() int { return b.level }

// Build streams sourcePath into sink as a zip archive.
func (b *Builder) Build(ctx context.Context, sourcePath string, sink io.Writer, onProgress ProgressFunc) (Result, error) {
	started := time.Now()
	logger := logging.WithContext(ctx, b.logger)
	track := &tracker{fn: onProgress}

	track.report(PhaseMeasuring, 0, 0, "")
	manifest, err := Measure(ctx, sourcePath)
	if err != nil {
		track.abort()
		return Result{}, err
	}
	total := manifest.TotalBytes
	logger.Debug("archive measured",
		logging.String("source", sourcePath),
		logging.Int("files", manifest.Files),
		logging.Int64("source_bytes", total),
	)
	track.report(PhaseStreaming, 0, total, "")

	counter := &countingWriter{w: sink}
	zw := zip.NewWriter(counter)
	method := zip.Store
	if b.level > 0 {
		method = zip.Deflate
		level := b.level
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}

	result := Result{SourceBytes: total}
	buf := make([]byte, b.chunkSize)
	var processed int64
	for _, entry := range manifest.Entries {
		if err := ctx.Err(); err != nil {
			track.abort()
			return Result{}, services.Wrap(services.ErrCanceled, "archive", "stream", "", err)
		}
		if b.entryHook != nil {
			b.entryHook(entry.Name)
		}

		header := &zip.FileHeader{Name: entry.Name, Modified: entry.ModTime, Method: method}
		header.SetMode(entry.Mode)
		if entry.Dir {
			header.Method = zip.Store
			if _, err := zw.CreateHeader(header); err != nil {
				track.abort()
				return Result{}, services.Wrap(services.ErrIOFailure, "archive", "stream", entry.Name, err)
			}
			continue
		}

		written, err := b.streamFile(ctx, zw, header, entry, buf, func(n int64) {
			processed += n
			track.report(PhaseStreaming, processed, total, entry.Name)
		})
		if errors.Is(err, errVanished) {
			result.Skipped++
			processed += entry.Size - written
			track.report(PhaseStreaming, processed, total, entry.Name)
			logging.WarnWithContext(logger, "source file vanished during build; skipped", "archive_entry_skipped",
				logging.String("entry", entry.Name),
				logging.String(logging.FieldImpact, "archive omits this file"),
				logging.String(logging.FieldErrorHint, "folder changed while the archive was being built"),
			)
			continue
		}
		if err != nil {
			track.abort()
			return Result{}, err
		}
		result.Files++
	}

	track.report(PhaseFinalizing, processed, total, "")
	if err := zw.Close(); err != nil {
		track.abort()
		return Result{}, services.Wrap(services.ErrIOFailure, "archive", "finalize", "write central directory", err)
	}
	track.report(PhaseFinalizing, total, total, "")

	result.ArchiveBytes = counter.n
	result.Duration = time.Since(started)
	return result, nil
}

var errVanished = errors.New("source entry vanished")

func (b *Builder) streamFile(ctx context.Context, zw *zip.Writer, header *zip.FileHeader, entry ManifestEntry, buf []byte, advance func(int64)) (int64, error) {
	file, err := os.Open(entry.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errVanished
		}
		return 0, services.Wrap(services.ErrSourceUnreadable, "archive", "open", entry.Name, err)
	}
	defer file.Close()

	w, err := zw.CreateHeader(header)
	if err != nil {
		return 0, services.Wrap(services.ErrIOFailure, "archive", "stream", entry.Name, err)
	}

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, services.Wrap(services.ErrCanceled, "archive", "stream", entry.Name, err)
		}
		n, readErr := file.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, services.Wrap(services.ErrIOFailure, "archive", "stream", entry.Name, err)
			}
			written += int64(n)
			advance(int64(n))
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, services.Wrap(services.ErrIOFailure, "archive", "read", entry.Name, readErr)
		}
	}
}

// BuildFile writes the archive to dest through a temp file in the same
// directory. dest only appears once the archive is complete and synced.
func (b *Builder) BuildFile(ctx context.Context, sourcePath, dest string, onProgress ProgressFunc) (Result, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrIOFailure, "archive", "prepare", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.partial")
	if err != nil {
		return Result{}, services.Wrap(services.ErrIOFailure, "archive", "prepare", "create temp file", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = fileutil.RemoveIfExists(tmpPath)
		}
	}()

	result, err := b.Build(ctx, sourcePath, tmp, onProgress)
	if err != nil {
		return Result{}, err
	}
	if err := tmp.Sync(); err != nil {
		return Result{}, services.Wrap(services.ErrIOFailure, "archive", "finalize", "sync", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, services.Wrap(services.ErrIOFailure, "archive", "finalize", "close", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = fileutil.RemoveIfExists(tmpPath)
		committed = true
		return Result{}, services.Wrap(services.ErrIOFailure, "archive", "finalize", fmt.Sprintf("rename to %s", dest), err)
	}
	committed = true
	return result, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// tracker keeps reported percentages non-decreasing.
type tracker struct {
	fn   ProgressFunc
	last Progress
}

func (t *tracker) report(phase Phase, processed, total int64, entry string) {
	pct := Percent(processed, total)
	if phase == PhaseMeasuring {
		pct = 0
	}
	if pct < t.last.Percent {
		pct = t.last.Percent
	}
	t.last = Progress{Phase: phase, ProcessedBytes: processed, TotalBytes: total, Percent: pct, Entry: entry}
	if t.fn != nil {
		t.fn(t.last)
	}
}

func (t *tracker) abort() {
	t.last.Phase = PhaseAborted
	t.last.Entry = ""
	if t.fn != nil {
		t.fn(t.last)
	}
}
