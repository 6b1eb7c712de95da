package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"zipline/internal/archive"
	"zipline/internal/artifactcache"
	"zipline/internal/fileutil"
	"zipline/internal/fingerprint"
	"zipline/internal/logging"
	"zipline/internal/progress"
	"zipline/internal/services"
)

var (
	// ErrNotAttached is returned when a requester cancels a build it never joined.
	ErrNotAttached = errors.New("requester is not attached to this build")
	// ErrClosed is returned once the scheduler has shut down.
	ErrClosed = errors.New("scheduler closed")
)

// ArchiveBuilder produces an archive file from a source folder.
type ArchiveBuilder interface {
	BuildFile(ctx context.Context, sourcePath, dest string, onProgress archive.ProgressFunc) (archive.Result, error)
}

// ArtifactStore receives finished archives.
type ArtifactStore interface {
	Put(ctx context.Context, fp fingerprint.Fingerprint, artifactPath string, sizeBytes int64, opts ...artifactcache.PutOption) (artifactcache.Entry, error)
	StagingDir() string
	FreeBytes() (uint64, error)
}

// EventPublisher broadcasts lifecycle events.
type EventPublisher interface {
	Publish(fp fingerprint.Fingerprint, evt progress.Event) (progress.Event, error)
	Forget(fp fingerprint.Fingerprint, jobID string)
}

// Options configures a Scheduler.
type Options struct {
	Workers int
	// MinFreeBytes must remain free on the artifact filesystem after a
	// build; zero disables the storage check.
	MinFreeBytes int64
	// Linger keeps finished records answerable by job id.
	Linger time.Duration
	Logger *slog.Logger
}

// Handle identifies the build a requester is attached to.
type Handle struct {
	JobID       string                  `json:"job_id"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	// Attached is true when the request joined an existing record.
	Attached bool  `json:"attached"`
	State    State `json:"state"`
}

// CancelResult describes the effect of a detach.
type CancelResult struct {
	JobID     string `json:"job_id"`
	Detached  bool   `json:"detached"`
	Remaining int    `json:"remaining"`
	// Canceled is true when the detach left no requesters and the build was
	// told to stop.
	Canceled bool  `json:"canceled"`
	State    State `json:"state"`
}

// RequestOption adjusts a single RequestBuild call.
type RequestOption func(*record)

// WithSourceBytes supplies an expected source size for the storage check.
func WithSourceBytes(n int64) RequestOption {
	return func(r *record) { r.sourceBytes = n }
}

// Scheduler deduplicates and runs builds.
type Scheduler struct {
	mu     sync.Mutex
	active map[fingerprint.Fingerprint]*record
	ready  map[fingerprint.Fingerprint]*record
	jobs   map[string]*record
	timers map[string]*time.Timer
	closed bool

	builder ArchiveBuilder
	store   ArtifactStore
	events  EventPublisher
	slots   *semaphore.Weighted

	minFree int64
	linger  time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New constructs a Scheduler.
func New(builder ArchiveBuilder, store ArtifactStore, events EventPublisher, opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		active:  make(map[fingerprint.Fingerprint]*record),
		ready:   make(map[fingerprint.Fingerprint]*record),
		jobs:    make(map[string]*record),
		timers:  make(map[string]*time.Timer),
		builder: builder,
		store:   store,
		events:  events,
		slots:   semaphore.NewWeighted(int64(workers)),
		minFree: opts.MinFreeBytes,
		linger:  opts.Linger,
		baseCtx: ctx,
		stop:    cancel,
		logger:  logging.NewComponentLogger(opts.Logger, "build"),
	}
}

// RequestBuild attaches requester to the live build of fp, or starts one.
// A build of fp that became ready within the linger period is returned as-is
// so a requester racing the cache write does not trigger a rebuild. A build
// whose last requester already detached is never joined; the new attempt
// queues behind it instead.
func (s *Scheduler) RequestBuild(ctx context.Context, fp fingerprint.Fingerprint, sourcePath, requester string, opts ...RequestOption) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Handle{}, ErrClosed
	}
	prev := s.active[fp]
	if rec := prev; rec != nil && rec.ctx.Err() == nil {
		rec.requesters[requester] = struct{}{}
		logging.WithContext(ctx, s.logger).Info("requester attached to running build",
			logging.String(logging.FieldJobID, rec.id),
			logging.String(logging.FieldFingerprint, fp.String()),
			logging.String(logging.FieldRequester, requester),
			logging.Int("requesters", len(rec.requesters)),
			logging.String(logging.FieldEventType, "build_attached"),
		)
		return Handle{JobID: rec.id, Fingerprint: fp, Attached: true, State: rec.state}, nil
	}
	if rec := s.ready[fp]; rec != nil {
		rec.requesters[requester] = struct{}{}
		return Handle{JobID: rec.id, Fingerprint: fp, Attached: true, State: rec.state}, nil
	}

	buildCtx, cancel := context.WithCancel(s.baseCtx)
	rec := &record{
		id:         uuid.NewString(),
		fp:         fp,
		state:      StateQueued,
		sourcePath: sourcePath,
		requesters: map[string]struct{}{requester: {}},
		ctx:        buildCtx,
		cancel:     cancel,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
	if prev != nil {
		// The previous attempt was canceled but its builder has not returned.
		rec.after = prev.done
	}
	for _, opt := range opts {
		opt(rec)
	}
	s.active[fp] = rec
	s.jobs[rec.id] = rec

	// Published under the lock so an attaching requester always finds the
	// stream.
	s.publish(rec, progress.Event{Type: progress.EventQueued, JobID: rec.id})
	logging.WithContext(ctx, s.logger).Info("build queued",
		logging.String(logging.FieldJobID, rec.id),
		logging.String(logging.FieldFingerprint, fp.String()),
		logging.String(logging.FieldRequester, requester),
		logging.String("source", sourcePath),
		logging.String(logging.FieldEventType, "build_queued"),
	)

	s.wg.Add(1)
	go s.run(rec)
	return Handle{JobID: rec.id, Fingerprint: fp, State: StateQueued}, nil
}

func (s *Scheduler) publish(rec *record, evt progress.Event) {
	evt.JobID = rec.id
	evt.Requesters = rec.requesterList()
	if _, err := s.events.Publish(rec.fp, evt); err != nil && !errors.Is(err, progress.ErrSuperseded) {
		logging.WarnWithContext(s.logger, "build event not published", "build_event_dropped",
			logging.String(logging.FieldJobID, rec.id),
			logging.String("event", string(evt.Type)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "subscribers may miss this update"),
		)
	}
}

func (s *Scheduler) run(rec *record) {
	defer s.wg.Done()
	logger := s.logger.With(
		logging.String(logging.FieldJobID, rec.id),
		logging.String(logging.FieldFingerprint, rec.fp.String()),
	)

	if rec.after != nil {
		select {
		case <-rec.after:
		case <-rec.ctx.Done():
			s.finish(rec, StateCanceled, services.Wrap(services.ErrCanceled, "build", "queue", "canceled before start", rec.ctx.Err()), logger)
			return
		}
	}
	if err := s.slots.Acquire(rec.ctx, 1); err != nil {
		s.finish(rec, StateCanceled, services.Wrap(services.ErrCanceled, "build", "queue", "canceled before start", err), logger)
		return
	}
	defer s.slots.Release(1)

	s.mu.Lock()
	if rec.ctx.Err() != nil {
		s.mu.Unlock()
		s.finish(rec, StateCanceled, services.Wrap(services.ErrCanceled, "build", "queue", "canceled before start", rec.ctx.Err()), logger)
		return
	}
	rec.state = StateRunning
	rec.startedAt = time.Now()
	s.mu.Unlock()
	logger.Info("build started",
		logging.String("source", rec.sourcePath),
		logging.String(logging.FieldEventType, "build_started"),
	)

	if err := s.checkStorage(rec); err != nil {
		s.finish(rec, StateFailed, err, logger)
		return
	}

	staged := filepath.Join(s.store.StagingDir(), rec.id+".zip")
	sampler := logging.NewProgressSampler(5)
	reporter := &progressReporter{s: s, rec: rec}
	result, err := s.builder.BuildFile(rec.ctx, rec.sourcePath, staged, func(p archive.Progress) {
		reporter.report(p)
		if sampler.ShouldLog(p.Percent, string(p.Phase)) {
			logger.Info("build progress",
				logging.String(logging.FieldPhase, string(p.Phase)),
				logging.Float64("percent", p.Percent),
				logging.Int64("processed_bytes", p.ProcessedBytes),
				logging.Int64("total_bytes", p.TotalBytes),
			)
		}
	})
	if err != nil {
		_ = fileutil.RemoveIfExists(staged)
		if services.IsCanceled(err) || rec.ctx.Err() != nil {
			s.finish(rec, StateCanceled, services.Wrap(services.ErrCanceled, "build", "archive", "", err), logger)
			return
		}
		s.finish(rec, StateFailed, err, logger)
		return
	}

	s.mu.Lock()
	if rec.ctx.Err() != nil {
		s.mu.Unlock()
		_ = fileutil.RemoveIfExists(staged)
		s.finish(rec, StateCanceled, services.Wrap(services.ErrCanceled, "build", "archive", "all requesters detached", rec.ctx.Err()), logger)
		return
	}
	rec.committing = true
	s.mu.Unlock()

	entry, err := s.store.Put(context.WithoutCancel(rec.ctx), rec.fp, staged, result.ArchiveBytes,
		artifactcache.WithSource(rec.sourcePath, result.SourceBytes))
	if err != nil {
		_ = fileutil.RemoveIfExists(staged)
		if !errors.Is(err, services.ErrCacheWrite) {
			err = services.Wrap(services.ErrCacheWrite, "build", "store", "", err)
		}
		s.finish(rec, StateFailed, err, logger)
		return
	}

	s.mu.Lock()
	rec.artifact = entry
	s.mu.Unlock()
	logger.Info("build ready",
		logging.String("artifact", entry.Name),
		logging.Int64("artifact_bytes", entry.SizeBytes),
		logging.Int64("source_bytes", result.SourceBytes),
		logging.Int("files", result.Files),
		logging.Duration("elapsed", result.Duration),
		logging.String(logging.FieldEventType, "build_ready"),
	)
	s.finish(rec, StateReady, nil, logger)
}

func (s *Scheduler) checkStorage(rec *record) error {
	if s.minFree <= 0 && rec.sourceBytes <= 0 {
		return nil
	}
	free, err := s.store.FreeBytes()
	if err != nil {
		return services.Wrap(services.ErrIOFailure, "build", "storage check", "statfs", err)
	}
	need := uint64(max(s.minFree, 0) + max(rec.sourceBytes, 0))
	if free < need {
		return services.Wrap(services.ErrIOFailure, "build", "storage check",
			fmt.Sprintf("insufficient space: %d bytes free, %d required", free, need), nil)
	}
	return nil
}

// finish moves rec to a terminal state, broadcasts the terminal event, and
// schedules the record's release.
func (s *Scheduler) finish(rec *record, state State, err error, logger *slog.Logger) {
	s.mu.Lock()
	rec.state = state
	rec.err = err
	rec.completedAt = time.Now()
	if s.active[rec.fp] == rec {
		delete(s.active, rec.fp)
	}
	if state == StateReady && !s.closed {
		s.ready[rec.fp] = rec
	}
	rec.cancel()

	evt := progress.Event{Type: progress.EventType(state)}
	switch state {
	case StateReady:
		evt.ArtifactName = rec.artifact.Name
		evt.ArtifactBytes = rec.artifact.SizeBytes
		evt.TotalBytes = rec.totalBytes
		evt.ProcessedBytes = rec.totalBytes
	default:
		evt.Reason = services.FailureReason(err)
		evt.Percent = rec.percent
		if err != nil {
			evt.Message = err.Error()
		}
	}
	s.publish(rec, evt)
	close(rec.done)
	s.scheduleRelease(rec)
	s.mu.Unlock()

	switch state {
	case StateReady:
	case StateCanceled:
		logger.Info("build canceled",
			logging.String(logging.FieldEventType, "build_canceled"),
		)
	default:
		logging.ErrorWithContext(logger, "build failed", "build_failed",
			logging.String("reason", evt.Reason),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the source folder and artifact disk"),
		)
	}
}

// scheduleRelease must be called with s.mu held.
func (s *Scheduler) scheduleRelease(rec *record) {
	release := func() {
		s.mu.Lock()
		delete(s.jobs, rec.id)
		delete(s.timers, rec.id)
		if s.ready[rec.fp] == rec {
			delete(s.ready, rec.fp)
		}
		s.mu.Unlock()
		s.events.Forget(rec.fp, rec.id)
	}
	if s.linger <= 0 || s.closed {
		delete(s.jobs, rec.id)
		if s.ready[rec.fp] == rec {
			delete(s.ready, rec.fp)
		}
		return
	}
	s.timers[rec.id] = time.AfterFunc(s.linger, release)
}

// Cancel detaches requester from fp's live build. The build is canceled only
// when no requesters remain.
func (s *Scheduler) Cancel(fp fingerprint.Fingerprint, requester string) (CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.active[fp]
	if rec == nil {
		return CancelResult{}, fmt.Errorf("%w: no active build for %s", services.ErrNotFound, fp.Short())
	}
	return s.detachLocked(rec, requester)
}

// CancelJob is Cancel addressed by job handle. Only an attached requester may
// detach; a finished job reports its final state without error.
func (s *Scheduler) CancelJob(jobID, requester string) (CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.jobs[jobID]
	if rec == nil {
		return CancelResult{}, fmt.Errorf("%w: unknown job %s", services.ErrNotFound, jobID)
	}
	if rec.state.Terminal() {
		if _, ok := rec.requesters[requester]; !ok {
			return CancelResult{}, ErrNotAttached
		}
		return CancelResult{JobID: rec.id, Remaining: len(rec.requesters), State: rec.state}, nil
	}
	return s.detachLocked(rec, requester)
}

func (s *Scheduler) detachLocked(rec *record, requester string) (CancelResult, error) {
	if _, ok := rec.requesters[requester]; !ok {
		return CancelResult{}, ErrNotAttached
	}
	delete(rec.requesters, requester)
	res := CancelResult{JobID: rec.id, Detached: true, Remaining: len(rec.requesters), State: rec.state}
	if res.Remaining == 0 && !rec.committing {
		rec.cancel()
		res.Canceled = true
	}
	s.logger.Info("requester detached",
		logging.String(logging.FieldJobID, rec.id),
		logging.String(logging.FieldFingerprint, rec.fp.String()),
		logging.String(logging.FieldRequester, requester),
		logging.Int("remaining", res.Remaining),
		logging.Bool("canceling", res.Canceled),
		logging.String(logging.FieldEventType, "build_detached"),
	)
	return res, nil
}

// CancelSource detaches requester from every live build of sourcePath it is
// attached to. It finds builds whose source changed after they were queued,
// which a fingerprint lookup would miss. The most recent detach is returned.
func (s *Scheduler) CancelSource(sourcePath, requester string) (CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*record
	for _, rec := range s.active {
		if rec.sourcePath != sourcePath {
			continue
		}
		if _, ok := rec.requesters[requester]; ok {
			matched = append(matched, rec)
		}
	}
	if len(matched) == 0 {
		return CancelResult{}, fmt.Errorf("%w: no active build of %s for %s", services.ErrNotFound, sourcePath, requester)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].createdAt.Before(matched[j].createdAt) })
	var res CancelResult
	for _, rec := range matched {
		var err error
		if res, err = s.detachLocked(rec, requester); err != nil {
			return CancelResult{}, err
		}
	}
	return res, nil
}

// Invalidate drops jobID's lingering ready record for fp so the next request
// starts a new build. Callers use it when the record's artifact is no longer
// in the cache. An empty jobID matches whichever record is lingering. It
// reports whether a record was dropped.
func (s *Scheduler) Invalidate(fp fingerprint.Fingerprint, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ready[fp]
	if rec == nil || (jobID != "" && rec.id != jobID) {
		return false
	}
	delete(s.ready, fp)
	s.logger.Info("ready record invalidated",
		logging.String(logging.FieldJobID, rec.id),
		logging.String(logging.FieldFingerprint, fp.String()),
		logging.String(logging.FieldEventType, "build_invalidated"),
	)
	return true
}

// Active lists live (non-terminal) records.
func (s *Scheduler) Active() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.active))
	for _, rec := range s.active {
		out = append(out, rec.snapshot())
	}
	return out
}

// Record returns a live or lingering record by job id.
func (s *Scheduler) Record(jobID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.jobs[jobID]
	if rec == nil {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Building reports whether fp has a live record.
func (s *Scheduler) Building(fp fingerprint.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[fp] != nil
}

// Wait blocks until jobID reaches a terminal state or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, jobID string) (Record, error) {
	s.mu.Lock()
	rec := s.jobs[jobID]
	s.mu.Unlock()
	if rec == nil {
		return Record{}, fmt.Errorf("%w: unknown job %s", services.ErrNotFound, jobID)
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return rec.snapshot(), nil
}

// Close cancels every build and waits for the workers to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stop()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

// progressReporter turns builder callbacks into record updates and progress
// events, skipping updates below a tenth of a percent.
type progressReporter struct {
	s         *Scheduler
	rec       *record
	lastPhase archive.Phase
	lastPct   float64
	sent      bool
}

func (p *progressReporter) report(update archive.Progress) {
	if update.Phase == archive.PhaseAborted {
		return
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	rec := p.rec
	rec.phase = string(update.Phase)
	rec.totalBytes = update.TotalBytes
	if update.ProcessedBytes > rec.processed {
		rec.processed = update.ProcessedBytes
	}
	if update.Percent > rec.percent {
		rec.percent = update.Percent
	}

	if p.sent && update.Phase == p.lastPhase && rec.percent-p.lastPct < 0.1 && rec.percent < 100 {
		return
	}
	p.sent = true
	p.lastPhase = update.Phase
	p.lastPct = rec.percent
	p.s.publish(rec, progress.Event{
		Type:           progress.EventProgress,
		Phase:          string(update.Phase),
		Percent:        rec.percent,
		ProcessedBytes: rec.processed,
		TotalBytes:     rec.totalBytes,
	})
}
