package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zipline/internal/artifactcache"
	"zipline/internal/build"
	"zipline/internal/fingerprint"
	"zipline/internal/logging"
	"zipline/internal/services"
)

// ErrNotReady is returned by URLFor before a build has produced its artifact.
var ErrNotReady = errors.New("artifact not ready")

// Status is the kind of answer Resolve gives.
type Status string

const (
	StatusArtifactReady Status = "artifact_ready"
	StatusQueued        Status = "queued_user_job"
)

// Resolution answers a delivery request.
type Resolution struct {
	Status      Status                  `json:"status"`
	Path        string                  `json:"path"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`

	// Set for artifact_ready.
	Tier         artifactcache.Tier `json:"tier,omitempty"`
	URL          string             `json:"url,omitempty"`
	ExpiresAt    time.Time          `json:"expires_at,omitzero"`
	ArtifactName string             `json:"artifact_name,omitempty"`
	SizeBytes    int64              `json:"size_bytes,omitempty"`

	// Set for queued_user_job.
	JobID    string      `json:"job_id,omitempty"`
	Attached bool        `json:"attached,omitempty"`
	State    build.State `json:"state,omitempty"`
}

// ArtifactLookup is the read side of the artifact cache.
type ArtifactLookup interface {
	Lookup(ctx context.Context, fp fingerprint.Fingerprint) (artifactcache.Result, error)
	Touch(ctx context.Context, fp fingerprint.Fingerprint) error
}

// BuildScheduler is the scheduler surface the resolver drives.
type BuildScheduler interface {
	RequestBuild(ctx context.Context, fp fingerprint.Fingerprint, sourcePath, requester string, opts ...build.RequestOption) (build.Handle, error)
	Cancel(fp fingerprint.Fingerprint, requester string) (build.CancelResult, error)
	CancelJob(jobID, requester string) (build.CancelResult, error)
	CancelSource(sourcePath, requester string) (build.CancelResult, error)
	Invalidate(fp fingerprint.Fingerprint, jobID string) bool
	Record(jobID string) (build.Record, bool)
}

// Resolver is the single entry point for delivery requests.
type Resolver struct {
	root          string
	fingerprinter *fingerprint.Fingerprinter
	cache         ArtifactLookup
	scheduler     BuildScheduler
	signer        *Signer
	logger        *slog.Logger
}

// NewResolver wires a resolver. root confines every requested path.
func NewResolver(root string, fingerprinter *fingerprint.Fingerprinter, cache ArtifactLookup, scheduler BuildScheduler, signer *Signer, logger *slog.Logger) *Resolver {
	return &Resolver{
		root:          filepath.Clean(root),
		fingerprinter: fingerprinter,
		cache:         cache,
		scheduler:     scheduler,
		signer:        signer,
		logger:        logging.NewComponentLogger(logger, "delivery"),
	}
}

type target struct {
	normalized string
	dir        string
	version    fingerprint.Version
	fp         fingerprint.Fingerprint
}

// confine validates requestPath and resolves it to a folder inside the
// source root.
func (r *Resolver) confine(requestPath string) (string, error) {
	if strings.TrimSpace(requestPath) == "" {
		return "", fmt.Errorf("%w: path is required", services.ErrValidation)
	}
	if strings.ContainsRune(requestPath, 0) {
		return "", fmt.Errorf("%w: path contains NUL", services.ErrValidation)
	}
	normalized := fingerprint.NormalizePath(requestPath)
	dir := filepath.Join(r.root, filepath.FromSlash(normalized))

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", services.Wrap(services.ErrSourceUnreadable, "delivery", "resolve", normalized, err)
	}
	rootResolved, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return "", services.Wrap(services.ErrSourceUnreadable, "delivery", "resolve", "source root", err)
	}
	if rel, err := filepath.Rel(rootResolved, resolved); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the source root", services.ErrValidation, normalized)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", services.Wrap(services.ErrSourceUnreadable, "delivery", "resolve", normalized, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a folder", services.ErrValidation, normalized)
	}
	return resolved, nil
}

// locate confines requestPath and fingerprints the folder.
func (r *Resolver) locate(requestPath, requester string) (target, error) {
	resolved, err := r.confine(requestPath)
	if err != nil {
		return target{}, err
	}
	version, err := r.fingerprinter.Snapshot(resolved)
	if err != nil {
		return target{}, err
	}
	normalized := fingerprint.NormalizePath(requestPath)
	return target{
		normalized: normalized,
		dir:        resolved,
		version:    version,
		fp:         r.fingerprinter.Fingerprint(normalized, requester, version),
	}, nil
}

// Resolve returns artifact_ready with a signed URL when a servable artifact
// exists, otherwise attaches requester to the folder's build and returns
// queued_user_job.
func (r *Resolver) Resolve(ctx context.Context, requestPath, requester string) (Resolution, error) {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return Resolution{}, fmt.Errorf("%w: requester is required", services.ErrValidation)
	}
	tgt, err := r.locate(requestPath, requester)
	if err != nil {
		return Resolution{}, err
	}
	ctx = services.WithFingerprint(services.WithRequester(ctx, requester), tgt.fp.String())
	logger := logging.WithContext(ctx, r.logger)

	if res, ok, err := r.fromCache(ctx, tgt); err != nil || ok {
		if ok {
			logger.Info("artifact served from cache",
				logging.String("tier", string(res.Tier)),
				logging.String("artifact", res.ArtifactName),
				logging.String(logging.FieldEventType, "delivery_hit"),
			)
		}
		return res, err
	}

	handle, err := r.scheduler.RequestBuild(ctx, tgt.fp, tgt.dir, requester, build.WithSourceBytes(tgt.version.Bytes))
	if err != nil {
		return Resolution{}, err
	}
	if handle.State == build.StateReady {
		// The build finished between our lookup and the request.
		if res, ok, err := r.fromCache(ctx, tgt); err != nil || ok {
			return res, err
		}
		// The lingering record outlived its artifact.
		r.scheduler.Invalidate(tgt.fp, handle.JobID)
		logger.Info("ready build lost its artifact; rebuilding",
			logging.String(logging.FieldJobID, handle.JobID),
			logging.String(logging.FieldEventType, "delivery_rebuild"),
		)
		handle, err = r.scheduler.RequestBuild(ctx, tgt.fp, tgt.dir, requester, build.WithSourceBytes(tgt.version.Bytes))
		if err != nil {
			return Resolution{}, err
		}
	}
	logger.Info("delivery queued",
		logging.String(logging.FieldJobID, handle.JobID),
		logging.Bool("attached", handle.Attached),
		logging.String(logging.FieldEventType, "delivery_queued"),
	)
	return Resolution{
		Status:      StatusQueued,
		Path:        tgt.normalized,
		Fingerprint: tgt.fp,
		JobID:       handle.JobID,
		Attached:    handle.Attached,
		State:       handle.State,
	}, nil
}

func (r *Resolver) fromCache(ctx context.Context, tgt target) (Resolution, bool, error) {
	res, err := r.cache.Lookup(ctx, tgt.fp)
	if err != nil {
		return Resolution{}, false, err
	}
	if !res.Hit() {
		return Resolution{}, false, nil
	}
	if err := r.cache.Touch(ctx, tgt.fp); err != nil {
		logging.WarnWithContext(r.logger, "artifact access not recorded", "delivery_touch_failed",
			logging.String(logging.FieldFingerprint, tgt.fp.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "eviction order may treat this artifact as idle"),
		)
	}
	requester, _ := services.RequesterFromContext(ctx)
	link, expires := r.signer.Issue(res.Entry.Name, requester)
	return Resolution{
		Status:       StatusArtifactReady,
		Path:         tgt.normalized,
		Fingerprint:  tgt.fp,
		Tier:         res.Tier,
		URL:          link,
		ExpiresAt:    expires,
		ArtifactName: res.Entry.Name,
		SizeBytes:    res.Entry.SizeBytes,
	}, true, nil
}

// URLFor issues a download link for a finished job. Only requesters attached
// to the job may ask. A job whose artifact has since left the cache is
// reported as not found so the caller resolves again.
func (r *Resolver) URLFor(ctx context.Context, jobID, requester string) (Resolution, error) {
	rec, ok := r.scheduler.Record(jobID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: unknown job %s", services.ErrNotFound, jobID)
	}
	if !rec.HasRequester(requester) {
		return Resolution{}, build.ErrNotAttached
	}
	if rec.State != build.StateReady {
		return Resolution{}, fmt.Errorf("%w: job %s is %s", ErrNotReady, jobID, rec.State)
	}
	lookup, err := r.cache.Lookup(ctx, rec.Fingerprint)
	if err != nil {
		return Resolution{}, err
	}
	if !lookup.Hit() || lookup.Entry.Name != rec.ArtifactName {
		r.scheduler.Invalidate(rec.Fingerprint, rec.ID)
		return Resolution{}, fmt.Errorf("%w: artifact for job %s was evicted; resolve the path again", services.ErrNotFound, jobID)
	}
	link, expires := r.signer.Issue(rec.ArtifactName, requester)
	return Resolution{
		Status:       StatusArtifactReady,
		Path:         rec.SourcePath,
		Fingerprint:  rec.Fingerprint,
		Tier:         lookup.Tier,
		URL:          link,
		ExpiresAt:    expires,
		ArtifactName: rec.ArtifactName,
		SizeBytes:    rec.ArtifactSizeBytes,
		JobID:        rec.ID,
		State:        rec.State,
	}, nil
}

// Cancel detaches requester from a job.
func (r *Resolver) Cancel(_ context.Context, jobID, requester string) (build.CancelResult, error) {
	return r.scheduler.CancelJob(jobID, requester)
}

// CancelPath detaches requester from whatever build serves requestPath. The
// build is found by folder rather than fingerprint, so edits made to the
// folder after the request do not hide it.
func (r *Resolver) CancelPath(_ context.Context, requestPath, requester string) (build.CancelResult, error) {
	dir, err := r.confine(requestPath)
	if err != nil {
		return build.CancelResult{}, err
	}
	return r.scheduler.CancelSource(dir, requester)
}

// Signer exposes the link signer for the download handler.
func (r *Resolver) Signer() *Signer { return r.signer }
