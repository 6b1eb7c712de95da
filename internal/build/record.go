package build

import (
	"context"
	"sort"
	"time"

	"zipline/internal/artifactcache"
	"zipline/internal/fingerprint"
	"zipline/internal/services"
)

// State is a build record's lifecycle state.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateCanceled
}

// Record is a point-in-time copy of a build record.
type Record struct {
	ID                string                  `json:"id"`
	Fingerprint       fingerprint.Fingerprint `json:"fingerprint"`
	State             State                   `json:"state"`
	SourcePath        string                  `json:"source_path"`
	SourceTotalBytes  int64                   `json:"source_total_bytes"`
	ProcessedBytes    int64                   `json:"processed_bytes"`
	Percent           float64                 `json:"percent"`
	Phase             string                  `json:"phase,omitempty"`
	ArtifactName      string                  `json:"artifact_name,omitempty"`
	ArtifactPath      string                  `json:"artifact_path,omitempty"`
	ArtifactSizeBytes int64                   `json:"artifact_size_bytes,omitempty"`
	Requesters        []string                `json:"requesters"`
	CreatedAt         time.Time               `json:"created_at"`
	StartedAt         time.Time               `json:"started_at,omitzero"`
	CompletedAt       time.Time               `json:"completed_at,omitzero"`
	Reason            string                  `json:"reason,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

// HasRequester reports whether requester is attached.
func (r Record) HasRequester(requester string) bool {
	for _, id := range r.Requesters {
		if id == requester {
			return true
		}
	}
	return false
}

// record is the scheduler-owned mutable state; every field is guarded by
// Scheduler.mu.
type record struct {
	id          string
	fp          fingerprint.Fingerprint
	state       State
	sourcePath  string
	sourceBytes int64
	requesters  map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	// committing is set once the archive is complete and the cache write has
	// begun; detaching after that point no longer cancels.
	committing bool
	// after, when set, is the done channel of a canceled attempt at the same
	// fingerprint that must finish before this one may start.
	after <-chan struct{}

	totalBytes int64
	processed  int64
	percent    float64
	phase      string

	artifact artifactcache.Entry
	err      error

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	done        chan struct{}
}

func (r *record) requesterList() []string {
	out := make([]string, 0, len(r.requesters))
	for id := range r.requesters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *record) snapshot() Record {
	snap := Record{
		ID:               r.id,
		Fingerprint:      r.fp,
		State:            r.state,
		SourcePath:       r.sourcePath,
		SourceTotalBytes: r.totalBytes,
		ProcessedBytes:   r.processed,
		Percent:          r.percent,
		Phase:            r.phase,
		Requesters:       r.requesterList(),
		CreatedAt:        r.createdAt,
		StartedAt:        r.startedAt,
		CompletedAt:      r.completedAt,
	}
	if r.state == StateReady {
		snap.ArtifactName = r.artifact.Name
		snap.ArtifactPath = r.artifact.Path
		snap.ArtifactSizeBytes = r.artifact.SizeBytes
	}
	if r.err != nil {
		snap.Error = r.err.Error()
		snap.Reason = services.FailureReason(r.err)
	}
	return snap
}
