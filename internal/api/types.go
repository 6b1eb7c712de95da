package api

import (
	"time"

	"zipline/internal/artifactcache"
	"zipline/internal/build"
	"zipline/internal/delivery"
	"zipline/internal/logging"
	"zipline/internal/progress"
)

// RequesterHeader carries the requester identity on API calls.
const RequesterHeader = "X-Requester-ID"

// ResolveRequest asks for a folder's archive.
type ResolveRequest struct {
	Path      string `json:"path"`
	Requester string `json:"requester,omitempty"`
}

// ResolveResponse wraps a resolution.
type ResolveResponse struct {
	Resolution delivery.Resolution `json:"resolution"`
}

// JobResponse wraps a build record.
type JobResponse struct {
	Job build.Record `json:"job"`
}

// CancelRequest detaches a requester from a job or, with Path set, from
// whatever build serves that folder.
type CancelRequest struct {
	Requester string `json:"requester,omitempty"`
	Path      string `json:"path,omitempty"`
}

// CancelResponse reports the outcome of a detach.
type CancelResponse struct {
	Result build.CancelResult `json:"result"`
}

// EventsResponse is the long-poll form of a job's progress stream.
type EventsResponse struct {
	Events []progress.Event `json:"events"`
	Next   uint64           `json:"next"`
	Done   bool             `json:"done"`
}

// CacheStatsResponse wraps cache totals.
type CacheStatsResponse struct {
	Stats artifactcache.Stats `json:"stats"`
}

// CacheEntriesResponse lists cached artifacts, most recently used first.
type CacheEntriesResponse struct {
	Entries []artifactcache.EntryStatus `json:"entries"`
}

// SweepResponse reports a janitor pass.
type SweepResponse struct {
	Result artifactcache.SweepResult `json:"result"`
}

// EvictResponse reports whether an entry was removed.
type EvictResponse struct {
	Evicted bool `json:"evicted"`
}

// LogStreamResponse is a page of daemon log events.
type LogStreamResponse struct {
	Events []logging.LogEvent `json:"events"`
	Next   uint64             `json:"next"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status       string    `json:"status"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	ActiveBuilds int       `json:"active_builds"`
	CacheEntries int       `json:"cache_entries"`
	CacheBytes   int64     `json:"cache_bytes"`
	FreeBytes    uint64    `json:"free_bytes"`
	RelayEnabled bool      `json:"relay_enabled"`
	CacheError   string    `json:"cache_error,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
