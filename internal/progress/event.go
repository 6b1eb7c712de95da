package progress

import (
	"time"

	"zipline/internal/fingerprint"
)

// EventType names a build lifecycle event.
type EventType string

const (
	EventQueued   EventType = "queued"
	EventProgress EventType = "progress"
	EventReady    EventType = "ready"
	EventFailed   EventType = "failed"
	EventCanceled EventType = "canceled"
)

// Terminal reports whether no further events follow t.
func (t EventType) Terminal() bool {
	return t == EventReady || t == EventFailed || t == EventCanceled
}

// Event is one lifecycle notification for a build.
type Event struct {
	Sequence    uint64                  `json:"seq"`
	Type        EventType               `json:"type"`
	JobID       string                  `json:"job_id"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Timestamp   time.Time               `json:"timestamp"`

	Phase          string  `json:"phase,omitempty"`
	Percent        float64 `json:"percent"`
	ProcessedBytes int64   `json:"processed_bytes,omitempty"`
	TotalBytes     int64   `json:"total_bytes,omitempty"`

	// ArtifactName and ArtifactBytes are set on ready.
	ArtifactName  string `json:"artifact_name,omitempty"`
	ArtifactBytes int64  `json:"artifact_bytes,omitempty"`

	// Reason is a services.Reason* value on failed and canceled.
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	// Requesters lists who was attached when the event was published; relays
	// address one copy to each.
	Requesters []string `json:"-"`
}
