// Package build schedules archive builds.
//
// The Scheduler keeps at most one live record per fingerprint. Requesters
// that ask for a folder already being built attach to the existing record
// instead of starting another build. Builds run on a bounded worker pool and
// are canceled only once every attached requester has detached. A successful
// build is written to the artifact cache exactly once before the ready event
// is broadcast.
package build
