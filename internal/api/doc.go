// Package api defines the wire types for the ziplined HTTP API and a small
// client that the CLI uses to talk to a running daemon.
//
// Response payloads embed the domain snapshots (delivery.Resolution,
// build.Record, artifactcache.Stats) directly rather than mirroring them, so
// the JSON field names are owned by those packages. Errors are always
// {"error": "...", "code": "..."}; Client turns them back into *Error values
// whose Code can be matched with errors.Is against the sentinel codes below.
//
// Timestamps are RFC3339 with nanoseconds as produced by encoding/json.
package api
