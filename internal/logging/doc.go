// Package logging assembles structured slog loggers and formatting helpers used
// across zipline services.
//
// It owns the console/JSON handlers, centralizes level and output plumbing, and
// exposes context-aware helpers so build code can tag log lines with
// fingerprints, job handles, and requester identities. The in-memory StreamHub
// backs the daemon's log tail endpoint, and the ProgressSampler keeps build
// progress from flooding the output.
package logging
