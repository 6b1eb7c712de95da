// Package daemon runs the long-lived zipline process.
//
// It wires configuration, the artifact cache, the archive builder, the build
// scheduler, the progress broadcaster, and the delivery resolver into a
// single lifecycle guarded by a flock so only one daemon owns a state
// directory. Background loops run the cache janitor and the prewarm sweep;
// an echo HTTP server exposes resolve, job, cache, log, and download routes.
//
// Keep orchestration here. Build, cache, and delivery behavior belongs in
// their own packages; the daemon only starts, stops, and connects them.
package daemon
