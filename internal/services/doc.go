// Package services defines shared utilities consumed by the build pipeline and
// the daemon's HTTP surface.
//
// Key responsibilities:
//   - Context helpers that stamp fingerprints, job handles, requester
//     identities, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify build
//     failures into the reasons broadcast to waiting requesters.
//
// Use these helpers when wiring new pipeline code so error handling and
// observability stay uniform.
package services
