// Package artifactcache tracks built archives on disk.
//
// Artifacts live under <dir>/shared and are indexed in a small SQLite
// database keyed by fingerprint. Tiers are computed on every lookup from the
// entry's age: hot inside the configured window, warm after it, and a miss once
// the entry expires or its file disappears. Put publishes a staged archive and
// only deletes the replaced file after the index commit, so a fingerprint never
// loses its last valid artifact to a failed write. Sweep is the janitor: it
// expires old entries, evicts least recently used ones (warm before hot) down
// to the disk budget, and reconciles files the index does not know about.
package artifactcache
