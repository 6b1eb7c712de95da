// Package fingerprint derives the cache key for a requested folder.
//
// A Fingerprint is a keyed BLAKE3 digest over the normalized folder path, the
// owner (when artifacts are per-user), and a version signal snapshotted from
// disk, so a folder whose contents change gets a new key while repeat requests
// for an unchanged folder land on the same artifact. The package also names
// artifact files on disk.
package fingerprint
