// Package archive builds zip artifacts from source folders.
//
// A build walks the folder once to fix the total byte count, then streams
// every regular file into the zip in lexical order while reporting progress
// that never decreases and ends at 100. Cancellation is observed between
// entries; an aborted build leaves no output behind.
package archive
