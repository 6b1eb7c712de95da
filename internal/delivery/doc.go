// Package delivery answers "download this folder" requests with either a
// signed link to a cached artifact or a handle to the build producing it.
package delivery
