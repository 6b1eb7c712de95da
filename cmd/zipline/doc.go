// Command zipline is the operator and client CLI for the zipline archive
// daemon.
//
// Most commands talk to a running ziplined over its HTTP API (api_bind from
// the config, or --api). `zipline serve` runs the daemon in the foreground,
// and `zipline build` archives a folder locally without a daemon. Every
// read-only command accepts --json for scripting.
package main
