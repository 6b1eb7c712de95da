// Package progress fans build lifecycle events out to the requesters attached
// to a build.
//
// Events for one fingerprint carry a sequence number and are delivered in
// publish order. Readers either subscribe (push) or poll for events after the
// last sequence they saw (pull). A terminal event (ready, failed, canceled) is
// always the last event of a build and closes every subscription. An optional
// Redis relay republishes events for push transports in other processes.
package progress
