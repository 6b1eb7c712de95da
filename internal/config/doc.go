// Package config loads, normalizes, and validates zipline configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ZIPLINE_API_TOKEN and ZIPLINE_SIGNING_KEY. The Config type centralizes every
// knob the daemon and CLI need: where sources live, where artifacts are kept,
// how long an artifact stays hot, and how many builds may run at once.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, parsed durations, and clear validation errors.
package config
