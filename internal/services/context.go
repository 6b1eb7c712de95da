package services

import "context"

type contextKey string

const (
	fingerprintKey contextKey = "fingerprint"
	jobIDKey       contextKey = "job_id"
	requesterKey   contextKey = "requester"
	requestIDKey   contextKey = "request_id"
)

// WithFingerprint annotates context with the artifact fingerprint.
func WithFingerprint(ctx context.Context, fp string) context.Context {
	if fp == "" {
		return ctx
	}
	return context.WithValue(ctx, fingerprintKey, fp)
}

// FingerprintFromContext returns the fingerprint if present.
func FingerprintFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, fingerprintKey)
}

// WithJobID annotates context with the build job handle.
func WithJobID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromContext returns the job handle if present.
func JobIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, jobIDKey)
}

// WithRequester annotates context with the requester identity.
func WithRequester(ctx context.Context, requester string) context.Context {
	if requester == "" {
		return ctx
	}
	return context.WithValue(ctx, requesterKey, requester)
}

// RequesterFromContext returns the requester identity if present.
func RequesterFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requesterKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
