package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnreadable marks a requested folder that is missing or cannot be read.
	ErrSourceUnreadable = errors.New("source unreadable")
	// ErrIOFailure marks write, disk-space, or other I/O failures while building.
	ErrIOFailure = errors.New("io failure")
	// ErrCanceled marks a cooperative abort once every requester detached.
	ErrCanceled = errors.New("canceled")
	// ErrCacheWrite marks an artifact that was built but could not be recorded.
	ErrCacheWrite    = errors.New("cache write failure")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)

// Failure reasons carried by failed build events.
const (
	ReasonSourceUnreadable = "source_unreadable"
	ReasonIOFailure        = "io_failure"
	ReasonCacheWrite       = "cache_write_failure"
	ReasonCanceled         = "canceled"
	ReasonInternal         = "internal_error"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrIOFailure
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsCanceled reports whether err represents a cooperative cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// FailureReason maps a build error to the reason string broadcast to requesters.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCanceled(err):
		return ReasonCanceled
	case errors.Is(err, ErrSourceUnreadable):
		return ReasonSourceUnreadable
	case errors.Is(err, ErrCacheWrite):
		return ReasonCacheWrite
	case errors.Is(err, ErrIOFailure):
		return ReasonIOFailure
	default:
		return ReasonInternal
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "build failure"
	}
	return strings.Join(parts, ": ")
}
