package api

import (
	"errors"
	"fmt"
	"net/http"

	"zipline/internal/build"
	"zipline/internal/delivery"
	"zipline/internal/services"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeNotAttached  = "not_attached"
	CodeNotReady     = "not_ready"
	CodeUnreadable   = "source_unreadable"
	CodeCanceled     = "canceled"
	CodeUnauthorized = "unauthorized"
	CodeLinkInvalid  = "link_invalid"
	CodeLinkExpired  = "link_expired"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// Error is a decoded API error.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Is lets callers match decoded errors against the domain sentinels.
func (e *Error) Is(target error) bool {
	marker, ok := codeMarkers[e.Code]
	return ok && marker == target
}

var codeMarkers = map[string]error{
	CodeValidation:  services.ErrValidation,
	CodeNotFound:    services.ErrNotFound,
	CodeNotAttached: build.ErrNotAttached,
	CodeNotReady:    delivery.ErrNotReady,
	CodeUnreadable:  services.ErrSourceUnreadable,
	CodeCanceled:    services.ErrCanceled,
	CodeLinkInvalid: delivery.ErrSignatureInvalid,
	CodeLinkExpired: delivery.ErrLinkExpired,
}

// Classify maps a domain error to an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, services.ErrSourceUnreadable):
		return http.StatusNotFound, CodeUnreadable
	case errors.Is(err, build.ErrNotAttached):
		return http.StatusForbidden, CodeNotAttached
	case errors.Is(err, delivery.ErrSignatureInvalid):
		return http.StatusForbidden, CodeLinkInvalid
	case errors.Is(err, delivery.ErrLinkExpired):
		return http.StatusGone, CodeLinkExpired
	case errors.Is(err, delivery.ErrNotReady):
		return http.StatusConflict, CodeNotReady
	case errors.Is(err, build.ErrClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	case services.IsCanceled(err):
		return http.StatusConflict, CodeCanceled
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
