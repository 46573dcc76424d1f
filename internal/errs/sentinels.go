// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Common sentinels across repo/service/core layers.
var (
	// ErrUnauthorized indicates a missing, invalid or expired credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller that is not permitted.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (duplicate name, duplicate membership).
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates a malformed payload or a missing required field.
	ErrValidation = errors.New("validation")

	// ErrStorageUnavailable indicates the store is transiently down; callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBackpressure indicates an outbound queue stayed full past its deadline.
	ErrBackpressure = errors.New("backpressure")

	// ErrRateLimited indicates temporary lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")
)

// Wire codes carried by ERROR frames and HTTP error bodies.
const (
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not-found"
	CodeConflict           = "conflict"
	CodeValidation         = "validation"
	CodeStorageUnavailable = "storage-unavailable"
	CodeBackpressure       = "backpressure"
	CodeRateLimited        = "rate-limited"
	CodeInternal           = "internal"
)

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Code returns the stable wire code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeConflict
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, ErrBackpressure):
		return CodeBackpressure
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to the HTTP status the API answers with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeStorageUnavailable, CodeBackpressure:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
