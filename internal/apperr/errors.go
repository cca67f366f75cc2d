// Package apperr holds the error taxonomy shared by the order service layers.
package apperr

import "errors"

var (
	ErrMissingTenant         = errors.New("tenant id header required")
	ErrMissingIdempotencyKey = errors.New("Idempotency-Key header required")
	ErrConflict              = errors.New("conflict")
	ErrMissingPrecondition   = errors.New("If-Match header required")
	ErrInvalidPrecondition   = errors.New("If-Match header must be an integer version")
	ErrNotFound              = errors.New("order not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrValidation            = errors.New("validation failed")
)

// Code returns the stable machine-readable code for err, or "internal_error".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMissingTenant):
		return "missing_tenant"
	case errors.Is(err, ErrMissingIdempotencyKey):
		return "missing_idempotency_key"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrMissingPrecondition):
		return "missing_if_match"
	case errors.Is(err, ErrInvalidPrecondition):
		return "invalid_if_match"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return "internal_error"
	}
}

// IsClient reports whether err belongs to the taxonomy above rather than an
// infrastructure failure.
func IsClient(err error) bool {
	return Code(err) != "internal_error"
}
