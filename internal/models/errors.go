package models

import "errors"

var (
	// ErrInvalidConfig is returned for malformed pool or request parameters.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNotFound is returned when a referenced pool, request or rider is absent.
	ErrNotFound = errors.New("not found")

	// ErrTimeConflict is returned when a window is incompatible with the pool window.
	ErrTimeConflict = errors.New("time conflict")

	// ErrInvalidTransition is returned for an illegal request status change.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStorageUnavailable aborts the current operation; the caller must retry it.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPaymentFailed is returned when a seat deposit could not be held.
	ErrPaymentFailed = errors.New("payment failed")
)

// ErrorCode maps an error onto the public error taxonomy.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig):
		return "InvalidConfig"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrTimeConflict):
		return "TimeConflict"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrStorageUnavailable):
		return "StorageUnavailable"
	case errors.Is(err, ErrPaymentFailed):
		return "PaymentFailed"
	default:
		return "Internal"
	}
}
