package services

import "errors"

// Sentinel errors surfaced across the recorder boundary. Handlers match
// these with errors.Is and translate them to HTTP status codes.
var (
	// ErrModOrVersionNotFound is returned when the requested mod or the
	// requested version of it does not exist
	ErrModOrVersionNotFound = errors.New("mod or version not found")

	// ErrStoreUnavailable is returned under the fail-closed policy when the
	// quota store or event log cannot be reached
	ErrStoreUnavailable = errors.New("quota store unavailable")

	// ErrValidation is returned for malformed download requests
	ErrValidation = errors.New("invalid download request")

	// ErrAttemptInProgress is returned when an idempotency key is already
	// reserved by an attempt that has not produced a result yet
	ErrAttemptInProgress = errors.New("download attempt already in progress")
)
