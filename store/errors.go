package store

import "errors"

// Error kinds shared by every adapter. Callers classify failures with
// errors.Is rather than matching on concrete types.
var (
	// ErrNotFound indicates the task or resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness collision or a concurrent-processing
	// guard trip.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument indicates caller misuse (unknown queue, malformed
	// chain, out-of-range percentage).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBackend indicates a storage or dispatcher I/O failure. Transient
	// backend failures may be retried by the caller; adapters do not retry
	// internally.
	ErrBackend = errors.New("backend failure")
)
