package pattern

import "errors"

var (
	// ErrNotFound is returned when a pattern or solution id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input. Nothing is written.
	ErrValidation = errors.New("validation failed")

	// ErrStoreUnavailable is returned when a store is closed, locked, or
	// otherwise cannot accept the operation.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSyncTransient marks a network or remote failure that may succeed
	// on retry.
	ErrSyncTransient = errors.New("transient sync failure")

	// ErrSyncConflict is returned when a record is marked synced with a
	// central id different from the one it already holds.
	ErrSyncConflict = errors.New("sync conflict")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSyncTransient) || errors.Is(err, ErrStoreUnavailable)
}
