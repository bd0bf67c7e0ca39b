package pipeline

import "errors"

// Sentinel errors shared across subsystems.
var (
	// ErrLockUnavailable marks lock-store infrastructure failures. Callers
	// must keep it distinct from a lock denial: an outage is not a
	// successful deduplication.
	ErrLockUnavailable = errors.New("lock store unavailable")

	// ErrUnknownSource marks a trigger or job referencing a source code
	// that is not configured. Fatal for the run, never retried.
	ErrUnknownSource = errors.New("unknown source")

	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
)
