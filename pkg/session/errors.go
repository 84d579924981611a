package session

import "errors"

// Error taxonomy for store operations. Backends and the Service wrap
// these sentinels with fmt.Errorf("...: %w", ...) so callers can branch
// with errors.Is.
var (
	// ErrSessionAlreadyExists is returned when creating a session whose
	// identity already exists. Caller error; not retryable.
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when mutating or loading a session
	// record that does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStaleSession is returned by AppendEvent when the stored session
	// was updated after the caller's session view was fetched. The caller
	// must reload the session and retry.
	ErrStaleSession = errors.New("stale session")

	// ErrStateNotFound is returned by backends when an application or
	// user state record is absent. Read paths treat this as empty state,
	// never as a failure.
	ErrStateNotFound = errors.New("state record not found")

	// ErrMetadataNotFound is returned when a metadata key is absent.
	ErrMetadataNotFound = errors.New("metadata not found")

	// ErrUnavailable wraps transport failures of the underlying store.
	// Transient; callers may retry with backoff. The store never retries
	// internally.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrBackendClosed is returned when operating on a closed backend.
	ErrBackendClosed = errors.New("storage backend is closed")
)
