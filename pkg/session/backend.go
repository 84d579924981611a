package session

import (
	"context"
	"time"
)

// EventQuery filters an event-log read. The zero value selects the full
// log in ascending timestamp order.
type EventQuery struct {
	// AfterTimestamp keeps only events at or after this instant when set.
	AfterTimestamp time.Time
	// Limit keeps only the N most recent matching events when positive.
	Limit int
}

// Backend abstracts the durable document store behind the Service: four
// logical tables (application states, user states, sessions, events)
// plus a metadata table for internal bookkeeping. Implementations must
// be safe for concurrent use, key records by the identity functions of
// this package, and return the package's sentinel errors for missing
// records. Transport failures are wrapped with ErrUnavailable.
type Backend interface {
	// GetAppState retrieves an application state record.
	// Returns ErrStateNotFound if absent.
	GetAppState(ctx context.Context, appName string) (*AppStateRecord, error)

	// PutAppState creates or fully replaces an application state record.
	PutAppState(ctx context.Context, rec *AppStateRecord) error

	// GetUserState retrieves a user state record.
	// Returns ErrStateNotFound if absent.
	GetUserState(ctx context.Context, appName, userID string) (*UserStateRecord, error)

	// PutUserState creates or fully replaces a user state record.
	PutUserState(ctx context.Context, rec *UserStateRecord) error

	// ListUserStates returns all user state records of an application.
	ListUserStates(ctx context.Context, appName string) ([]*UserStateRecord, error)

	// InsertSession stores a new session record.
	// Returns ErrSessionAlreadyExists if the identity is taken.
	InsertSession(ctx context.Context, rec *SessionRecord) error

	// ReplaceSession fully replaces an existing session record.
	ReplaceSession(ctx context.Context, rec *SessionRecord) error

	// GetSession retrieves a session record.
	// Returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, appName, userID, sessionID string) (*SessionRecord, error)

	// ListSessions returns the session records of an application,
	// restricted to one user when userID is non-empty.
	ListSessions(ctx context.Context, appName, userID string) ([]*SessionRecord, error)

	// DeleteSession removes a session record. Deleting a missing session
	// is not an error.
	DeleteSession(ctx context.Context, appName, userID, sessionID string) error

	// InsertEvent appends an immutable event record.
	InsertEvent(ctx context.Context, rec *EventRecord) error

	// ListEvents returns a session's events matching the query, in
	// ascending timestamp order.
	ListEvents(ctx context.Context, appName, userID, sessionID string, q EventQuery) ([]*EventRecord, error)

	// CountEvents returns the number of events stored for a session.
	CountEvents(ctx context.Context, appName, userID, sessionID string) (int64, error)

	// DeleteEvents removes all events of a session.
	DeleteEvents(ctx context.Context, appName, userID, sessionID string) error

	// GetMetadata retrieves an internal bookkeeping value.
	// Returns ErrMetadataNotFound if absent.
	GetMetadata(ctx context.Context, key string) (string, error)

	// PutMetadata creates or replaces an internal bookkeeping value.
	PutMetadata(ctx context.Context, key, value string) error

	// Close releases resources held by the backend.
	Close() error
}
