package session

import (
	"fmt"
	"strings"
)

// Storage identifiers are pure functions of business keys: the same keys
// always yield the same identifier, and distinct key tuples of the same
// record kind never collide. Collision resistance does not rely on a
// reserved separator character — application, user, and session names
// are arbitrary caller-chosen strings — so multi-part identifiers
// length-prefix each component ("<len>:<component>") before joining.
// Single-component identifiers pass through unchanged.

// joinKey encodes parts into one injective composite identifier.
func joinKey(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%d:%s", len(p), p)
	}
	return b.String()
}

// SessionKey derives the storage identifier of a session record.
func SessionKey(appName, userID, sessionID string) string {
	return joinKey(appName, userID, sessionID)
}

// EventKey derives the storage identifier of an event record.
func EventKey(eventID, appName, userID, sessionID string) string {
	return joinKey(eventID, appName, userID, sessionID)
}

// AppStateKey derives the storage identifier of an application state
// record; the application name alone is already unique for its kind.
func AppStateKey(appName string) string { return appName }

// UserStateKey derives the storage identifier of a user state record.
func UserStateKey(appName, userID string) string {
	return joinKey(appName, userID)
}

// MetadataKey derives the storage identifier of a metadata record.
func MetadataKey(key string) string { return key }
