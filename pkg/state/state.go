// Package state implements the hierarchical state model shared by
// conversational sessions. A flat key/value delta can address three
// durable scopes at once: keys prefixed with "app:" target state shared
// by every session of an application, keys prefixed with "user:" target
// state shared by every session of one user, and unprefixed keys stay
// local to a single session. Keys prefixed with "temp:" live only for
// the duration of an invocation and are never persisted.
//
// Route splits a delta into its scoped fragments; Merge reassembles the
// three stored fragments into the effective state a reader sees. The two
// are inverses: Merge(Route(d)) reproduces d for any delta free of temp
// keys.
package state

import "strings"

// Scope prefixes. A session-local key that happens to start with one of
// these prefixes by the caller's own choice is indistinguishable from a
// scoped key; avoiding that collision is the caller's responsibility.
const (
	// AppPrefix marks keys stored in application-scoped state.
	AppPrefix = "app:"
	// UserPrefix marks keys stored in user-scoped state.
	UserPrefix = "user:"
	// TempPrefix marks invocation-scoped keys that are never persisted.
	TempPrefix = "temp:"
)

// Route partitions a flat delta into application, user, and session
// fragments, stripping the scope prefix from app and user keys. Every
// key of delta lands in exactly one fragment; the input is not mutated.
// A key that is exactly a prefix (empty remainder) is legal and routes
// to its scope with an empty key.
func Route(delta map[string]any) (app, user, session map[string]any) {
	app = make(map[string]any)
	user = make(map[string]any)
	session = make(map[string]any)
	for k, v := range delta {
		switch {
		case strings.HasPrefix(k, AppPrefix):
			app[strings.TrimPrefix(k, AppPrefix)] = v
		case strings.HasPrefix(k, UserPrefix):
			user[strings.TrimPrefix(k, UserPrefix)] = v
		default:
			session[k] = v
		}
	}
	return app, user, session
}

// Merge combines the three stored scope fragments into one effective
// state map. Session-local keys appear unprefixed; app and user keys are
// re-prefixed so the origin of every key stays visible to consumers. The
// inputs are not mutated. Merge must be computed from freshly read
// fragments on every session read; the fragments are disjoint namespaces
// by construction, so insertion order does not matter.
func Merge(app, user, session map[string]any) map[string]any {
	merged := make(map[string]any, len(app)+len(user)+len(session))
	for k, v := range session {
		merged[k] = v
	}
	for k, v := range app {
		merged[AppPrefix+k] = v
	}
	for k, v := range user {
		merged[UserPrefix+k] = v
	}
	return merged
}

// WithoutTemp returns a copy of delta with all temp-prefixed keys
// removed. Persistence paths call this before routing so that
// invocation-scoped values never reach durable storage.
func WithoutTemp(delta map[string]any) map[string]any {
	out := make(map[string]any, len(delta))
	for k, v := range delta {
		if strings.HasPrefix(k, TempPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}
