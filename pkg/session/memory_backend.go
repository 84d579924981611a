package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is a volatile Backend storing all records in process
// local maps. It is safe for concurrent use and best suited for tests
// and examples. State maps are copied on the way in and out so callers
// cannot mutate stored records; events are immutable after append and
// shared by reference.
type MemoryBackend struct {
	mu         sync.RWMutex
	appStates  map[string]*AppStateRecord
	userStates map[string]*UserStateRecord
	sessions   map[string]*SessionRecord
	events     map[string][]*EventRecord
	metadata   map[string]string
	closed     bool
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		appStates:  make(map[string]*AppStateRecord),
		userStates: make(map[string]*UserStateRecord),
		sessions:   make(map[string]*SessionRecord),
		events:     make(map[string][]*EventRecord),
		metadata:   make(map[string]string),
	}
}

func copyState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetAppState retrieves an application state record.
func (b *MemoryBackend) GetAppState(ctx context.Context, appName string) (*AppStateRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	rec, ok := b.appStates[AppStateKey(appName)]
	if !ok {
		return nil, ErrStateNotFound
	}
	cp := *rec
	cp.State = copyState(rec.State)
	return &cp, nil
}

// PutAppState creates or replaces an application state record.
func (b *MemoryBackend) PutAppState(ctx context.Context, rec *AppStateRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	cp := *rec
	cp.State = copyState(rec.State)
	b.appStates[AppStateKey(rec.AppName)] = &cp
	return nil
}

// GetUserState retrieves a user state record.
func (b *MemoryBackend) GetUserState(ctx context.Context, appName, userID string) (*UserStateRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	rec, ok := b.userStates[UserStateKey(appName, userID)]
	if !ok {
		return nil, ErrStateNotFound
	}
	cp := *rec
	cp.State = copyState(rec.State)
	return &cp, nil
}

// PutUserState creates or replaces a user state record.
func (b *MemoryBackend) PutUserState(ctx context.Context, rec *UserStateRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	cp := *rec
	cp.State = copyState(rec.State)
	b.userStates[UserStateKey(rec.AppName, rec.UserID)] = &cp
	return nil
}

// ListUserStates returns all user state records of an application.
func (b *MemoryBackend) ListUserStates(ctx context.Context, appName string) ([]*UserStateRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	var out []*UserStateRecord
	for _, rec := range b.userStates {
		if rec.AppName != appName {
			continue
		}
		cp := *rec
		cp.State = copyState(rec.State)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// InsertSession stores a new session record.
func (b *MemoryBackend) InsertSession(ctx context.Context, rec *SessionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	key := SessionKey(rec.AppName, rec.UserID, rec.SessionID)
	if _, ok := b.sessions[key]; ok {
		return ErrSessionAlreadyExists
	}
	cp := *rec
	cp.State = copyState(rec.State)
	b.sessions[key] = &cp
	return nil
}

// ReplaceSession fully replaces an existing session record.
func (b *MemoryBackend) ReplaceSession(ctx context.Context, rec *SessionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	cp := *rec
	cp.State = copyState(rec.State)
	b.sessions[SessionKey(rec.AppName, rec.UserID, rec.SessionID)] = &cp
	return nil
}

// GetSession retrieves a session record.
func (b *MemoryBackend) GetSession(ctx context.Context, appName, userID, sessionID string) (*SessionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	rec, ok := b.sessions[SessionKey(appName, userID, sessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *rec
	cp.State = copyState(rec.State)
	return &cp, nil
}

// ListSessions returns the session records of an application, optionally
// restricted to one user.
func (b *MemoryBackend) ListSessions(ctx context.Context, appName, userID string) ([]*SessionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	var out []*SessionRecord
	for _, rec := range b.sessions {
		if rec.AppName != appName {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		cp := *rec
		cp.State = copyState(rec.State)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// DeleteSession removes a session record. Missing sessions are ignored.
func (b *MemoryBackend) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	delete(b.sessions, SessionKey(appName, userID, sessionID))
	return nil
}

// InsertEvent appends an event record.
func (b *MemoryBackend) InsertEvent(ctx context.Context, rec *EventRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	key := SessionKey(rec.AppName, rec.UserID, rec.SessionID)
	cp := *rec
	b.events[key] = append(b.events[key], &cp)
	return nil
}

// ListEvents returns a session's events matching the query, ascending by
// timestamp.
func (b *MemoryBackend) ListEvents(ctx context.Context, appName, userID, sessionID string, q EventQuery) ([]*EventRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	var out []*EventRecord
	for _, rec := range b.events[SessionKey(appName, userID, sessionID)] {
		if !q.AfterTimestamp.IsZero() && rec.Timestamp.Before(q.AfterTimestamp) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// CountEvents returns the number of events stored for a session.
func (b *MemoryBackend) CountEvents(ctx context.Context, appName, userID, sessionID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrBackendClosed
	}
	return int64(len(b.events[SessionKey(appName, userID, sessionID)])), nil
}

// DeleteEvents removes all events of a session.
func (b *MemoryBackend) DeleteEvents(ctx context.Context, appName, userID, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	delete(b.events, SessionKey(appName, userID, sessionID))
	return nil
}

// GetMetadata retrieves a bookkeeping value.
func (b *MemoryBackend) GetMetadata(ctx context.Context, key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", ErrBackendClosed
	}
	v, ok := b.metadata[MetadataKey(key)]
	if !ok {
		return "", ErrMetadataNotFound
	}
	return v, nil
}

// PutMetadata creates or replaces a bookkeeping value.
func (b *MemoryBackend) PutMetadata(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.metadata[MetadataKey(key)] = value
	return nil
}

// Close marks the backend closed; subsequent operations fail with
// ErrBackendClosed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
