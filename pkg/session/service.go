package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/convostore/convostore/pkg/state"
)

// Store is the narrow contract the surrounding agent runtime consumes:
// the five session lifecycle operations. Service is the one concrete
// implementation.
type Store interface {
	CreateSession(ctx context.Context, req CreateRequest) (*Session, error)
	GetSession(ctx context.Context, appName, userID, sessionID string, cfg *GetConfig) (*Session, error)
	ListSessions(ctx context.Context, appName, userID string) ([]*Session, error)
	DeleteSession(ctx context.Context, appName, userID, sessionID string) error
	AppendEvent(ctx context.Context, sess *Session, ev *Event) (*Event, error)
}

// Service orchestrates scope routing, merging, and the optimistic
// concurrency protocol over a storage Backend. It holds no in-process
// locks: concurrent appenders to the same session are detected by the
// update-timestamp check and surface as ErrStaleSession instead of
// silently clobbering each other.
type Service struct {
	backend Backend
	states  scopedStateStore
	logger  *slog.Logger
	now     func() time.Time
}

var _ Store = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger. Logging is off by default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the wall clock used for record timestamps. Event
// timestamps are always taken from the events themselves.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a session store over the given backend. The caller
// owns the backend's lifecycle; closing the service closes it.
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.states = scopedStateStore{backend: backend, now: s.now}
	return s
}

// Schema metadata recorded in the backend's bookkeeping table.
const (
	schemaVersionKey = "schema_version"
	schemaVersion    = "1"
)

// EnsureSchema records the store's schema version in the metadata table
// on first use. Idempotent.
func (s *Service) EnsureSchema(ctx context.Context) error {
	_, err := s.backend.GetMetadata(ctx, schemaVersionKey)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrMetadataNotFound) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if err := s.backend.PutMetadata(ctx, schemaVersionKey, schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// CreateSession creates a new session. The initial state delta is routed
// by scope prefix: app and user fragments are applied to their lazily
// created records, the session fragment becomes the new session's local
// state. The returned session carries the effective (merged) state.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (_ *Session, err error) {
	defer func(start time.Time) { observe("create_session", start, err) }(time.Now())

	if req.SessionID != "" {
		_, err := s.backend.GetSession(ctx, req.AppName, req.UserID, req.SessionID)
		if err == nil {
			return nil, fmt.Errorf("session %q: %w", req.SessionID, ErrSessionAlreadyExists)
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("check session: %w", err)
		}
	}

	appDelta, userDelta, sessionState := state.Route(state.WithoutTemp(req.State))

	appRec, err := s.states.applyAppDelta(ctx, req.AppName, appDelta)
	if err != nil {
		return nil, err
	}
	userRec, err := s.states.applyUserDelta(ctx, req.AppName, req.UserID, userDelta)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := s.now()
	rec := &SessionRecord{
		AppName:   req.AppName,
		UserID:    req.UserID,
		SessionID: sessionID,
		State:     sessionState,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.InsertSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	s.logger.DebugContext(ctx, "session created",
		"app", req.AppName, "user", req.UserID, "session", sessionID)
	return rec.toSession(appRec.State, userRec.State, nil), nil
}

// GetSession returns a session with its effective state and its event
// log narrowed by cfg, or (nil, nil) when no such session exists. The
// scope fragments are read fresh so the merged state reflects app/user
// changes made through other sessions.
func (s *Service) GetSession(ctx context.Context, appName, userID, sessionID string, cfg *GetConfig) (_ *Session, err error) {
	defer func(start time.Time) { observe("get_session", start, err) }(time.Now())

	rec, err := s.backend.GetSession(ctx, appName, userID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var q EventQuery
	if cfg != nil {
		q.AfterTimestamp = cfg.AfterTimestamp
		q.Limit = cfg.NumRecentEvents
	}
	eventRecs, err := s.backend.ListEvents(ctx, appName, userID, sessionID, q)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]*Event, 0, len(eventRecs))
	for _, er := range eventRecs {
		events = append(events, er.Event)
	}

	appState, err := s.states.loadAppState(ctx, appName)
	if err != nil {
		return nil, err
	}
	userState, err := s.states.loadUserState(ctx, appName, userID)
	if err != nil {
		return nil, err
	}
	return rec.toSession(appState, userState, events), nil
}

// ListSessions returns the sessions of an application, restricted to one
// user when userID is non-empty. Sessions carry effective state but no
// events. Each session is merged against its own owner's user state, so
// state never leaks across users.
func (s *Service) ListSessions(ctx context.Context, appName, userID string) (_ []*Session, err error) {
	defer func(start time.Time) { observe("list_sessions", start, err) }(time.Now())

	var (
		recs       []*SessionRecord
		appState   map[string]any
		userStates = make(map[string]map[string]any)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recs, err = s.backend.ListSessions(gctx, appName, userID)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		appState, err = s.states.loadAppState(gctx, appName)
		return err
	})
	g.Go(func() error {
		if userID != "" {
			st, err := s.states.loadUserState(gctx, appName, userID)
			if err != nil {
				return err
			}
			userStates[userID] = st
			return nil
		}
		all, err := s.backend.ListUserStates(gctx, appName)
		if err != nil {
			return fmt.Errorf("list user states: %w", err)
		}
		for _, u := range all {
			userStates[u.UserID] = u.State
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, rec.toSession(appState, userStates[rec.UserID], nil))
	}
	return sessions, nil
}

// DeleteSession removes a session and all its events. Idempotent:
// deleting a session that does not exist is not an error.
func (s *Service) DeleteSession(ctx context.Context, appName, userID, sessionID string) (err error) {
	defer func(start time.Time) { observe("delete_session", start, err) }(time.Now())

	if err := s.backend.DeleteEvents(ctx, appName, userID, sessionID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if err := s.backend.DeleteSession(ctx, appName, userID, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.DebugContext(ctx, "session deleted",
		"app", appName, "user", userID, "session", sessionID)
	return nil
}

// AppendEvent persists an event and folds its state delta into the
// stored hierarchy. Partial events are returned unchanged and never
// persisted. The stored session's update time must not be ahead of the
// caller's view (ErrStaleSession otherwise), and the event timestamp —
// which becomes the session's new update time — must not rewind it. On
// success the in-memory session handle is brought up to date so callers
// can append repeatedly without re-fetching.
func (s *Service) AppendEvent(ctx context.Context, sess *Session, ev *Event) (_ *Event, err error) {
	defer func(start time.Time) { observe("append_event", start, err) }(time.Now())

	if ev.Partial {
		return ev, nil
	}

	rec, err := s.backend.GetSession(ctx, sess.AppName, sess.UserID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if rec.UpdatedAt.After(sess.LastUpdateTime) {
		return nil, fmt.Errorf("%w: storage updated at %s, caller last saw %s; reload the session and retry",
			ErrStaleSession, rec.UpdatedAt.Format(time.RFC3339Nano), sess.LastUpdateTime.Format(time.RFC3339Nano))
	}
	if ev.Timestamp.Before(rec.UpdatedAt) {
		return nil, fmt.Errorf("%w: event timestamp %s precedes session update time %s",
			ErrStaleSession, ev.Timestamp.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	}

	appDelta, userDelta, sessionDelta := state.Route(state.WithoutTemp(ev.StateDelta()))
	if _, err := s.states.applyAppDelta(ctx, sess.AppName, appDelta); err != nil {
		return nil, err
	}
	if _, err := s.states.applyUserDelta(ctx, sess.AppName, sess.UserID, userDelta); err != nil {
		return nil, err
	}
	if len(sessionDelta) > 0 {
		if rec.State == nil {
			rec.State = make(map[string]any, len(sessionDelta))
		}
		for k, v := range sessionDelta {
			rec.State[k] = v
		}
	}

	rec.UpdatedAt = ev.Timestamp
	if err := s.backend.ReplaceSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("replace session: %w", err)
	}
	if err := s.backend.InsertEvent(ctx, newEventRecord(sess, ev)); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	// Bring the caller's handle up to date: concurrency token, effective
	// state, and history.
	sess.LastUpdateTime = rec.UpdatedAt
	if sess.State == nil {
		sess.State = make(map[string]any)
	}
	for k, v := range state.Merge(appDelta, userDelta, sessionDelta) {
		sess.State[k] = v
	}
	sess.Events = append(sess.Events, ev)

	s.logger.DebugContext(ctx, "event appended",
		"app", sess.AppName, "user", sess.UserID, "session", sess.ID, "event", ev.ID)
	return ev, nil
}

// Ping verifies the backend is reachable. A missing metadata key means
// an empty but healthy store.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.backend.GetMetadata(ctx, schemaVersionKey)
	if err != nil && !errors.Is(err, ErrMetadataNotFound) {
		return err
	}
	return nil
}

// CountEvents reports the number of events stored for a session.
func (s *Service) CountEvents(ctx context.Context, appName, userID, sessionID string) (int64, error) {
	return s.backend.CountEvents(ctx, appName, userID, sessionID)
}

// Close releases the underlying backend.
func (s *Service) Close() error {
	return s.backend.Close()
}
