package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	backend := NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	return NewService(backend)
}

func testEvent(author string, ts time.Time, delta map[string]any) *Event {
	ev := NewEvent("inv-1", author)
	ev.Timestamp = ts
	ev.Actions.StateDelta = delta
	return ev
}

func TestCreateSessionRoutesScopes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, CreateRequest{
		AppName: "A",
		UserID:  "U",
		State: map[string]any{
			"app:theme": "dark",
			"user:lang": "en",
			"greeting":  "hi",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"app:theme": "dark",
		"user:lang": "en",
		"greeting":  "hi",
	}, sess.State)

	// A second user of the same application inherits application state
	// only: no user state of U, no session-local state of the first
	// session.
	sess2, err := svc.CreateSession(ctx, CreateRequest{
		AppName:   "A",
		UserID:    "U2",
		SessionID: "s2",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"app:theme": "dark"}, sess2.State)
}

func TestCreateSessionDuplicateID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)

	_, err = svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	assert.ErrorIs(t, err, ErrSessionAlreadyExists)
}

func TestCreateSessionGeneratesID(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.CreateSession(context.Background(), CreateRequest{AppName: "A", UserID: "U"})
	require.NoError(t, err)
	b, err := svc.CreateSession(context.Background(), CreateRequest{AppName: "A", UserID: "U"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestGetSessionAbsent(t *testing.T) {
	svc := newTestService(t)

	sess, err := svc.GetSession(context.Background(), "A", "U", "missing", nil)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestGetSessionEventFilters(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)

	base := sess.LastUpdateTime
	for i := 0; i < 5; i++ {
		ev := testEvent("agent", base.Add(time.Duration(i+1)*time.Second), nil)
		_, err := svc.AppendEvent(ctx, sess, ev)
		require.NoError(t, err)
	}

	// Three of five events are at or after the bound; the recency cap
	// keeps the two most recent of those, still in ascending order.
	got, err := svc.GetSession(ctx, "A", "U", "s1", &GetConfig{
		AfterTimestamp:  base.Add(3 * time.Second),
		NumRecentEvents: 2,
	})
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	assert.Equal(t, base.Add(4*time.Second), got.Events[0].Timestamp)
	assert.Equal(t, base.Add(5*time.Second), got.Events[1].Timestamp)

	// Timestamp bound alone is inclusive.
	got, err = svc.GetSession(ctx, "A", "U", "s1", &GetConfig{AfterTimestamp: base.Add(3 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, got.Events, 3)

	// No config returns the full ascending log.
	got, err = svc.GetSession(ctx, "A", "U", "s1", nil)
	require.NoError(t, err)
	require.Len(t, got.Events, 5)
	for i := 1; i < len(got.Events); i++ {
		assert.False(t, got.Events[i].Timestamp.Before(got.Events[i-1].Timestamp))
	}
}

func TestAppendEventPartialNotPersisted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)

	ev := testEvent("agent", time.Now().UTC(), map[string]any{"ignored": true})
	ev.Partial = true
	got, err := svc.AppendEvent(ctx, sess, ev)
	require.NoError(t, err)
	assert.Same(t, ev, got)

	fresh, err := svc.GetSession(ctx, "A", "U", "s1", nil)
	require.NoError(t, err)
	assert.Empty(t, fresh.Events)
	assert.NotContains(t, fresh.State, "ignored")

	n, err := svc.CountEvents(ctx, "A", "U", "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendEventStaleSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)

	// Two callers fetch the same session, then race their appends.
	first, err := svc.GetSession(ctx, "A", "U", "s1", nil)
	require.NoError(t, err)
	second, err := svc.GetSession(ctx, "A", "U", "s1", nil)
	require.NoError(t, err)

	_, err = svc.AppendEvent(ctx, first, testEvent("a", created.LastUpdateTime.Add(time.Second), nil))
	require.NoError(t, err)

	_, err = svc.AppendEvent(ctx, second, testEvent("b", created.LastUpdateTime.Add(2*time.Second), nil))
	assert.ErrorIs(t, err, ErrStaleSession)

	// Reload and retry is the prescribed recovery.
	reloaded, err := svc.GetSession(ctx, "A", "U", "s1", nil)
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, reloaded, testEvent("b", reloaded.LastUpdateTime.Add(time.Second), nil))
	assert.NoError(t, err)
}

func TestAppendEventSessionGone(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteSession(ctx, "A", "U", "s1"))

	_, err = svc.AppendEvent(ctx, sess, testEvent("a", sess.LastUpdateTime.Add(time.Second), nil))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendEventTimestampNeverRegresses(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)

	_, err = svc.AppendEvent(ctx, sess, testEvent("a", sess.LastUpdateTime.Add(time.Hour), nil))
	require.NoError(t, err)

	// An event dated before the session's update time must fail rather
	// than rewind it.
	_, err = svc.AppendEvent(ctx, sess, testEvent("a", sess.LastUpdateTime.Add(-time.Minute), nil))
	assert.ErrorIs(t, err, ErrStaleSession)

	got, err := svc.GetSession(ctx, "A", "U", "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, sess.LastUpdateTime, got.LastUpdateTime)
}

func TestAppendEventUpdatesCallerHandle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)

	// Appending repeatedly through one handle must not require a
	// re-fetch between calls.
	last := sess.LastUpdateTime
	for i := 0; i < 3; i++ {
		ev := testEvent("agent", last.Add(time.Second), map[string]any{"turn": i})
		_, err := svc.AppendEvent(ctx, sess, ev)
		require.NoError(t, err)
		assert.False(t, sess.LastUpdateTime.Before(last))
		last = sess.LastUpdateTime
	}
	assert.Len(t, sess.Events, 3)
	assert.Equal(t, 2, sess.State["turn"])
}

func TestAppendEventRoutesDelta(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)

	ev := testEvent("agent", sess.LastUpdateTime.Add(time.Second), map[string]any{
		"app:theme":    "dark",
		"user:lang":    "en",
		"scratch":      "local",
		"temp:discard": "never stored",
	})
	_, err = svc.AppendEvent(ctx, sess, ev)
	require.NoError(t, err)

	// The caller's handle reflects the applied delta, minus temp keys.
	assert.Equal(t, "dark", sess.State["app:theme"])
	assert.NotContains(t, sess.State, "temp:discard")

	// App-scoped state is visible from another session of the same app;
	// user and session state stay isolated.
	other, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U2", SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, "dark", other.State["app:theme"])
	assert.NotContains(t, other.State, "user:lang")
	assert.NotContains(t, other.State, "scratch")

	fresh, err := svc.GetSession(ctx, "A", "U", "s1", nil)
	require.NoError(t, err)
	assert.NotContains(t, fresh.State, "temp:discard")
	assert.Equal(t, "en", fresh.State["user:lang"])
	assert.Equal(t, "local", fresh.State["scratch"])
}

func TestDeleteSessionCascades(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.AppendEvent(ctx, sess, testEvent("a", sess.LastUpdateTime.Add(time.Second), nil))
		require.NoError(t, err)
	}

	require.NoError(t, svc.DeleteSession(ctx, "A", "U", "s1"))

	got, err := svc.GetSession(ctx, "A", "U", "s1", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := svc.CountEvents(ctx, "A", "U", "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Idempotent.
	assert.NoError(t, svc.DeleteSession(ctx, "A", "U", "s1"))
}

func TestListSessionsPreservesUserIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, CreateRequest{
		AppName: "A", UserID: "alice", SessionID: "s1",
		State: map[string]any{"app:shared": 1, "user:name": "alice", "note": "a"},
	})
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, CreateRequest{
		AppName: "A", UserID: "bob", SessionID: "s2",
		State: map[string]any{"user:name": "bob"},
	})
	require.NoError(t, err)

	all, err := svc.ListSessions(ctx, "A", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	byUser := make(map[string]*Session, len(all))
	for _, s := range all {
		// List responses never carry events.
		assert.Empty(t, s.Events)
		byUser[s.UserID] = s
	}
	assert.Equal(t, "alice", byUser["alice"].State["user:name"])
	assert.Equal(t, "bob", byUser["bob"].State["user:name"])
	// Application state leaks across users by design; session-local
	// state does not.
	assert.Equal(t, 1, byUser["bob"].State["app:shared"])
	assert.NotContains(t, byUser["bob"].State, "note")

	onlyBob, err := svc.ListSessions(ctx, "A", "bob")
	require.NoError(t, err)
	require.Len(t, onlyBob, 1)
	assert.Equal(t, "s2", onlyBob[0].ID)

	none, err := svc.ListSessions(ctx, "B", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEffectiveStateIsComputedFresh(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	s1, err := svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s1"})
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, CreateRequest{AppName: "A", UserID: "U", SessionID: "s2"})
	require.NoError(t, err)

	// Mutate app and user state through s1.
	ev := testEvent("agent", s1.LastUpdateTime.Add(time.Second), map[string]any{
		"app:rev":  2,
		"user:ack": true,
	})
	_, err = svc.AppendEvent(ctx, s1, ev)
	require.NoError(t, err)

	// s2 observes both on its next read, without any write of its own.
	got, err := svc.GetSession(ctx, "A", "U", "s2", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, got.State["app:rev"])
	assert.Equal(t, true, got.State["user:ack"])
}

func TestEnsureSchema(t *testing.T) {
	backend := NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	svc := NewService(backend)
	ctx := context.Background()

	require.NoError(t, svc.EnsureSchema(ctx))
	v, err := backend.GetMetadata(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	// Idempotent.
	assert.NoError(t, svc.EnsureSchema(ctx))
}

func TestServiceWithClock(t *testing.T) {
	backend := NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(backend, WithClock(func() time.Time { return fixed }))

	sess, err := svc.CreateSession(context.Background(), CreateRequest{AppName: "A", UserID: "U"})
	require.NoError(t, err)
	assert.Equal(t, fixed, sess.CreatedAt)
	assert.Equal(t, fixed, sess.LastUpdateTime)
}
