// Package session persists conversational-agent sessions: hierarchical
// key/value state scoped per application, per user, and per session,
// plus the ordered event log of each interaction. The Service type
// exposes the five lifecycle operations (create, get, list, delete,
// append event) over a pluggable storage Backend; state deltas carried
// by events are routed to their scope and merged back into one effective
// view on every read.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/convostore/convostore/pkg/state"
)

// Session is the caller-facing view of one conversation. State holds the
// effective (merged) state: session-local keys unprefixed, application
// and user keys carrying their scope prefix. LastUpdateTime is the
// optimistic-concurrency token for AppendEvent; callers that hold a
// Session across appends must not rewind it.
type Session struct {
	AppName        string         `json:"appName"`
	UserID         string         `json:"userId"`
	ID             string         `json:"id"`
	State          map[string]any `json:"state"`
	Events         []*Event       `json:"events,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastUpdateTime time.Time      `json:"lastUpdateTime"`
}

// EventActions carries the side effects an event requests from the
// store. StateDelta is a flat mapping routed by scope prefix; temp:
// prefixed keys are dropped before persistence.
type EventActions struct {
	StateDelta map[string]any `json:"stateDelta,omitempty"`
}

// Event is one immutable entry in a session's history. Partial marks a
// streaming increment that must not be persisted. Timestamp is
// authoritative: on append it becomes the session's new update time.
type Event struct {
	ID           string         `json:"id"`
	InvocationID string         `json:"invocationId"`
	Author       string         `json:"author"`
	Timestamp    time.Time      `json:"timestamp"`
	Partial      bool           `json:"partial,omitempty"`
	Content      map[string]any `json:"content,omitempty"`
	Actions      EventActions   `json:"actions"`
}

// NewEvent creates an event with a generated ID and the current UTC time.
func NewEvent(invocationID, author string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now().UTC(),
	}
}

// StateDelta returns the event's state delta, or nil if it has none.
func (e *Event) StateDelta() map[string]any {
	return e.Actions.StateDelta
}

// CreateRequest configures session creation. SessionID is optional; when
// empty a random one is generated. State is an initial delta routed by
// scope prefix, so it may seed application and user state as well.
type CreateRequest struct {
	AppName   string
	UserID    string
	SessionID string
	State     map[string]any
}

// GetConfig narrows the event history returned by GetSession. The zero
// value returns the full log. When both fields are set, the recency cap
// applies after the timestamp filter.
type GetConfig struct {
	// AfterTimestamp keeps only events at or after this instant.
	AfterTimestamp time.Time
	// NumRecentEvents caps the result to the N most recent events.
	NumRecentEvents int
}

// AppStateRecord is the stored application-scoped state fragment. One
// record per application, created lazily on first session creation.
// UpdatedAt is audit-only; it plays no part in concurrency control.
type AppStateRecord struct {
	AppName   string         `json:"appName"`
	State     map[string]any `json:"state"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// UserStateRecord is the stored user-scoped state fragment. One record
// per (application, user), created lazily. UpdatedAt is audit-only.
type UserStateRecord struct {
	AppName   string         `json:"appName"`
	UserID    string         `json:"userId"`
	State     map[string]any `json:"state"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// SessionRecord is the stored shape of a session: only the session-local
// state fragment, never the merged view. UpdatedAt is the concurrency
// token checked on append.
type SessionRecord struct {
	AppName   string         `json:"appName"`
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// EventRecord is the stored shape of an event, denormalized with its
// owning triple for lookup and locality. Records are append-only.
type EventRecord struct {
	EventID   string    `json:"eventId"`
	AppName   string    `json:"appName"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Event     *Event    `json:"event"`
}

// toSession builds the caller-facing view from a stored record plus
// freshly merged scope fragments.
func (r *SessionRecord) toSession(appState, userState map[string]any, events []*Event) *Session {
	return &Session{
		AppName:        r.AppName,
		UserID:         r.UserID,
		ID:             r.SessionID,
		State:          state.Merge(appState, userState, r.State),
		Events:         events,
		CreatedAt:      r.CreatedAt,
		LastUpdateTime: r.UpdatedAt,
	}
}

func newEventRecord(sess *Session, ev *Event) *EventRecord {
	return &EventRecord{
		EventID:   ev.ID,
		AppName:   sess.AppName,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Timestamp: ev.Timestamp,
		Event:     ev,
	}
}
