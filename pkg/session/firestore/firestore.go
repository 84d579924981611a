// Package firestore implements the session storage backend on Google
// Cloud Firestore. Each logical table maps to a top-level collection
// (app_states, user_states, sessions, events, metadata) and every
// document ID is derived from the record's business keys, so point
// lookups never need a query. State maps and event payloads are stored
// as JSON bytes: the dynamic key/value shapes stay opaque to Firestore
// and round-trip exactly.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/convostore/convostore/pkg/session"
)

// Collection names (fixed, not configurable).
const (
	collectionSessions   = "sessions"
	collectionEvents     = "events"
	collectionAppStates  = "app_states"
	collectionUserStates = "user_states"
	collectionMetadata   = "metadata"
)

// Backend implements session.Backend using Firestore.
type Backend struct {
	client *firestore.Client
}

// Config contains configuration for the Firestore backend.
type Config struct {
	ProjectID       string
	CredentialsFile string
}

// Option configures a Backend.
type Option func(*Config)

// WithProjectID sets the GCP project ID.
func WithProjectID(projectID string) Option {
	return func(c *Config) { c.ProjectID = projectID }
}

// WithCredentialsFile sets the path to service account credentials.
// When unset, Application Default Credentials are used.
func WithCredentialsFile(path string) Option {
	return func(c *Config) { c.CredentialsFile = path }
}

// New creates a Firestore-backed session storage backend.
func New(ctx context.Context, opts ...Option) (*Backend, error) {
	config := &Config{}
	for _, opt := range opts {
		opt(config)
	}
	if config.ProjectID == "" {
		return nil, errors.New("project ID is required")
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Backend{client: client}, nil
}

// NewFromClient creates a backend from an existing client. Useful for
// tests against the Firestore emulator.
func NewFromClient(client *firestore.Client) *Backend {
	return &Backend{client: client}
}

// Document shapes. State and event payloads are opaque JSON; the
// remaining fields are flat so the (app, user, session) triple and the
// timestamp are queryable.

type appStateDoc struct {
	AppName   string    `firestore:"app_name"`
	StateJSON []byte    `firestore:"state_json"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type userStateDoc struct {
	AppName   string    `firestore:"app_name"`
	UserID    string    `firestore:"user_id"`
	StateJSON []byte    `firestore:"state_json"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type sessionDoc struct {
	AppName   string    `firestore:"app_name"`
	UserID    string    `firestore:"user_id"`
	SessionID string    `firestore:"session_id"`
	StateJSON []byte    `firestore:"state_json"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type eventDoc struct {
	EventID   string    `firestore:"event_id"`
	AppName   string    `firestore:"app_name"`
	UserID    string    `firestore:"user_id"`
	SessionID string    `firestore:"session_id"`
	Timestamp time.Time `firestore:"timestamp"`
	EventJSON []byte    `firestore:"event_json"`
}

type metadataDoc struct {
	Key   string `firestore:"key"`
	Value string `firestore:"value"`
}

func marshalState(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalState(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// wrap maps Firestore/gRPC failures onto the store's error taxonomy.
func wrap(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %w", op, session.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// GetAppState retrieves an application state record.
func (b *Backend) GetAppState(ctx context.Context, appName string) (*session.AppStateRecord, error) {
	snap, err := b.client.Collection(collectionAppStates).Doc(session.AppStateKey(appName)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, session.ErrStateNotFound
	}
	if err != nil {
		return nil, wrap("get app state", err)
	}
	var doc appStateDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode app state: %w", err)
	}
	st, err := unmarshalState(doc.StateJSON)
	if err != nil {
		return nil, fmt.Errorf("decode app state: %w", err)
	}
	return &session.AppStateRecord{AppName: doc.AppName, State: st, UpdatedAt: doc.UpdatedAt}, nil
}

// PutAppState creates or replaces an application state record.
func (b *Backend) PutAppState(ctx context.Context, rec *session.AppStateRecord) error {
	stateJSON, err := marshalState(rec.State)
	if err != nil {
		return fmt.Errorf("encode app state: %w", err)
	}
	doc := appStateDoc{AppName: rec.AppName, StateJSON: stateJSON, UpdatedAt: rec.UpdatedAt}
	if _, err := b.client.Collection(collectionAppStates).Doc(session.AppStateKey(rec.AppName)).Set(ctx, doc); err != nil {
		return wrap("put app state", err)
	}
	return nil
}

// GetUserState retrieves a user state record.
func (b *Backend) GetUserState(ctx context.Context, appName, userID string) (*session.UserStateRecord, error) {
	snap, err := b.client.Collection(collectionUserStates).Doc(session.UserStateKey(appName, userID)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, session.ErrStateNotFound
	}
	if err != nil {
		return nil, wrap("get user state", err)
	}
	return userStateFromSnap(snap)
}

func userStateFromSnap(snap *firestore.DocumentSnapshot) (*session.UserStateRecord, error) {
	var doc userStateDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode user state: %w", err)
	}
	st, err := unmarshalState(doc.StateJSON)
	if err != nil {
		return nil, fmt.Errorf("decode user state: %w", err)
	}
	return &session.UserStateRecord{
		AppName:   doc.AppName,
		UserID:    doc.UserID,
		State:     st,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// PutUserState creates or replaces a user state record.
func (b *Backend) PutUserState(ctx context.Context, rec *session.UserStateRecord) error {
	stateJSON, err := marshalState(rec.State)
	if err != nil {
		return fmt.Errorf("encode user state: %w", err)
	}
	doc := userStateDoc{AppName: rec.AppName, UserID: rec.UserID, StateJSON: stateJSON, UpdatedAt: rec.UpdatedAt}
	if _, err := b.client.Collection(collectionUserStates).Doc(session.UserStateKey(rec.AppName, rec.UserID)).Set(ctx, doc); err != nil {
		return wrap("put user state", err)
	}
	return nil
}

// ListUserStates returns all user state records of an application.
func (b *Backend) ListUserStates(ctx context.Context, appName string) ([]*session.UserStateRecord, error) {
	iter := b.client.Collection(collectionUserStates).
		Where("app_name", "==", appName).
		Documents(ctx)
	defer iter.Stop()

	var out []*session.UserStateRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrap("list user states", err)
		}
		rec, err := userStateFromSnap(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// InsertSession stores a new session record. Create fails atomically
// when the document already exists.
func (b *Backend) InsertSession(ctx context.Context, rec *session.SessionRecord) error {
	doc, err := sessionToDoc(rec)
	if err != nil {
		return err
	}
	id := session.SessionKey(rec.AppName, rec.UserID, rec.SessionID)
	if _, err := b.client.Collection(collectionSessions).Doc(id).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return session.ErrSessionAlreadyExists
		}
		return wrap("insert session", err)
	}
	return nil
}

// ReplaceSession fully replaces an existing session record.
func (b *Backend) ReplaceSession(ctx context.Context, rec *session.SessionRecord) error {
	doc, err := sessionToDoc(rec)
	if err != nil {
		return err
	}
	id := session.SessionKey(rec.AppName, rec.UserID, rec.SessionID)
	if _, err := b.client.Collection(collectionSessions).Doc(id).Set(ctx, doc); err != nil {
		return wrap("replace session", err)
	}
	return nil
}

func sessionToDoc(rec *session.SessionRecord) (*sessionDoc, error) {
	stateJSON, err := marshalState(rec.State)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	return &sessionDoc{
		AppName:   rec.AppName,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		StateJSON: stateJSON,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func sessionFromSnap(snap *firestore.DocumentSnapshot) (*session.SessionRecord, error) {
	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	st, err := unmarshalState(doc.StateJSON)
	if err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &session.SessionRecord{
		AppName:   doc.AppName,
		UserID:    doc.UserID,
		SessionID: doc.SessionID,
		State:     st,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// GetSession retrieves a session record.
func (b *Backend) GetSession(ctx context.Context, appName, userID, sessionID string) (*session.SessionRecord, error) {
	id := session.SessionKey(appName, userID, sessionID)
	snap, err := b.client.Collection(collectionSessions).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, wrap("get session", err)
	}
	return sessionFromSnap(snap)
}

// ListSessions returns the session records of an application, optionally
// restricted to one user.
func (b *Backend) ListSessions(ctx context.Context, appName, userID string) ([]*session.SessionRecord, error) {
	query := b.client.Collection(collectionSessions).Query.Where("app_name", "==", appName)
	if userID != "" {
		query = query.Where("user_id", "==", userID)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*session.SessionRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrap("list sessions", err)
		}
		rec, err := sessionFromSnap(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteSession removes a session record. Missing documents delete
// cleanly.
func (b *Backend) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	id := session.SessionKey(appName, userID, sessionID)
	if _, err := b.client.Collection(collectionSessions).Doc(id).Delete(ctx); err != nil {
		return wrap("delete session", err)
	}
	return nil
}

// InsertEvent appends an immutable event record.
func (b *Backend) InsertEvent(ctx context.Context, rec *session.EventRecord) error {
	eventJSON, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	doc := eventDoc{
		EventID:   rec.EventID,
		AppName:   rec.AppName,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		Timestamp: rec.Timestamp,
		EventJSON: eventJSON,
	}
	id := session.EventKey(rec.EventID, rec.AppName, rec.UserID, rec.SessionID)
	if _, err := b.client.Collection(collectionEvents).Doc(id).Create(ctx, doc); err != nil {
		return wrap("insert event", err)
	}
	return nil
}

// sessionEventsQuery builds the base filter for one session's events.
// Requires a composite index on (app_name, user_id, session_id, timestamp).
func (b *Backend) sessionEventsQuery(appName, userID, sessionID string) firestore.Query {
	return b.client.Collection(collectionEvents).Query.
		Where("app_name", "==", appName).
		Where("user_id", "==", userID).
		Where("session_id", "==", sessionID)
}

// ListEvents returns a session's events matching the query, ascending by
// timestamp. The recency cap is fetched newest-first with a limit, then
// reversed.
func (b *Backend) ListEvents(ctx context.Context, appName, userID, sessionID string, q session.EventQuery) ([]*session.EventRecord, error) {
	query := b.sessionEventsQuery(appName, userID, sessionID)
	if !q.AfterTimestamp.IsZero() {
		query = query.Where("timestamp", ">=", q.AfterTimestamp)
	}
	query = query.OrderBy("timestamp", firestore.Desc)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var descending []*session.EventRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrap("list events", err)
		}
		var doc eventDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		var ev session.Event
		if err := json.Unmarshal(doc.EventJSON, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		descending = append(descending, &session.EventRecord{
			EventID:   doc.EventID,
			AppName:   doc.AppName,
			UserID:    doc.UserID,
			SessionID: doc.SessionID,
			Timestamp: doc.Timestamp,
			Event:     &ev,
		})
	}

	out := make([]*session.EventRecord, 0, len(descending))
	for i := len(descending) - 1; i >= 0; i-- {
		out = append(out, descending[i])
	}
	return out, nil
}

// CountEvents returns the number of events stored for a session, using a
// server-side aggregation.
func (b *Backend) CountEvents(ctx context.Context, appName, userID, sessionID string) (int64, error) {
	q := b.sessionEventsQuery(appName, userID, sessionID)
	agg := q.NewAggregationQuery().WithCount("count")
	results, err := agg.Get(ctx)
	if err != nil {
		return 0, wrap("count events", err)
	}
	count, ok := results["count"]
	if !ok {
		return 0, nil
	}
	countValue, ok := count.(*firestorepb.Value)
	if !ok {
		return 0, nil
	}
	return countValue.GetIntegerValue(), nil
}

// DeleteEvents removes all events of a session via a BulkWriter.
func (b *Backend) DeleteEvents(ctx context.Context, appName, userID, sessionID string) error {
	iter := b.sessionEventsQuery(appName, userID, sessionID).Documents(ctx)
	defer iter.Stop()

	bw := b.client.BulkWriter(ctx)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return wrap("delete events", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return fmt.Errorf("queue event delete: %w", err)
		}
	}
	bw.End()
	return nil
}

// GetMetadata retrieves a bookkeeping value.
func (b *Backend) GetMetadata(ctx context.Context, key string) (string, error) {
	snap, err := b.client.Collection(collectionMetadata).Doc(session.MetadataKey(key)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", session.ErrMetadataNotFound
	}
	if err != nil {
		return "", wrap("get metadata", err)
	}
	var doc metadataDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("decode metadata: %w", err)
	}
	return doc.Value, nil
}

// PutMetadata creates or replaces a bookkeeping value.
func (b *Backend) PutMetadata(ctx context.Context, key, value string) error {
	doc := metadataDoc{Key: key, Value: value}
	if _, err := b.client.Collection(collectionMetadata).Doc(session.MetadataKey(key)).Set(ctx, doc); err != nil {
		return wrap("put metadata", err)
	}
	return nil
}

// Close closes the connection to Firestore.
func (b *Backend) Close() error {
	return b.client.Close()
}

var _ session.Backend = (*Backend)(nil)
