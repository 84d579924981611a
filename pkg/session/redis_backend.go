package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend using Redis. Records are stored as
// JSON strings under keys derived from the identity functions; session
// membership is tracked in per-application and per-user set indexes; the
// event log of each session is a sorted set scored by event timestamp in
// microseconds, which makes the timestamp lower bound and the recency
// cap native ZRANGEBYSCORE operations.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password,omitempty"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all store keys (default: "convostore:").
	Prefix string `yaml:"prefix,omitempty"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size,omitempty"`
}

// NewRedisBackend creates a Redis storage backend and verifies the
// connection with a ping.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "convostore:"
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w: %w", ErrUnavailable, err)
	}

	return &RedisBackend{client: client, prefix: prefix}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing
// client. Useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "convostore:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Key helpers
func (b *RedisBackend) appStateRedisKey(appName string) string {
	return b.prefix + "appstate:" + AppStateKey(appName)
}

func (b *RedisBackend) userStateRedisKey(appName, userID string) string {
	return b.prefix + "userstate:" + UserStateKey(appName, userID)
}

func (b *RedisBackend) userIndexKey(appName string) string {
	return b.prefix + "userstates:" + appName
}

func (b *RedisBackend) sessionRedisKey(composite string) string {
	return b.prefix + "session:" + composite
}

func (b *RedisBackend) appSessionsKey(appName string) string {
	return b.prefix + "app-sessions:" + appName
}

func (b *RedisBackend) userSessionsKey(appName, userID string) string {
	return b.prefix + "user-sessions:" + UserStateKey(appName, userID)
}

func (b *RedisBackend) eventsRedisKey(appName, userID, sessionID string) string {
	return b.prefix + "events:" + SessionKey(appName, userID, sessionID)
}

func (b *RedisBackend) metadataRedisKey(key string) string {
	return b.prefix + "meta:" + MetadataKey(key)
}

func (b *RedisBackend) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// eventScore is the sorted-set score of an event: microseconds since the
// Unix epoch, which float64 represents exactly for any realistic
// timestamp.
func eventScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// GetAppState retrieves an application state record.
func (b *RedisBackend) GetAppState(ctx context.Context, appName string) (*AppStateRecord, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.appStateRedisKey(appName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, unavailable("get app state", err)
	}
	var rec AppStateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal app state: %w", err)
	}
	return &rec, nil
}

// PutAppState creates or replaces an application state record.
func (b *RedisBackend) PutAppState(ctx context.Context, rec *AppStateRecord) error {
	if err := b.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal app state: %w", err)
	}
	if err := b.client.Set(ctx, b.appStateRedisKey(rec.AppName), data, 0).Err(); err != nil {
		return unavailable("put app state", err)
	}
	return nil
}

// GetUserState retrieves a user state record.
func (b *RedisBackend) GetUserState(ctx context.Context, appName, userID string) (*UserStateRecord, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.userStateRedisKey(appName, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, unavailable("get user state", err)
	}
	var rec UserStateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal user state: %w", err)
	}
	return &rec, nil
}

// PutUserState creates or replaces a user state record and indexes the
// user for per-application listing.
func (b *RedisBackend) PutUserState(ctx context.Context, rec *UserStateRecord) error {
	if err := b.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal user state: %w", err)
	}
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.userStateRedisKey(rec.AppName, rec.UserID), data, 0)
	pipe.SAdd(ctx, b.userIndexKey(rec.AppName), rec.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put user state", err)
	}
	return nil
}

// ListUserStates returns all user state records of an application.
func (b *RedisBackend) ListUserStates(ctx context.Context, appName string) ([]*UserStateRecord, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	userIDs, err := b.client.SMembers(ctx, b.userIndexKey(appName)).Result()
	if err != nil {
		return nil, unavailable("list user states", err)
	}
	sort.Strings(userIDs)

	out := make([]*UserStateRecord, 0, len(userIDs))
	for _, uid := range userIDs {
		rec, err := b.GetUserState(ctx, appName, uid)
		if errors.Is(err, ErrStateNotFound) {
			// Record vanished; drop the index entry.
			b.client.SRem(ctx, b.userIndexKey(appName), uid)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// InsertSession stores a new session record, failing if the identity is
// already taken. SETNX makes the existence check and the write atomic.
func (b *RedisBackend) InsertSession(ctx context.Context, rec *SessionRecord) error {
	if err := b.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	composite := SessionKey(rec.AppName, rec.UserID, rec.SessionID)
	ok, err := b.client.SetNX(ctx, b.sessionRedisKey(composite), data, 0).Result()
	if err != nil {
		return unavailable("insert session", err)
	}
	if !ok {
		return ErrSessionAlreadyExists
	}
	pipe := b.client.Pipeline()
	pipe.SAdd(ctx, b.appSessionsKey(rec.AppName), composite)
	pipe.SAdd(ctx, b.userSessionsKey(rec.AppName, rec.UserID), composite)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("index session", err)
	}
	return nil
}

// ReplaceSession fully replaces an existing session record.
func (b *RedisBackend) ReplaceSession(ctx context.Context, rec *SessionRecord) error {
	if err := b.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	composite := SessionKey(rec.AppName, rec.UserID, rec.SessionID)
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.sessionRedisKey(composite), data, 0)
	pipe.SAdd(ctx, b.appSessionsKey(rec.AppName), composite)
	pipe.SAdd(ctx, b.userSessionsKey(rec.AppName, rec.UserID), composite)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("replace session", err)
	}
	return nil
}

// GetSession retrieves a session record.
func (b *RedisBackend) GetSession(ctx context.Context, appName, userID, sessionID string) (*SessionRecord, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	composite := SessionKey(appName, userID, sessionID)
	data, err := b.client.Get(ctx, b.sessionRedisKey(composite)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}

// ListSessions returns the session records of an application, optionally
// restricted to one user.
func (b *RedisBackend) ListSessions(ctx context.Context, appName, userID string) ([]*SessionRecord, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	indexKey := b.appSessionsKey(appName)
	if userID != "" {
		indexKey = b.userSessionsKey(appName, userID)
	}
	composites, err := b.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	sort.Strings(composites)

	out := make([]*SessionRecord, 0, len(composites))
	for _, composite := range composites {
		data, err := b.client.Get(ctx, b.sessionRedisKey(composite)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Session was deleted; drop the stale index entry.
			b.client.SRem(ctx, indexKey, composite)
			continue
		}
		if err != nil {
			return nil, unavailable("list sessions", err)
		}
		var rec SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// DeleteSession removes a session record and its index entries.
func (b *RedisBackend) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	if err := b.guard(); err != nil {
		return err
	}
	composite := SessionKey(appName, userID, sessionID)
	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.sessionRedisKey(composite))
	pipe.SRem(ctx, b.appSessionsKey(appName), composite)
	pipe.SRem(ctx, b.userSessionsKey(appName, userID), composite)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// InsertEvent appends an event record to the session's sorted set.
func (b *RedisBackend) InsertEvent(ctx context.Context, rec *EventRecord) error {
	if err := b.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	z := redis.Z{Score: eventScore(rec.Timestamp), Member: data}
	if err := b.client.ZAdd(ctx, b.eventsRedisKey(rec.AppName, rec.UserID, rec.SessionID), z).Err(); err != nil {
		return unavailable("insert event", err)
	}
	return nil
}

// ListEvents returns a session's events matching the query, ascending by
// timestamp. The recency cap is served by a reverse range so only the
// most recent matching members cross the wire.
func (b *RedisBackend) ListEvents(ctx context.Context, appName, userID, sessionID string, q EventQuery) ([]*EventRecord, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	key := b.eventsRedisKey(appName, userID, sessionID)
	min := "-inf"
	if !q.AfterTimestamp.IsZero() {
		min = strconv.FormatInt(q.AfterTimestamp.UnixMicro(), 10)
	}

	var (
		members []string
		err     error
	)
	if q.Limit > 0 {
		members, err = b.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   min,
			Max:   "+inf",
			Count: int64(q.Limit),
		}).Result()
	} else {
		members, err = b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	}
	if err != nil {
		return nil, unavailable("list events", err)
	}

	out := make([]*EventRecord, 0, len(members))
	for _, m := range members {
		var rec EventRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, &rec)
	}
	// Scores are microsecond-truncated; re-sort on the full timestamps.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// CountEvents returns the number of events stored for a session.
func (b *RedisBackend) CountEvents(ctx context.Context, appName, userID, sessionID string) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}
	n, err := b.client.ZCard(ctx, b.eventsRedisKey(appName, userID, sessionID)).Result()
	if err != nil {
		return 0, unavailable("count events", err)
	}
	return n, nil
}

// DeleteEvents removes all events of a session.
func (b *RedisBackend) DeleteEvents(ctx context.Context, appName, userID, sessionID string) error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.eventsRedisKey(appName, userID, sessionID)).Err(); err != nil {
		return unavailable("delete events", err)
	}
	return nil
}

// GetMetadata retrieves a bookkeeping value.
func (b *RedisBackend) GetMetadata(ctx context.Context, key string) (string, error) {
	if err := b.guard(); err != nil {
		return "", err
	}
	v, err := b.client.Get(ctx, b.metadataRedisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMetadataNotFound
	}
	if err != nil {
		return "", unavailable("get metadata", err)
	}
	return v, nil
}

// PutMetadata creates or replaces a bookkeeping value.
func (b *RedisBackend) PutMetadata(ctx context.Context, key, value string) error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.metadataRedisKey(key), value, 0).Err(); err != nil {
		return unavailable("put metadata", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.guard(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
