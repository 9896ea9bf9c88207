package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "classroom:session:"

// Store persists at most one MeetingSession per teacher.
type Store interface {
	Load(ctx context.Context, teacherID string) (*MeetingSession, error)
	Save(ctx context.Context, teacherID string, s *MeetingSession) error
	Clear(ctx context.Context, teacherID string) error
	Teachers(ctx context.Context) ([]string, error)
}

// RedisStore keeps sessions as JSON under a fixed per-teacher key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load returns the teacher's session, or nil when none exists. Malformed
// payloads are treated as corrupt: discarded, reported as no session.
func (st *RedisStore) Load(ctx context.Context, teacherID string) (*MeetingSession, error) {
	raw, err := st.client.Get(ctx, keyPrefix+teacherID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var s MeetingSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.MeetingID == "" {
		zap.L().Warn("discarding corrupt session state", zap.String("teacher_id", teacherID))
		_ = st.client.Del(ctx, keyPrefix+teacherID).Err()
		return nil, nil
	}
	return &s, nil
}

// Save persists the session. Last write wins; concurrent clients are not
// coordinated.
func (st *RedisStore) Save(ctx context.Context, teacherID string, s *MeetingSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return st.client.Set(ctx, keyPrefix+teacherID, raw, 0).Err()
}

// Clear removes the session unconditionally.
func (st *RedisStore) Clear(ctx context.Context, teacherID string) error {
	return st.client.Del(ctx, keyPrefix+teacherID).Err()
}

// Teachers lists teacher ids with a stored session.
func (st *RedisStore) Teachers(ctx context.Context) ([]string, error) {
	var out []string
	iter := st.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	return out, iter.Err()
}

// MemoryStore is a map-backed store for dev/testing.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

// Load returns the teacher's session, or nil when absent or corrupt.
func (st *MemoryStore) Load(ctx context.Context, teacherID string) (*MeetingSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	raw, ok := st.sessions[teacherID]
	if !ok {
		return nil, nil
	}
	var s MeetingSession
	if err := json.Unmarshal(raw, &s); err != nil || s.MeetingID == "" {
		delete(st.sessions, teacherID)
		return nil, nil
	}
	return &s, nil
}

// Save persists the session.
func (st *MemoryStore) Save(ctx context.Context, teacherID string, s *MeetingSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.sessions[teacherID] = raw
	st.mu.Unlock()
	return nil
}

// Clear removes the session.
func (st *MemoryStore) Clear(ctx context.Context, teacherID string) error {
	st.mu.Lock()
	delete(st.sessions, teacherID)
	st.mu.Unlock()
	return nil
}

// Teachers lists teacher ids with a stored session.
func (st *MemoryStore) Teachers(ctx context.Context) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		out = append(out, id)
	}
	return out, nil
}

// Corrupt injects a raw payload; used by tests to simulate bad persisted state.
func (st *MemoryStore) Corrupt(teacherID, raw string) {
	st.mu.Lock()
	st.sessions[teacherID] = []byte(raw)
	st.mu.Unlock()
}
