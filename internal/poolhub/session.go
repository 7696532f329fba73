package poolhub

import (
	"sync"
	"time"

	redis "github.com/go-redis/redis/v7"
)

// RedisSessionStore is the production SessionStore, backed by Redis TTL
// keys (spec.md §4.4's session lease, §6's natural home for ephemeral
// per-miner state that the relational store shouldn't carry).
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore dials addr (host:port) with the given password
// (empty for none) and db index.
func NewRedisSessionStore(addr, password string, db int) *RedisSessionStore {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisSessionStore{client: client}
}

func sessionKey(token string) string { return "aitbc:session:" + token }

func (r *RedisSessionStore) Set(token, minerID string, ttl time.Duration) error {
	return r.client.Set(sessionKey(token), minerID, ttl).Err()
}

func (r *RedisSessionStore) Get(token string) (string, bool) {
	v, err := r.client.Get(sessionKey(token)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		return "", false
	}
	return v, true
}

func (r *RedisSessionStore) Del(token string) error {
	return r.client.Del(sessionKey(token)).Err()
}

// MemSessionStore is an in-memory SessionStore for tests and devnet,
// mirroring the teacher's ephemeral in-memory fallbacks elsewhere.
type MemSessionStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	minerID string
	expires time.Time
}

func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{entries: map[string]memEntry{}}
}

func (m *MemSessionStore) Set(token, minerID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[token] = memEntry{minerID: minerID, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemSessionStore) Get(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[token]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.minerID, true
}

func (m *MemSessionStore) Del(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, token)
	return nil
}
