package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStore holds cached tokens by key, usually one key per principal.
type TokenStore interface {
	Get(ctx context.Context, key string) (Token, bool, error)
	Set(ctx context.Context, key string, token Token) error
	Delete(ctx context.Context, key string) error
}

// MemoryTokenStore keeps tokens in process memory.
type MemoryTokenStore struct {
	tokens map[string]Token
	lock   sync.Mutex
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]Token)}
}

func (m *MemoryTokenStore) Get(_ context.Context, key string) (Token, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	t, ok := m.tokens[key]
	return t, ok, nil
}

func (m *MemoryTokenStore) Set(_ context.Context, key string, token Token) error {
	m.lock.Lock()
	m.tokens[key] = token
	m.lock.Unlock()
	return nil
}

func (m *MemoryTokenStore) Delete(_ context.Context, key string) error {
	m.lock.Lock()
	delete(m.tokens, key)
	m.lock.Unlock()
	return nil
}

const defaultRedisKeyPrefix = "fhir-harness:token:"

// RedisTokenStore shares tokens between harness processes that run against the same server, so that
// parallel runs do not each hit the token endpoint. Entries expire when the token does.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenStore creates a store using the given client. An empty prefix uses a default.
func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisTokenStore{client: client, prefix: prefix}
}

func (r *RedisTokenStore) Get(ctx context.Context, key string) (Token, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		// an unreadable entry is treated as a miss; it will be overwritten
		return Token{}, false, nil
	}
	return t, true, nil
}

func (r *RedisTokenStore) Set(ctx context.Context, key string, token Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !token.Expiry.IsZero() {
		ttl = time.Until(token.Expiry)
		if ttl <= 0 {
			return r.Delete(ctx, key)
		}
	}
	return r.client.Set(ctx, r.prefix+key, data, ttl).Err()
}

func (r *RedisTokenStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
