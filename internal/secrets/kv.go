package secrets

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicehive/backend/internal/errdefs"
)

// RedisKV backs the secret store with Redis. Keys live under the caller's
// hierarchical paths verbatim.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Transient("secret store read failed", err)
	}
	return data, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errdefs.Transient("secret store write failed", err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return errdefs.Transient("secret store delete failed", err)
	}
	return nil
}

func (r *RedisKV) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return nil, errdefs.Transient("secret store scan failed", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// MemoryKV is the in-process store for tests and local runs. TTLs are
// honored against the injected clock.
type MemoryKV struct {
	mu    sync.RWMutex
	data  map[string]memEntry
	Clock func() time.Time

	// FailSet makes the next matching Set fail, for rotation revert tests.
	FailSet func(key string) bool
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]memEntry), Clock: time.Now}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && m.Clock().After(e.expires) {
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if m.FailSet != nil && m.FailSet(key) {
		return errdefs.Transient("secret store write failed", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.Clock().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryKV) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
