package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the shared cache tier. Values live under
// "<prefix>:<name>:<key>" with a parallel metadata hash under
// "<prefix>:<name>:meta:<key>" carrying created_at, ttl, access_count, size.
type RedisTier struct {
	client *redis.Client
	prefix string // e.g. "voicehive"
	name   string // e.g. "tts"

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// NewRedisTier creates a shared tier namespace.
func NewRedisTier(client *redis.Client, prefix, name string) *RedisTier {
	if prefix == "" {
		prefix = "voicehive"
	}
	return &RedisTier{client: client, prefix: prefix, name: name}
}

func (r *RedisTier) valueKey(key string) string { return fmt.Sprintf("%s:%s:%s", r.prefix, r.name, key) }
func (r *RedisTier) metaKey(key string) string {
	return fmt.Sprintf("%s:%s:meta:%s", r.prefix, r.name, key)
}

// Get fetches a value; a hit bumps the access counter in the metadata hash.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.valueKey(key)).Bytes()
	if err == redis.Nil {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		r.misses.Add(1)
		return nil, false, err
	}
	r.hits.Add(1)
	// Best-effort metadata touch; a failure here never fails the read.
	if err := r.client.HIncrBy(ctx, r.metaKey(key), "access_count", 1).Err(); err != nil {
		slog.Warn("[Cache] Shared tier metadata touch failed", "key", key, "error", err)
	}
	return val, true, nil
}

// GetEntry returns the value plus its stored metadata.
func (r *RedisTier) GetEntry(ctx context.Context, key string) (*Entry, bool, error) {
	val, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	meta, err := r.client.HGetAll(ctx, r.metaKey(key)).Result()
	if err != nil {
		return nil, false, err
	}
	createdMs, _ := strconv.ParseInt(meta["created_at"], 10, 64)
	ttlMs, _ := strconv.ParseInt(meta["ttl"], 10, 64)
	count, _ := strconv.ParseInt(meta["access_count"], 10, 64)
	size, _ := strconv.ParseInt(meta["size"], 10, 64)
	return &Entry{
		Key:         key,
		Value:       val,
		CreatedAt:   time.UnixMilli(createdMs),
		AccessedAt:  time.Now(),
		AccessCount: count,
		TTL:         time.Duration(ttlMs) * time.Millisecond,
		Size:        size,
	}, true, nil
}

// Set writes value and metadata atomically with the same TTL so they expire
// together.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.valueKey(key), value, ttl)
	pipe.HSet(ctx, r.metaKey(key), map[string]interface{}{
		"created_at":   now.UnixMilli(),
		"ttl":          ttl.Milliseconds(),
		"access_count": 0,
		"size":         len(value),
	})
	if ttl > 0 {
		pipe.Expire(ctx, r.metaKey(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	r.sets.Add(1)
	return nil
}

// Delete removes a value and its metadata.
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.valueKey(key), r.metaKey(key)).Err()
}

// InvalidatePattern removes every key matching the glob pattern via a
// server-side SCAN, returning the number of values dropped.
func (r *RedisTier) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	match := r.valueKey(pattern)
	var removed int
	iter := r.client.Scan(ctx, 0, match, 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		key := iter.Val()
		batch = append(batch, key)
		// Drop the parallel metadata entry with the value.
		suffix := key[len(fmt.Sprintf("%s:%s:", r.prefix, r.name)):]
		batch = append(batch, r.metaKey(suffix))
		if len(batch) >= 200 {
			removed += len(batch) / 2
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return removed, err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		removed += len(batch) / 2
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Stats returns tier counters.
func (r *RedisTier) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Sets:   r.sets.Load(),
	}
}

// HealthCheck pings the backing store.
func (r *RedisTier) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
