package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tier selects which tiers a write lands in.
type Tier int

const (
	TierMemory Tier = 1 << iota
	TierShared
	TierAll = TierMemory | TierShared
)

// TieredCache is the two-level cache. Read path: in-process hit → return;
// miss → shared hit → promote → return; miss → nil. Writes are
// last-writer-wins with no cross-key atomicity.
type TieredCache struct {
	name    string
	memory  *MemoryCache
	shared  *RedisTier // nil when running without redis
	channel string     // invalidation broadcast channel
	client  *redis.Client

	cleanupInterval time.Duration
	stop            chan struct{}
}

// TieredConfig assembles a named cache namespace.
type TieredConfig struct {
	Name            string
	Memory          MemoryCacheConfig
	Client          *redis.Client // nil disables the shared tier
	KeyPrefix       string
	CleanupInterval time.Duration
}

// NewTieredCache builds the cache. Call Start to run background cleanup and
// the cross-replica invalidation listener.
func NewTieredCache(cfg TieredConfig) *TieredCache {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	tc := &TieredCache{
		name:            cfg.Name,
		memory:          NewMemoryCache(cfg.Memory),
		cleanupInterval: cfg.CleanupInterval,
		stop:            make(chan struct{}),
	}
	if cfg.Client != nil {
		tc.shared = NewRedisTier(cfg.Client, cfg.KeyPrefix, cfg.Name)
		tc.client = cfg.Client
		prefix := cfg.KeyPrefix
		if prefix == "" {
			prefix = "voicehive"
		}
		tc.channel = prefix + ":" + cfg.Name + ":invalidate"
	}
	return tc
}

// Get implements the tiered read path.
func (tc *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := tc.memory.Get(key); ok {
		return val, true
	}
	if tc.shared == nil {
		return nil, false
	}
	entry, ok, err := tc.shared.GetEntry(ctx, key)
	if err != nil {
		slog.Warn("[Cache] Shared tier read failed", "name", tc.name, "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	// Promote with the remaining lifetime so both tiers expire together.
	remaining := entry.TTL
	if remaining > 0 {
		remaining -= time.Since(entry.CreatedAt)
		if remaining <= 0 {
			return nil, false
		}
	}
	tc.memory.Set(key, entry.Value, remaining)
	return entry.Value, true
}

// Set writes to the requested tiers; TierAll by default semantics belong to
// the caller.
func (tc *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tiers Tier, tags ...string) {
	if tiers&TierMemory != 0 {
		tc.memory.Set(key, value, ttl, tags...)
	}
	if tiers&TierShared != 0 && tc.shared != nil {
		if err := tc.shared.Set(ctx, key, value, ttl); err != nil {
			slog.Warn("[Cache] Shared tier write failed", "name", tc.name, "key", key, "error", err)
		}
	}
}

// Delete removes the key from every tier and broadcasts the invalidation so
// other replicas drop their promoted copies.
func (tc *TieredCache) Delete(ctx context.Context, key string) {
	tc.memory.Delete(key)
	if tc.shared != nil {
		if err := tc.shared.Delete(ctx, key); err != nil {
			slog.Warn("[Cache] Shared tier delete failed", "name", tc.name, "key", key, "error", err)
		}
		tc.broadcastInvalidation(ctx, key)
	}
}

// InvalidateTags drops tagged entries. Tag bookkeeping exists only in the
// in-process tier; shared-tier tag invalidation is out of scope.
func (tc *TieredCache) InvalidateTags(tags ...string) int {
	return tc.memory.InvalidateTags(tags...)
}

// InvalidatePattern drops shared-tier keys matching a glob pattern.
func (tc *TieredCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	if tc.shared == nil {
		return 0, nil
	}
	return tc.shared.InvalidatePattern(ctx, pattern)
}

// MemoryStats and SharedStats expose per-tier counters.
func (tc *TieredCache) MemoryStats() Stats { return tc.memory.Stats() }

func (tc *TieredCache) SharedStats() Stats {
	if tc.shared == nil {
		return Stats{}
	}
	return tc.shared.Stats()
}

// HealthCheck pings the shared tier when present.
func (tc *TieredCache) HealthCheck(ctx context.Context) error {
	if tc.shared == nil {
		return nil
	}
	return tc.shared.HealthCheck(ctx)
}

// Start runs the cleanup ticker and the invalidation listener until Stop.
func (tc *TieredCache) Start(ctx context.Context) {
	go tc.cleanupLoop(ctx)
	if tc.client != nil {
		go tc.invalidationLoop(ctx)
	}
}

// Stop terminates background work.
func (tc *TieredCache) Stop() { close(tc.stop) }

func (tc *TieredCache) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(tc.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			purged := tc.memory.PurgeExpired()
			stats := tc.memory.Stats()
			slog.Debug("[Cache] Cleanup pass",
				"name", tc.name, "purged", purged,
				"entries", stats.Entries, "bytes", stats.Bytes,
				"hits", stats.Hits, "misses", stats.Misses)
		case <-tc.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// invalidationLoop subscribes to the broadcast channel and drops local
// copies other replicas invalidated.
func (tc *TieredCache) invalidationLoop(ctx context.Context) {
	sub := tc.client.Subscribe(ctx, tc.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			tc.memory.Delete(msg.Payload)
		case <-tc.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (tc *TieredCache) broadcastInvalidation(ctx context.Context, key string) {
	if err := tc.client.Publish(ctx, tc.channel, key).Err(); err != nil {
		slog.Warn("[Cache] Invalidation broadcast failed", "name", tc.name, "key", key, "error", err)
	}
}
