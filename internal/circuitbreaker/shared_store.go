// Shared breaker state for multi-replica deployments.
//
// Each orchestrator replica runs its own breaker instances. Without a shared
// store, a dependency that pod 1 has quarantined is still hammered by pod 2.
// RedisSharedStore replicates the open/next-attempt decision through Redis;
// counters converge eventually, state observations per replica stay monotonic.
package circuitbreaker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedStore persists the subset of breaker state that replicas must agree
// on. Implementations are best-effort: the breaker degrades to local-only
// when the store is unavailable.
type SharedStore interface {
	Save(ctx context.Context, name string, snap SharedSnapshot) error
	Load(ctx context.Context, name string) (SharedSnapshot, bool, error)
}

// SharedSnapshot is the replicated decision state.
type SharedSnapshot struct {
	State         State
	Failures      uint32
	OpenedAt      time.Time
	NextAttemptAt time.Time
}

const sharedOpTimeout = 500 * time.Millisecond

// restoreShared adopts the replicated decision at construction, so a fresh
// replica does not probe a dependency another replica already quarantined.
func (cb *CircuitBreaker) restoreShared() {
	if cb.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sharedOpTimeout)
	defer cancel()

	snap, ok, err := cb.cfg.Store.Load(ctx, cb.cfg.Name)
	if err != nil {
		cb.warnSharedOnce(err)
		return
	}
	if !ok {
		return
	}
	now := cb.cfg.Clock.Now()
	if snap.State == StateOpen && snap.NextAttemptAt.After(now) {
		cb.state = StateOpen
		cb.openedAt = snap.OpenedAt
		cb.nextAttemptAt = snap.NextAttemptAt
		cb.counts.Failures = snap.Failures
	}
}

// publishShared pushes the current decision state. Caller must hold the lock.
func (cb *CircuitBreaker) publishShared() {
	if cb.cfg.Store == nil {
		return
	}
	snap := SharedSnapshot{
		State:         cb.state,
		Failures:      cb.counts.Failures,
		OpenedAt:      cb.openedAt,
		NextAttemptAt: cb.nextAttemptAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), sharedOpTimeout)
	defer cancel()
	if err := cb.cfg.Store.Save(ctx, cb.cfg.Name, snap); err != nil {
		cb.warnSharedOnce(err)
	}
}

// warnSharedOnce logs the local-only degradation a single time per breaker.
// Caller must hold the lock (or be in New before the breaker is shared).
func (cb *CircuitBreaker) warnSharedOnce(err error) {
	if cb.sharedWarned {
		return
	}
	cb.sharedWarned = true
	slog.Warn("[CircuitBreaker] Shared store unavailable, degrading to local-only",
		"name", cb.cfg.Name, "error", err)
}

// ============================================================================
// REDIS IMPLEMENTATION
// ============================================================================

// RedisSharedStore keeps breaker snapshots in a Redis hash per breaker:
// <prefix><name> → {state, failures, opened_at, next_attempt_at}.
type RedisSharedStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisSharedStore creates a Redis-backed shared store.
func NewRedisSharedStore(client *redis.Client, keyPrefix string) *RedisSharedStore {
	if keyPrefix == "" {
		keyPrefix = "voicehive:breaker:"
	}
	return &RedisSharedStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       time.Hour,
	}
}

func (rs *RedisSharedStore) Save(ctx context.Context, name string, snap SharedSnapshot) error {
	key := rs.keyPrefix + name
	pipe := rs.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":           int(snap.State),
		"failures":        snap.Failures,
		"opened_at":       snap.OpenedAt.UnixMilli(),
		"next_attempt_at": snap.NextAttemptAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, rs.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (rs *RedisSharedStore) Load(ctx context.Context, name string) (SharedSnapshot, bool, error) {
	key := rs.keyPrefix + name
	vals, err := rs.client.HGetAll(ctx, key).Result()
	if err != nil {
		return SharedSnapshot{}, false, err
	}
	if len(vals) == 0 {
		return SharedSnapshot{}, false, nil
	}

	state, _ := strconv.Atoi(vals["state"])
	failures, _ := strconv.ParseUint(vals["failures"], 10, 32)
	openedMs, _ := strconv.ParseInt(vals["opened_at"], 10, 64)
	nextMs, _ := strconv.ParseInt(vals["next_attempt_at"], 10, 64)

	return SharedSnapshot{
		State:         State(state),
		Failures:      uint32(failures),
		OpenedAt:      time.UnixMilli(openedMs),
		NextAttemptAt: time.UnixMilli(nextMs),
	}, true, nil
}
