package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTiered(t *testing.T) (*TieredCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tc := NewTieredCache(TieredConfig{
		Name: "tts",
		Memory: MemoryCacheConfig{
			MaxEntries: 100,
			Policy:     PolicyLRU,
		},
		Client: client,
	})
	return tc, mr
}

func TestTieredSetAllReadsFromMemoryFirst(t *testing.T) {
	tc, _ := newTestTiered(t)
	ctx := context.Background()

	tc.Set(ctx, "fp1", []byte("audio"), time.Hour, TierAll)

	val, ok := tc.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, []byte("audio"), val)
	assert.Equal(t, int64(1), tc.MemoryStats().Hits)
	assert.Zero(t, tc.SharedStats().Hits, "in-process hit must not touch the shared tier")
}

func TestTieredSharedHitPromotesToMemory(t *testing.T) {
	tc, _ := newTestTiered(t)
	ctx := context.Background()

	// Written only to the shared tier, as a peer replica would.
	tc.Set(ctx, "fp2", []byte("audio"), time.Hour, TierShared)

	val, ok := tc.Get(ctx, "fp2")
	require.True(t, ok)
	assert.Equal(t, []byte("audio"), val)
	assert.Equal(t, int64(1), tc.SharedStats().Hits)

	// Second read is served in-process.
	_, ok = tc.Get(ctx, "fp2")
	require.True(t, ok)
	assert.Equal(t, int64(1), tc.SharedStats().Hits, "promotion must make the second read local")
}

func TestTieredMissOnBothTiers(t *testing.T) {
	tc, _ := newTestTiered(t)
	_, ok := tc.Get(context.Background(), "absent")
	assert.False(t, ok)
}

func TestTieredDeleteRemovesBothTiers(t *testing.T) {
	tc, mr := newTestTiered(t)
	ctx := context.Background()

	tc.Set(ctx, "fp3", []byte("audio"), time.Hour, TierAll)
	tc.Delete(ctx, "fp3")

	_, ok := tc.Get(ctx, "fp3")
	assert.False(t, ok)
	assert.False(t, mr.Exists("voicehive:tts:fp3"))
	assert.False(t, mr.Exists("voicehive:tts:meta:fp3"))
}

func TestTieredSharedExpiryHonoredOnPromotion(t *testing.T) {
	tc, mr := newTestTiered(t)
	ctx := context.Background()

	tc.Set(ctx, "fp4", []byte("audio"), time.Second, TierShared)
	mr.FastForward(2 * time.Second)

	_, ok := tc.Get(ctx, "fp4")
	assert.False(t, ok, "expired shared entry must be a miss")
}

func TestTieredInvalidatePattern(t *testing.T) {
	tc, _ := newTestTiered(t)
	ctx := context.Background()

	tc.Set(ctx, "tenant-a:voice1", []byte("x"), time.Hour, TierShared)
	tc.Set(ctx, "tenant-a:voice2", []byte("y"), time.Hour, TierShared)
	tc.Set(ctx, "tenant-b:voice1", []byte("z"), time.Hour, TierShared)

	removed, err := tc.InvalidatePattern(ctx, "tenant-a:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := tc.Get(ctx, "tenant-a:voice1")
	assert.False(t, ok)
	_, ok = tc.Get(ctx, "tenant-b:voice1")
	assert.True(t, ok)
}

func TestTieredWithoutRedisDegradesToMemoryOnly(t *testing.T) {
	tc := NewTieredCache(TieredConfig{
		Name:   "config",
		Memory: MemoryCacheConfig{MaxEntries: 10, Policy: PolicyLRU},
	})
	ctx := context.Background()

	tc.Set(ctx, "k", []byte("v"), time.Hour, TierAll)
	val, ok := tc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
	require.NoError(t, tc.HealthCheck(ctx))
}

func TestRedisTierMetadataRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tier := NewRedisTier(client, "voicehive", "asr")
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k1", []byte("hello"), time.Hour))

	entry, ok, err := tier.GetEntry(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), entry.Value)
	assert.Equal(t, int64(5), entry.Size)
	assert.Equal(t, time.Hour, entry.TTL)
	// Get bumped the counter before GetEntry read the hash.
	assert.Equal(t, int64(1), entry.AccessCount)
}
