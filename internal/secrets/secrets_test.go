package secrets

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/errdefs"
)

type secretsFixture struct {
	mgr     *Manager
	kv      *MemoryKV
	auditor *audit.MemoryRecorder
	now     time.Time
}

func newFixture(t *testing.T) *secretsFixture {
	t.Helper()
	f := &secretsFixture{
		kv:      NewMemoryKV(),
		auditor: audit.NewMemoryRecorder(),
		now:     time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.kv.Clock = clock
	f.mgr = NewManager(ManagerConfig{
		KV:      f.kv,
		Auditor: f.auditor,
		Clock:   clock,
	})
	return f
}

func actor() ActorContext {
	return ActorContext{Actor: "svc-pms", SourceIP: "10.0.0.2", UserAgent: "connector", Method: "api"}
}

func TestCreateShapesValuePerType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pw, meta, err := f.mgr.Create(ctx, "db-password", TypePassword, []string{"db"}, actor())
	require.NoError(t, err)
	assert.Len(t, pw, 32)
	assert.Equal(t, StatusActive, meta.Status)
	assert.Equal(t, f.now.Add(90*24*time.Hour), meta.ExpiresAt)

	key, _, err := f.mgr.Create(ctx, "partner-key", TypeAPIKey, nil, actor())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(key), "vhk_"))
	assert.NotContains(t, string(key), "+")
	assert.NotContains(t, string(key), "/")

	material, _, err := f.mgr.Create(ctx, "cache-key", TypeEncryptionKey, nil, actor())
	require.NoError(t, err)
	assert.Len(t, material, 32)

	_, _, err = f.mgr.Create(ctx, "db-password", TypePassword, nil, actor())
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestValueStoredSeparatelyFromMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	value, _, err := f.mgr.Create(ctx, "db-password", TypePassword, nil, actor())
	require.NoError(t, err)

	metaRaw, err := f.kv.Get(ctx, "voicehive/metadata/db-password")
	require.NoError(t, err)
	require.NotNil(t, metaRaw)
	assert.NotContains(t, string(metaRaw), string(value))

	valueRaw, err := f.kv.Get(ctx, "voicehive/secrets/password/db-password")
	require.NoError(t, err)
	assert.Equal(t, value, valueRaw)
}

func TestReadMutatesOnlyUsageAndAccessTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, created, err := f.mgr.Create(ctx, "db-password", TypePassword, nil, actor())
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	_, err = f.mgr.Read(ctx, "db-password", actor())
	require.NoError(t, err)

	after, err := f.mgr.GetMetadata(ctx, "db-password")
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, after.CreatedAt)
	assert.Equal(t, created.Type, after.Type)
	assert.Equal(t, created.SecretID, after.SecretID)
	assert.Equal(t, created.ExpiresAt, after.ExpiresAt)
	assert.Equal(t, created.RotationCount, after.RotationCount)
	assert.Equal(t, 1, after.UsageCount)
	assert.Equal(t, f.now, after.AccessedAt)
}

func TestReadEnforcesUsageCap(t *testing.T) {
	f := newFixture(t)
	f.mgr = NewManager(ManagerConfig{
		KV:      f.kv,
		Auditor: f.auditor,
		Clock:   func() time.Time { return f.now },
		Policies: map[Type]Policy{
			TypeAPIKey: {TTL: time.Hour, MaxUsage: 2, BackupCount: 1, Strategy: StrategyUsage},
		},
	})
	ctx := context.Background()

	_, _, err := f.mgr.Create(ctx, "limited", TypeAPIKey, nil, actor())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.mgr.Read(ctx, "limited", actor())
		require.NoError(t, err)
	}
	_, err = f.mgr.Read(ctx, "limited", actor())
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))

	events := f.auditor.Find("secret.read")
	require.Len(t, events, 3)
	assert.Equal(t, "failure", events[2].Result)
	assert.Equal(t, "usage cap reached", events[2].Reason)
}

func TestExpiredSecretTombstonesOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.mgr.Create(ctx, "db-password", TypePassword, nil, actor())
	require.NoError(t, err)

	f.now = f.now.Add(91 * 24 * time.Hour)
	_, err = f.mgr.Read(ctx, "db-password", actor())
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))

	meta, err := f.mgr.GetMetadata(ctx, "db-password")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, meta.Status)

	// Value wiped, metadata retained.
	raw, err := f.kv.Get(ctx, "voicehive/secrets/password/db-password")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRotateBacksUpAndResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, _, err := f.mgr.Create(ctx, "db-password", TypePassword, nil, actor())
	require.NoError(t, err)
	_, err = f.mgr.Read(ctx, "db-password", actor())
	require.NoError(t, err)

	f.now = f.now.Add(24 * time.Hour)
	meta, err := f.mgr.Rotate(ctx, "db-password", actor())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, meta.Status)
	assert.Equal(t, 1, meta.RotationCount)
	assert.Equal(t, 0, meta.UsageCount, "rotation resets usage")
	assert.Equal(t, f.now, meta.LastRotated)
	assert.Equal(t, f.now.Add(90*24*time.Hour), meta.ExpiresAt, "rotation extends expiry")

	rotated, err := f.mgr.Read(ctx, "db-password", actor())
	require.NoError(t, err)
	assert.NotEqual(t, original, rotated)

	backup, err := f.kv.Get(ctx, "voicehive/secrets/password/db-password/backups/0")
	require.NoError(t, err)
	assert.Equal(t, original, backup)
}

func TestRotateRetainsLastKBackups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.mgr.Create(ctx, "db-password", TypePassword, nil, actor())
	require.NoError(t, err)
	for i := 0; i < 4; i++ { // password policy retains 3
		_, err = f.mgr.Rotate(ctx, "db-password", actor())
		require.NoError(t, err)
	}

	oldest, err := f.kv.Get(ctx, "voicehive/secrets/password/db-password/backups/0")
	require.NoError(t, err)
	assert.Nil(t, oldest, "oldest backup pruned")
	for n := 1; n <= 3; n++ {
		b, err := f.kv.Get(ctx, fmt.Sprintf("voicehive/secrets/password/db-password/backups/%d", n))
		require.NoError(t, err)
		assert.NotNil(t, b, "backup %d retained", n)
	}
}

func TestRotateFailureRevertsToPreviousGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, _, err := f.mgr.Create(ctx, "db-password", TypePassword, nil, actor())
	require.NoError(t, err)

	f.kv.FailSet = func(key string) bool {
		return key == "voicehive/secrets/password/db-password"
	}
	_, err = f.mgr.Rotate(ctx, "db-password", actor())
	require.Error(t, err)
	f.kv.FailSet = nil

	meta, err := f.mgr.GetMetadata(ctx, "db-password")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, meta.Status)
	assert.Equal(t, 0, meta.RotationCount)

	value, err := f.mgr.Read(ctx, "db-password", actor())
	require.NoError(t, err)
	assert.Equal(t, original, value)
}

func TestRevokeTombstonesValueAndBackups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.mgr.Create(ctx, "partner-key", TypeAPIKey, nil, actor())
	require.NoError(t, err)
	_, err = f.mgr.Rotate(ctx, "partner-key", actor())
	require.NoError(t, err)

	require.NoError(t, f.mgr.Revoke(ctx, "partner-key", actor(), "partner offboarded"))

	meta, err := f.mgr.GetMetadata(ctx, "partner-key")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, meta.Status)
	assert.Equal(t, 1, meta.RotationCount, "metadata retained for audit")

	value, err := f.kv.Get(ctx, "voicehive/secrets/api_key/partner-key")
	require.NoError(t, err)
	assert.Nil(t, value)
	backup, err := f.kv.Get(ctx, "voicehive/secrets/api_key/partner-key/backups/0")
	require.NoError(t, err)
	assert.Nil(t, backup)

	_, err = f.mgr.Read(ctx, "partner-key", actor())
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))
}

func TestEmergencyRotationFansOutPerType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"pw-1", "pw-2", "pw-3"} {
		_, _, err := f.mgr.Create(ctx, id, TypePassword, nil, actor())
		require.NoError(t, err)
	}
	_, _, err := f.mgr.Create(ctx, "other-key", TypeAPIKey, nil, actor())
	require.NoError(t, err)

	rotated, failed, err := f.mgr.EmergencyRotate(ctx, TypePassword, actor())
	require.NoError(t, err)
	assert.Equal(t, 3, rotated)
	assert.Empty(t, failed)

	for _, id := range []string{"pw-1", "pw-2", "pw-3"} {
		meta, err := f.mgr.GetMetadata(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, meta.RotationCount)
		assert.Equal(t, StrategyEmergency, meta.Strategy)
	}
	untouched, err := f.mgr.GetMetadata(ctx, "other-key")
	require.NoError(t, err)
	assert.Equal(t, 0, untouched.RotationCount)

	events := f.auditor.Find("secret.emergency_rotation")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityElevated, events[0].Severity)
}

func TestReadAuditCarriesActorContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.mgr.Create(ctx, "db-password", TypePassword, nil, actor())
	require.NoError(t, err)
	_, err = f.mgr.Read(ctx, "db-password", actor())
	require.NoError(t, err)

	events := f.auditor.Find("secret.read")
	require.Len(t, events, 1)
	assert.Equal(t, "svc-pms", events[0].Actor)
	assert.Equal(t, "10.0.0.2", events[0].SourceIP)
	assert.Equal(t, "connector", events[0].UserAgent)
	assert.Equal(t, "api", events[0].Metadata["method"])
	assert.Equal(t, "success", events[0].Result)
}
