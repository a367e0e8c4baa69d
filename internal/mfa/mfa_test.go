package mfa

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/cache"
	"github.com/voicehive/backend/internal/errdefs"
)

type mfaFixture struct {
	svc     *Service
	store   *MemoryStore
	auditor *audit.MemoryRecorder
	now     time.Time
}

func newFixture(t *testing.T) *mfaFixture {
	t.Helper()
	cipher, err := NewSecretCipher(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	f := &mfaFixture{
		store:   NewMemoryStore(),
		auditor: audit.NewMemoryRecorder(),
		now:     time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	sessions := cache.NewTieredCache(cache.TieredConfig{
		Name:   "mfa",
		Memory: cache.MemoryCacheConfig{MaxEntries: 100, Policy: cache.PolicyLRU},
	})
	f.svc = NewService(f.store, cipher, sessions, f.auditor, Config{
		Issuer: "VoiceHive",
		Clock:  func() time.Time { return f.now },
	})
	return f
}

func actor() ActorContext {
	return ActorContext{Actor: "ops@example.com", SourceIP: "10.0.0.1", UserAgent: "cli"}
}

// secretFromURI pulls the shared secret out of the provisioning URI so the
// test can play the authenticator app.
func secretFromURI(t *testing.T, uri string) string {
	t.Helper()
	u, err := url.Parse(uri)
	require.NoError(t, err)
	return u.Query().Get("secret")
}

func enroll(t *testing.T, f *mfaFixture, userID string) (secret string, recovery []string) {
	t.Helper()
	ctx := context.Background()
	challenge, err := f.svc.BeginEnrollment(ctx, userID, userID+"@example.com", actor())
	require.NoError(t, err)
	secret = secretFromURI(t, challenge.ProvisioningURI)

	code, err := totp.GenerateCode(secret, f.now)
	require.NoError(t, err)
	recovery, err = f.svc.CompleteEnrollment(ctx, userID, code, actor())
	require.NoError(t, err)
	return secret, recovery
}

func TestEnrollmentCompletesOnFirstValidCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	challenge, err := f.svc.BeginEnrollment(ctx, "u1", "u1@example.com", actor())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(challenge.ProvisioningURI, "otpauth://totp/"))

	// Enrollment stays pending until a code verifies.
	enabled, err := f.svc.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = f.svc.CompleteEnrollment(ctx, "u1", "000000", actor())
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))

	secret := secretFromURI(t, challenge.ProvisioningURI)
	code, err := totp.GenerateCode(secret, f.now)
	require.NoError(t, err)
	codes, err := f.svc.CompleteEnrollment(ctx, "u1", code, actor())
	require.NoError(t, err)
	assert.Len(t, codes, 10)

	enabled, err = f.svc.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestVerifyAcceptsOneStepDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret, _ := enroll(t, f, "u1")

	// Code from the previous 30s step still verifies.
	stale, err := totp.GenerateCode(secret, f.now.Add(-30*time.Second))
	require.NoError(t, err)
	require.NoError(t, f.svc.VerifyCode(ctx, "u1", stale, actor()))

	// Two steps out is rejected.
	tooOld, err := totp.GenerateCode(secret, f.now.Add(-90*time.Second))
	require.NoError(t, err)
	err = f.svc.VerifyCode(ctx, "u1", tooOld, actor())
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))
}

func TestRecoveryCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, codes := enroll(t, f, "u1")
	require.Len(t, codes, 10)

	remaining, err := f.svc.UseRecoveryCode(ctx, "u1", codes[3], actor())
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)

	_, err = f.svc.UseRecoveryCode(ctx, "u1", codes[3], actor())
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err), "a recovery code succeeds exactly once")

	// A different code still works.
	remaining, err = f.svc.UseRecoveryCode(ctx, "u1", codes[4], actor())
	require.NoError(t, err)
	assert.Equal(t, 8, remaining)
}

func TestSecretNeverStoredInClear(t *testing.T) {
	f := newFixture(t)
	secret, _ := enroll(t, f, "u1")

	stored, err := f.store.GetEnrollment(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotContains(t, string(stored.SecretSealed), secret)
}

func TestSessionGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enroll(t, f, "u1")

	assert.False(t, f.svc.SessionVerified(ctx, "sess-1", 5*time.Minute),
		"absent cache entry means not verified")

	f.svc.MarkSessionVerified(ctx, "sess-1", "u1")
	assert.True(t, f.svc.SessionVerified(ctx, "sess-1", 5*time.Minute))

	// Outside the policy window the verification no longer counts.
	f.now = f.now.Add(10 * time.Minute)
	assert.False(t, f.svc.SessionVerified(ctx, "sess-1", 5*time.Minute))
}

func TestVerifiedWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enroll(t, f, "u1")

	ok, err := f.svc.VerifiedWithin(ctx, "u1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "enrollment completion counts as a verification")

	f.now = f.now.Add(6 * time.Minute)
	ok, err = f.svc.VerifiedWithin(ctx, "u1", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisableWipesSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enroll(t, f, "u1")

	require.NoError(t, f.svc.Disable(ctx, "u1", actor()))

	stored, err := f.store.GetEnrollment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, stored.State)
	assert.Nil(t, stored.SecretSealed)
	assert.Empty(t, stored.RecoveryCodes)

	enabled, err := f.svc.IsEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestAuditTrailCoversAllEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret, codes := enroll(t, f, "u1")

	code, _ := totp.GenerateCode(secret, f.now)
	require.NoError(t, f.svc.VerifyCode(ctx, "u1", code, actor()))
	_ = f.svc.VerifyCode(ctx, "u1", "000000", actor())
	_, _ = f.svc.UseRecoveryCode(ctx, "u1", codes[0], actor())
	require.NoError(t, f.svc.Disable(ctx, "u1", actor()))

	assert.Len(t, f.auditor.Find("mfa.enroll.begin"), 1)
	assert.Len(t, f.auditor.Find("mfa.enroll.complete"), 1)
	assert.Len(t, f.auditor.Find("mfa.verify"), 2)
	assert.Len(t, f.auditor.Find("mfa.recovery"), 1)
	assert.Len(t, f.auditor.Find("mfa.disable"), 1)

	for _, e := range f.auditor.Events() {
		assert.Equal(t, "ops@example.com", e.Actor)
		assert.Equal(t, "10.0.0.1", e.SourceIP)
	}

	failures := 0
	for _, e := range f.auditor.Find("mfa.verify") {
		if e.Result == "failure" {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}
