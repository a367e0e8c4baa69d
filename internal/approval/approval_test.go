package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/errdefs"
)

type approvalFixture struct {
	svc     *Service
	auditor *audit.MemoryRecorder
	now     time.Time
}

func newFixture(t *testing.T) *approvalFixture {
	t.Helper()
	f := &approvalFixture{
		auditor: audit.NewMemoryRecorder(),
		now:     time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(NewMemoryStore(), DefaultRules(), f.auditor, func() time.Time { return f.now })
	return f
}

func submit(t *testing.T, f *approvalFixture, env string, fields ...string) *Request {
	t.Helper()
	changes := make([]Change, 0, len(fields))
	for _, field := range fields {
		changes = append(changes, Change{Field: field, NewValue: "redacted"})
	}
	req, err := f.svc.Submit(context.Background(), SubmitInput{
		TenantID:      "tenant-1",
		Environment:   env,
		Requester:     "dev@example.com",
		Changes:       changes,
		Justification: "rotate per security policy",
	})
	require.NoError(t, err)
	return req
}

func TestJWTSecretChangeRequiresSecurityAndPlatformAdmins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submit(t, f, "production", "auth.jwt_secret_key")
	assert.Equal(t, PriorityCritical, req.Priority)
	assert.Equal(t, []string{"platform_admin", "security_admin"}, req.RequiredApprovers)
	assert.Equal(t, 4*time.Hour, req.ExpiresAt.Sub(req.CreatedAt))
	assert.Equal(t, StatusPending, req.Status)

	// Both approve within the window.
	f.now = f.now.Add(time.Hour)
	got, err := f.svc.Approve(ctx, req.ID, "sec@example.com", "security_admin", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "one of two approvals is not enough")

	got, err = f.svc.Approve(ctx, req.ID, "admin@example.com", "platform_admin", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestApprovalPastExpiryObservesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submit(t, f, "production", "auth.jwt_secret_key")

	f.now = f.now.Add(5 * time.Hour)
	_, err := f.svc.Approve(ctx, req.ID, "sec@example.com", "security_admin", "")
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))

	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestStrictestRuleWinsAcrossFields(t *testing.T) {
	f := newFixture(t)

	// tts.* alone is medium with a 24h window.
	req := submit(t, f, "staging", "tts.default_voice")
	assert.Equal(t, PriorityMedium, req.Priority)
	assert.Equal(t, 24*time.Hour, req.ExpiresAt.Sub(req.CreatedAt))
	assert.Equal(t, []string{"platform_admin"}, req.RequiredApprovers)

	// Adding an auth field escalates to critical, shrinks the window, and
	// unions the approver sets.
	req = submit(t, f, "staging", "tts.default_voice", "auth.session_ttl")
	assert.Equal(t, PriorityCritical, req.Priority)
	assert.Equal(t, 4*time.Hour, req.ExpiresAt.Sub(req.CreatedAt))
	assert.Equal(t, []string{"platform_admin", "security_admin"}, req.RequiredApprovers)
}

func TestProductionAddsPlatformAdmin(t *testing.T) {
	f := newFixture(t)

	staging := submit(t, f, "staging", "resilience.breaker_threshold")
	assert.Equal(t, []string{"sre"}, staging.RequiredApprovers)

	prod := submit(t, f, "production", "resilience.breaker_threshold")
	assert.Equal(t, []string{"platform_admin", "sre"}, prod.RequiredApprovers)
}

func TestRejectionIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submit(t, f, "production", "database.max_connections")
	got, err := f.svc.Reject(ctx, req.ID, "dba@example.com", "dba", "needs load test first")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)

	// Terminal states never change.
	_, err = f.svc.Approve(ctx, req.ID, "admin@example.com", "platform_admin", "")
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
	_, err = f.svc.Reject(ctx, req.ID, "admin@example.com", "platform_admin", "again")
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestRequesterCancelsPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submit(t, f, "staging", "asr.sample_rate")

	// Only the original requester may withdraw.
	_, err := f.svc.Cancel(ctx, req.ID, "other@example.com")
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))

	got, err := f.svc.Cancel(ctx, req.ID, "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.False(t, got.DecidedAt.IsZero())

	// Cancelled is terminal.
	_, err = f.svc.Approve(ctx, req.ID, "admin@example.com", "platform_admin", "")
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
	_, err = f.svc.Cancel(ctx, req.ID, "dev@example.com")
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestOnlyRequiredRolesMayDecide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submit(t, f, "staging", "asr.sample_rate")
	_, err := f.svc.Approve(ctx, req.ID, "dev@example.com", "developer", "")
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))

	// The same role cannot approve twice.
	_, err = f.svc.Approve(ctx, req.ID, "admin@example.com", "platform_admin", "")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, req.ID, "admin2@example.com", "platform_admin", "")
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestEmergencyOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submit(t, f, "production", "database.pool_size")
	require.True(t, req.OverrideAllowed)

	_, err := f.svc.EmergencyOverride(ctx, req.ID, "dev@example.com", "developer", "outage")
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))

	_, err = f.svc.EmergencyOverride(ctx, req.ID, "oncall@example.com", "emergency_responder", "")
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err), "justification is mandatory")

	got, err := f.svc.EmergencyOverride(ctx, req.ID, "oncall@example.com", "emergency_responder",
		"primary pool exhausted, guests cannot check in")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	require.NotNil(t, got.Override)
	assert.Equal(t, "emergency_responder", got.Override.Role)

	events := f.auditor.Find("approval.emergency_override")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityElevated, events[0].Severity)
}

func TestOverrideBlockedForOptOutRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// auth.* does not opt into emergency override; mixing it in disables
	// the path for the whole request.
	req := submit(t, f, "production", "database.pool_size", "auth.jwt_secret_key")
	require.False(t, req.OverrideAllowed)

	_, err := f.svc.EmergencyOverride(ctx, req.ID, "sec@example.com", "security_admin", "incident 4711")
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))
}

func TestListPendingExpiresStaleRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := submit(t, f, "production", "auth.jwt_secret_key") // 4h window
	fresh := submit(t, f, "staging", "tts.default_voice")      // 24h window

	f.now = f.now.Add(6 * time.Hour)
	open, err := f.svc.ListPending(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, fresh.ID, open[0].ID)

	got, err := f.svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestUnknownFieldFallsBackToDefaultRule(t *testing.T) {
	f := newFixture(t)

	req := submit(t, f, "staging", "branding.logo_url")
	assert.Equal(t, PriorityLow, req.Priority)
	assert.Equal(t, []string{"platform_admin"}, req.RequiredApprovers)
	assert.Equal(t, 72*time.Hour, req.ExpiresAt.Sub(req.CreatedAt))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, SubmitInput{Requester: "dev", Justification: "x"})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	_, err = f.svc.Submit(ctx, SubmitInput{
		Requester: "dev",
		Changes:   []Change{{Field: "tts.default_voice"}},
	})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err), "justification is required")
}
