package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehive/backend/internal/approval"
	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/mfa"
	"github.com/voicehive/backend/internal/resilience"
	"github.com/voicehive/backend/internal/tenancy"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(resilience.NewSQLPool(db, resilience.SQLPoolConfig{})), mock
}

func TestGetTenantScansJSONColumns(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT tenant_id, name, tier, status, limits, chain_ref, created_at\s+FROM tenants`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"tenant_id", "name", "tier", "status", "limits", "chain_ref", "created_at"}).
			AddRow("tenant-1", "Grand Hotel", "premium", "ACTIVE",
				[]byte(`{"max_calls":100}`), "chain-1", created))

	tenant, err := store.GetTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "Grand Hotel", tenant.Name)
	assert.Equal(t, 100, tenant.Limits["max_calls"])
	assert.Equal(t, "chain-1", tenant.ChainRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTenantMissingReturnsNil(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM tenants WHERE tenant_id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	tenant, err := store.GetTenant(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, tenant)
}

func TestCreatePropertyWritesAllColumns(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO properties`).
		WithArgs("prop-1", "chain-1", "hq-1", 1, "hotel", "active", "override",
			[]byte(`["pms"]`), []byte(`{"currency":"EUR"}`), nil, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateProperty(context.Background(), &tenancy.Property{
		PropertyID:       "prop-1",
		ChainID:          "chain-1",
		ParentPropertyID: "hq-1",
		Level:            1,
		Type:             "hotel",
		Status:           "active",
		Inheritance:      tenancy.InheritOverride,
		InheritedKeys:    []string{"pms"},
		LocalConfig:      map[string]interface{}{"currency": "EUR"},
		ConfigVersion:    3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListChildrenScansRows(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"property_id", "chain_id", "parent_property_id", "level", "type",
		"status", "inheritance", "inherited_keys", "local_config", "local_overrides", "config_version"}
	mock.ExpectQuery(`FROM properties WHERE parent_property_id`).
		WithArgs("hq-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("prop-1", "chain-1", "hq-1", 1, "hotel", "active", "full", nil, nil, nil, int64(0)).
			AddRow("prop-2", "chain-1", "hq-1", 1, "hotel", "sold", "none", nil, nil, nil, int64(2)))

	children, err := store.ListChildren(context.Background(), "hq-1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, tenancy.InheritFull, children[0].Inheritance)
	assert.Equal(t, "sold", children[1].Status)
}

func TestMFAEnrollmentUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO mfa_enrollments`).
		WithArgs("u1", []byte{0x01}, "active", []byte(`[{"hash":"h","used":false}]`),
			created, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveEnrollment(context.Background(), &mfa.Enrollment{
		UserID:        "u1",
		SecretSealed:  []byte{0x01},
		State:         "active",
		RecoveryCodes: []mfa.RecoveryCode{{Hash: "h"}},
		CreatedAt:     created,
		ActivatedAt:   created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRequestRoundTripsAsDocument(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	req := &approval.Request{
		ID:                "req-1",
		TenantID:          "tenant-1",
		Status:            approval.StatusPending,
		Priority:          approval.PriorityCritical,
		RequiredApprovers: []string{"platform_admin", "security_admin"},
		Changes:           []approval.Change{{Field: "auth.jwt_secret_key"}},
		CreatedAt:         now,
		ExpiresAt:         now.Add(4 * time.Hour),
	}

	mock.ExpectExec(`INSERT INTO approval_requests`).
		WithArgs("req-1", "tenant-1", "pending", sqlmock.AnyArg(), now, now.Add(4*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SaveRequest(context.Background(), req))

	body := `{"id":"req-1","tenant_id":"tenant-1","status":"pending","priority":"critical",` +
		`"required_approvers":["platform_admin","security_admin"],` +
		`"changes":[{"field":"auth.jwt_secret_key"}],"justification":"",` +
		`"environment":"","requester":"","override_allowed":false,` +
		`"created_at":"2026-08-24T09:00:00Z","expires_at":"2026-08-24T13:00:00Z",` +
		`"decided_at":"0001-01-01T00:00:00Z"}`
	mock.ExpectQuery(`SELECT body FROM approval_requests`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow([]byte(body)))

	got, err := store.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, got.Status)
	assert.Equal(t, []string{"platform_admin", "security_admin"}, got.RequiredApprovers)
	assert.Equal(t, "auth.jwt_secret_key", got.Changes[0].Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAuditEvent(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs("evt-1", ts, "ops@example.com", "secret.read", "secrets/db-password",
			"success", sqlmock.AnyArg(), "info", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.InsertAuditEvent(context.Background(), audit.Event{
		ID:        "evt-1",
		Timestamp: ts,
		Actor:     "ops@example.com",
		Action:    "secret.read",
		Resource:  "secrets/db-password",
		Result:    "success",
		Severity:  audit.SeverityInfo,
		SourceIP:  "10.0.0.1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
