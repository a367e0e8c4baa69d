package tenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/voicehive/backend/internal/errdefs"
)

// ============================================================================
// TENANT MANAGER
// ============================================================================

// Manager handles tenant lifecycle and API key credentials.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GetTenant retrieves a tenant by ID.
func (m *Manager) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	t, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errdefs.NotFound("tenant " + tenantID + " not found")
	}
	return t, nil
}

// LoadTenant validates and loads a tenant, ensuring it is active.
func (m *Manager) LoadTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	tenant, err := m.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Status != "ACTIVE" && tenant.Status != "TRIAL" {
		return nil, errdefs.Auth(fmt.Sprintf("tenant is %s", tenant.Status))
	}
	return tenant, nil
}

// CreateTenant registers a new tenant.
func (m *Manager) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.TenantID == "" || t.Name == "" {
		return errdefs.Validation("tenant_id and name are required")
	}
	if t.Status == "" {
		t.Status = "TRIAL"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	existing, err := m.store.GetTenant(ctx, t.TenantID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errdefs.Conflict("tenant " + t.TenantID + " already exists")
	}
	return m.store.CreateTenant(ctx, t)
}

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// CreateAPIKey creates a new API key with format: vh_<id>.<secret>.
// The full key is returned exactly once; only the secret hash persists.
func (m *Manager) CreateAPIKey(ctx context.Context, tenantID, name string, scopes []string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", errdefs.Internal("generate key id", err)
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", errdefs.Internal("generate key secret", err)
	}
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("vh_%s.%s", keyID, secret)

	// Only the secret is hashed; the ID is the lookup handle.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", errdefs.Internal("hash key secret", err)
	}

	apiKey := &APIKey{
		KeyID:     keyID,
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(secretHash),
		Scopes:    scopes,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateAPIKey(ctx, apiKey); err != nil {
		return nil, "", err
	}
	return apiKey, fullKey, nil
}

// ValidateAPIKey validates a key of the form vh_<key_id>.<secret> and
// returns its tenant.
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*Tenant, error) {
	if !strings.HasPrefix(fullKey, "vh_") {
		return nil, errdefs.Auth("invalid key format")
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, "vh_"), ".")
	if len(parts) != 2 {
		return nil, errdefs.Auth("invalid key format")
	}
	keyID, secret := parts[0], parts[1]

	apiKey, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if apiKey == nil {
		return nil, errdefs.Auth("invalid api key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.KeyHash), []byte(secret)); err != nil {
		return nil, errdefs.Auth("invalid api key secret")
	}
	if !apiKey.IsActive {
		return nil, errdefs.Auth("api key inactive")
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, errdefs.Auth("api key expired")
	}
	return m.LoadTenant(ctx, apiKey.TenantID)
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
)

// WithTenant adds tenant ID to context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID extracts tenant ID from context.
func GetTenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", errdefs.Auth("tenant context missing")
	}
	return id, nil
}
