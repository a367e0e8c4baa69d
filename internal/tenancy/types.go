// Package tenancy owns the multi-tenant model: tenants, chains, the
// property hierarchy, configuration inheritance, and chain-wide operations.
package tenancy

import (
	"context"
	"time"
)

// InheritanceMode controls how a property composes its configuration with
// its ancestors.
type InheritanceMode string

const (
	InheritFull      InheritanceMode = "full"      // ancestor config shadows local values
	InheritSelective InheritanceMode = "selective" // only named keys are inherited
	InheritOverride  InheritanceMode = "override"  // ancestor is the base, local wins per key
	InheritNone      InheritanceMode = "none"      // fully independent
)

// Property hierarchy depth is bounded; HQ sits at level 0.
const MaxHierarchyDepth = 5

// Tenant is one platform customer.
type Tenant struct {
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Tier      string         `json:"tier"`
	Status    string         `json:"status"`
	Limits    map[string]int `json:"limits,omitempty"`
	ChainRef  string         `json:"chain_ref,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Chain groups properties under shared policies.
type Chain struct {
	ChainID      string                 `json:"chain_id"`
	Code         string                 `json:"code"`
	HQPropertyID string                 `json:"hq_property_id"`
	Tier         string                 `json:"tier"`
	Policies     map[string]interface{} `json:"policies,omitempty"`
}

// Property is one node of the chain hierarchy. PropertyID doubles as the
// tenant id.
type Property struct {
	PropertyID       string                 `json:"property_id"`
	ChainID          string                 `json:"chain_id"`
	ParentPropertyID string                 `json:"parent_property_id,omitempty"`
	Level            int                    `json:"level"`
	Type             string                 `json:"type"` // HQ, regional, hotel, ...
	Status           string                 `json:"status"`
	Inheritance      InheritanceMode        `json:"inheritance"`
	InheritedKeys    []string               `json:"inherited_keys,omitempty"`
	LocalConfig      map[string]interface{} `json:"local_config,omitempty"`
	LocalOverrides   map[string]interface{} `json:"local_overrides,omitempty"`
	ConfigVersion    int64                  `json:"config_version"`
}

// APIKey is the stored half of a tenant credential; the secret never
// persists in clear.
type APIKey struct {
	KeyID     string     `json:"key_id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	Scopes    []string   `json:"scopes,omitempty"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Store is the persistence boundary. The SQL implementation lives in the
// database package; tests use the in-memory store.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	CreateTenant(ctx context.Context, t *Tenant) error
	UpdateTenant(ctx context.Context, t *Tenant) error

	GetChain(ctx context.Context, chainID string) (*Chain, error)
	GetChainByCode(ctx context.Context, code string) (*Chain, error)
	CreateChain(ctx context.Context, c *Chain) error

	GetProperty(ctx context.Context, propertyID string) (*Property, error)
	CreateProperty(ctx context.Context, p *Property) error
	UpdateProperty(ctx context.Context, p *Property) error
	ListChildren(ctx context.Context, propertyID string) ([]*Property, error)
	ListChainProperties(ctx context.Context, chainID string) ([]*Property, error)

	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, k *APIKey) error
}
