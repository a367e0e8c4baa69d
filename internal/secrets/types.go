// Package secrets manages credential lifecycle: typed creation, rotation
// with backups, revocation tombstones, audited access, and anomaly
// detection over recent access history.
package secrets

import (
	"context"
	"time"
)

// Type selects the value shape generated for a secret.
type Type string

const (
	TypePassword      Type = "password"
	TypeAPIKey        Type = "api_key"
	TypeEncryptionKey Type = "encryption_key"
)

// Status is the lifecycle state. Tombstoned secrets keep metadata but
// their values are wiped.
type Status string

const (
	StatusActive          Status = "active"
	StatusPendingRotation Status = "pending_rotation"
	StatusRotating        Status = "rotating"
	StatusDeprecated      Status = "deprecated"
	StatusRevoked         Status = "revoked"
	StatusExpired         Status = "expired"
)

// Strategy names what drives rotation.
type Strategy string

const (
	StrategyTime      Strategy = "time"
	StrategyUsage     Strategy = "usage"
	StrategyManual    Strategy = "manual"
	StrategyEmergency Strategy = "emergency"
)

// Metadata is stored separately from the secret value.
type Metadata struct {
	SecretID      string    `json:"secret_id"`
	Type          Type      `json:"type"`
	Status        Status    `json:"status"`
	Strategy      Strategy  `json:"strategy"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	LastRotated   time.Time `json:"last_rotated,omitempty"`
	AccessedAt    time.Time `json:"accessed_at,omitempty"`
	RotationCount int       `json:"rotation_count"`
	UsageCount    int       `json:"usage_count"`
	MaxUsage      int       `json:"max_usage,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

// Policy drives expiry, usage caps, and backup retention per type.
type Policy struct {
	TTL         time.Duration
	MaxUsage    int // 0 means unlimited
	BackupCount int // last K rotations retained
	Strategy    Strategy
}

// DefaultPolicies is the shipped per-type policy table.
func DefaultPolicies() map[Type]Policy {
	return map[Type]Policy{
		TypePassword:      {TTL: 90 * 24 * time.Hour, BackupCount: 3, Strategy: StrategyTime},
		TypeAPIKey:        {TTL: 180 * 24 * time.Hour, BackupCount: 3, Strategy: StrategyTime},
		TypeEncryptionKey: {TTL: 365 * 24 * time.Hour, BackupCount: 5, Strategy: StrategyManual},
	}
}

// ActorContext identifies who is touching a secret, for the audit trail
// and the anomaly detector.
type ActorContext struct {
	Actor     string
	SourceIP  string
	UserAgent string
	Method    string
	Country   string
	SessionID string
}

// KV is the hierarchical store under the secrets paths. Implementations
// return (nil, nil) for missing keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
