package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/errdefs"
)

const defaultPathPrefix = "voicehive"

// ManagerConfig wires the lifecycle manager.
type ManagerConfig struct {
	KV         KV
	Auditor    audit.Recorder
	Policies   map[Type]Policy
	Detector   *AnomalyDetector
	PathPrefix string
	Clock      func() time.Time

	// EmergencyConcurrency bounds fan-out rotation. Defaults to 5.
	EmergencyConcurrency int
}

// Manager owns secret values, metadata, backups, and the access audit
// trail. Writes serialize per secret; reads may observe the previous
// generation.
type Manager struct {
	kv          KV
	auditor     audit.Recorder
	policies    map[Type]Policy
	detector    *AnomalyDetector
	prefix      string
	now         func() time.Time
	concurrency int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.NopRecorder{}
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = defaultPathPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.EmergencyConcurrency <= 0 {
		cfg.EmergencyConcurrency = 5
	}
	return &Manager{
		kv:          cfg.KV,
		auditor:     cfg.Auditor,
		policies:    cfg.Policies,
		detector:    cfg.Detector,
		prefix:      cfg.PathPrefix,
		now:         cfg.Clock,
		concurrency: cfg.EmergencyConcurrency,
		locks:       make(map[string]*sync.Mutex),
	}
}

// ──────────────────────────────────────────────────────────────────────
// Paths
// ──────────────────────────────────────────────────────────────────────

func (m *Manager) valueKey(typ Type, id string) string {
	return fmt.Sprintf("%s/secrets/%s/%s", m.prefix, typ, id)
}

func (m *Manager) metaKey(id string) string {
	return fmt.Sprintf("%s/metadata/%s", m.prefix, id)
}

func (m *Manager) backupKey(typ Type, id string, n int) string {
	return fmt.Sprintf("%s/secrets/%s/%s/backups/%d", m.prefix, typ, id, n)
}

// ──────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────

// Create generates a value of the type's shape and stores it separately
// from its metadata. The plaintext is returned exactly once.
func (m *Manager) Create(ctx context.Context, id string, typ Type, tags []string, actor ActorContext) ([]byte, *Metadata, error) {
	if id == "" {
		return nil, nil, errdefs.Validation("secret id is required")
	}
	policy, ok := m.policies[typ]
	if !ok {
		return nil, nil, errdefs.Validationf("unknown secret type %q", typ)
	}

	unlock := m.lockSecret(id)
	defer unlock()

	existing, err := m.loadMeta(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, errdefs.Conflict(fmt.Sprintf("secret %s already exists", id))
	}

	value, err := generateValue(typ)
	if err != nil {
		return nil, nil, err
	}
	now := m.now()
	meta := &Metadata{
		SecretID:  id,
		Type:      typ,
		Status:    StatusActive,
		Strategy:  policy.Strategy,
		CreatedAt: now,
		MaxUsage:  policy.MaxUsage,
		Tags:      tags,
	}
	if policy.TTL > 0 {
		meta.ExpiresAt = now.Add(policy.TTL)
	}

	if err := m.kv.Set(ctx, m.valueKey(typ, id), value, 0); err != nil {
		return nil, nil, err
	}
	if err := m.saveMeta(ctx, meta); err != nil {
		return nil, nil, err
	}

	slog.Info("[Secrets] Secret created", "secret_id", id, "type", typ, "expires_at", meta.ExpiresAt)
	m.audit(ctx, actor, "secret.create", id, true, "")
	return value, meta, nil
}

// Read returns the active value. It checks status, expiry, and the usage
// cap, increments usage, and audits the attempt either way. Expired
// secrets tombstone on first observation.
func (m *Manager) Read(ctx context.Context, id string, actor ActorContext) ([]byte, error) {
	unlock := m.lockSecret(id)
	defer unlock()

	meta, err := m.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		m.observe(id, actor, false)
		m.audit(ctx, actor, "secret.read", id, false, "not found")
		return nil, errdefs.NotFound(fmt.Sprintf("secret %s not found", id))
	}
	if !meta.ExpiresAt.IsZero() && m.now().After(meta.ExpiresAt) {
		if err := m.tombstone(ctx, meta, StatusExpired); err != nil {
			slog.Error("[Secrets] Failed to tombstone expired secret", "secret_id", id, "error", err)
		}
		m.observe(id, actor, false)
		m.audit(ctx, actor, "secret.read", id, false, "expired")
		return nil, errdefs.Auth(fmt.Sprintf("secret %s has expired", id))
	}
	if meta.Status != StatusActive {
		m.observe(id, actor, false)
		m.audit(ctx, actor, "secret.read", id, false, "status "+string(meta.Status))
		return nil, errdefs.Auth(fmt.Sprintf("secret %s is %s", id, meta.Status))
	}
	if meta.MaxUsage > 0 && meta.UsageCount >= meta.MaxUsage {
		m.observe(id, actor, false)
		m.audit(ctx, actor, "secret.read", id, false, "usage cap reached")
		return nil, errdefs.Auth(fmt.Sprintf("secret %s has reached its usage cap", id))
	}

	value, err := m.kv.Get(ctx, m.valueKey(meta.Type, id))
	if err != nil {
		return nil, err
	}
	if value == nil {
		m.observe(id, actor, false)
		m.audit(ctx, actor, "secret.read", id, false, "value missing")
		return nil, errdefs.Internal(fmt.Sprintf("secret %s metadata exists but value is missing", id), nil)
	}

	// Reads only touch usage_count and accessed_at.
	meta.UsageCount++
	meta.AccessedAt = m.now()
	if err := m.saveMeta(ctx, meta); err != nil {
		return nil, err
	}
	m.observe(id, actor, true)
	m.audit(ctx, actor, "secret.read", id, true, "")
	return value, nil
}

// Rotate backs up the current value, writes a new one, and resets usage.
// Retains the last K backups per policy. A failed write reverts to the
// previous generation.
func (m *Manager) Rotate(ctx context.Context, id string, actor ActorContext) (*Metadata, error) {
	unlock := m.lockSecret(id)
	defer unlock()
	return m.rotateLocked(ctx, id, actor, StrategyManual)
}

func (m *Manager) rotateLocked(ctx context.Context, id string, actor ActorContext, strategy Strategy) (*Metadata, error) {
	meta, err := m.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errdefs.NotFound(fmt.Sprintf("secret %s not found", id))
	}
	if meta.Status != StatusActive && meta.Status != StatusPendingRotation {
		return nil, errdefs.Conflict(fmt.Sprintf("secret %s is %s and cannot rotate", id, meta.Status))
	}
	policy := m.policies[meta.Type]

	current, err := m.kv.Get(ctx, m.valueKey(meta.Type, id))
	if err != nil {
		return nil, err
	}

	prevStatus := meta.Status
	meta.Status = StatusRotating
	if err := m.saveMeta(ctx, meta); err != nil {
		return nil, err
	}
	revert := func() {
		meta.Status = prevStatus
		if err := m.saveMeta(ctx, meta); err != nil {
			slog.Error("[Secrets] Failed to revert rotation state", "secret_id", id, "error", err)
		}
	}

	if current != nil {
		if err := m.kv.Set(ctx, m.backupKey(meta.Type, id, meta.RotationCount), current, 0); err != nil {
			revert()
			m.audit(ctx, actor, "secret.rotate", id, false, "backup failed")
			return nil, err
		}
		if policy.BackupCount > 0 {
			stale := meta.RotationCount - policy.BackupCount
			if stale >= 0 {
				_ = m.kv.Delete(ctx, m.backupKey(meta.Type, id, stale))
			}
		}
	}

	next, err := generateValue(meta.Type)
	if err != nil {
		revert()
		return nil, err
	}
	if err := m.kv.Set(ctx, m.valueKey(meta.Type, id), next, 0); err != nil {
		revert()
		m.audit(ctx, actor, "secret.rotate", id, false, "write failed")
		return nil, err
	}

	now := m.now()
	meta.Status = StatusActive
	meta.Strategy = strategy
	meta.RotationCount++
	meta.UsageCount = 0
	meta.LastRotated = now
	if policy.TTL > 0 {
		meta.ExpiresAt = now.Add(policy.TTL)
	}
	if err := m.saveMeta(ctx, meta); err != nil {
		// Put the previous generation back so readers stay consistent
		// with the metadata they can still see.
		if current != nil {
			if rerr := m.kv.Set(ctx, m.valueKey(meta.Type, id), current, 0); rerr != nil {
				slog.Error("[Secrets] Failed to restore value after rotation failure", "secret_id", id, "error", rerr)
			}
		}
		return nil, err
	}

	slog.Info("[Secrets] Secret rotated",
		"secret_id", id, "rotation_count", meta.RotationCount, "strategy", strategy)
	m.audit(ctx, actor, "secret.rotate", id, true, "")
	return meta, nil
}

// Revoke tombstones a secret: values and backups are wiped, metadata
// stays for the audit trail.
func (m *Manager) Revoke(ctx context.Context, id string, actor ActorContext, reason string) error {
	unlock := m.lockSecret(id)
	defer unlock()

	meta, err := m.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	if meta == nil {
		return errdefs.NotFound(fmt.Sprintf("secret %s not found", id))
	}
	if meta.Status == StatusRevoked || meta.Status == StatusExpired {
		return errdefs.Conflict(fmt.Sprintf("secret %s is already %s", id, meta.Status))
	}
	if err := m.tombstone(ctx, meta, StatusRevoked); err != nil {
		return err
	}

	slog.Warn("[Secrets] Secret revoked", "secret_id", id, "reason", reason)
	m.audit(ctx, actor, "secret.revoke", id, true, reason)
	return nil
}

// EmergencyRotate rotates every active secret of a type with bounded
// concurrency. Per-secret failures are collected, not fatal to the rest.
func (m *Manager) EmergencyRotate(ctx context.Context, typ Type, actor ActorContext) (rotated int, failed []string, err error) {
	ids, err := m.ListByType(ctx, typ)
	if err != nil {
		return 0, nil, err
	}

	var (
		mu sync.Mutex
		ok int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			unlock := m.lockSecret(id)
			defer unlock()
			_, rerr := m.rotateLocked(gctx, id, actor, StrategyEmergency)
			mu.Lock()
			defer mu.Unlock()
			if rerr != nil {
				failed = append(failed, id)
				return nil
			}
			ok++
			return nil
		})
	}
	_ = g.Wait()

	slog.Warn("[Secrets] Emergency rotation completed",
		"type", typ, "rotated", ok, "failed", len(failed))
	m.auditor.Record(ctx, audit.Event{
		Actor:    actor.Actor,
		Action:   "secret.emergency_rotation",
		Resource: "secrets/" + string(typ),
		Result:   resultOf(len(failed) == 0),
		Severity: audit.SeverityElevated,
		SourceIP: actor.SourceIP,
		Metadata: map[string]any{"rotated": ok, "failed": failed},
	})
	return ok, failed, nil
}

// GetMetadata returns the metadata without touching usage counters.
func (m *Manager) GetMetadata(ctx context.Context, id string) (*Metadata, error) {
	meta, err := m.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errdefs.NotFound(fmt.Sprintf("secret %s not found", id))
	}
	return meta, nil
}

// ListByType returns ids of live (non-tombstoned) secrets of a type.
func (m *Manager) ListByType(ctx context.Context, typ Type) ([]string, error) {
	prefix := fmt.Sprintf("%s/secrets/%s/", m.prefix, typ)
	keys, err := m.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if strings.Contains(rest, "/") { // backup entries
			continue
		}
		ids = append(ids, rest)
	}
	return ids, nil
}

// ──────────────────────────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────────────────────────

func (m *Manager) tombstone(ctx context.Context, meta *Metadata, status Status) error {
	keys := []string{m.valueKey(meta.Type, meta.SecretID)}
	for n := 0; n < meta.RotationCount; n++ {
		keys = append(keys, m.backupKey(meta.Type, meta.SecretID, n))
	}
	if err := m.kv.Delete(ctx, keys...); err != nil {
		return err
	}
	meta.Status = status
	return m.saveMeta(ctx, meta)
}

func (m *Manager) loadMeta(ctx context.Context, id string) (*Metadata, error) {
	data, err := m.kv.Get(ctx, m.metaKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errdefs.Internal("corrupt secret metadata", err)
	}
	return &meta, nil
}

func (m *Manager) saveMeta(ctx context.Context, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errdefs.Internal("encode secret metadata", err)
	}
	return m.kv.Set(ctx, m.metaKey(meta.SecretID), data, 0)
}

func (m *Manager) lockSecret(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) observe(id string, actor ActorContext, success bool) {
	if m.detector != nil {
		m.detector.Observe(AccessRecord{
			SecretID:  id,
			Actor:     actor.Actor,
			SourceIP:  actor.SourceIP,
			Country:   actor.Country,
			SessionID: actor.SessionID,
			Success:   success,
			At:        m.now(),
		})
	}
}

func (m *Manager) audit(ctx context.Context, actor ActorContext, action, id string, success bool, reason string) {
	severity := audit.SeverityInfo
	if !success {
		severity = audit.SeverityWarning
	}
	m.auditor.Record(ctx, audit.Event{
		Actor:     actor.Actor,
		Action:    action,
		Resource:  "secrets/" + id,
		Result:    resultOf(success),
		Reason:    reason,
		Severity:  severity,
		SourceIP:  actor.SourceIP,
		UserAgent: actor.UserAgent,
		Metadata:  map[string]any{"method": actor.Method},
	})
}

func resultOf(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// ──────────────────────────────────────────────────────────────────────
// Value generation
// ──────────────────────────────────────────────────────────────────────

const passwordCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*-_=+"

// generateValue produces a value of the shape each type expects:
// high-entropy mixed-charset string for passwords, URL-safe opaque token
// for API keys, raw symmetric key material for encryption keys.
func generateValue(typ Type) ([]byte, error) {
	switch typ {
	case TypePassword:
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, errdefs.Internal("generate password", err)
		}
		out := make([]byte, len(raw))
		for i, b := range raw {
			out[i] = passwordCharset[int(b)%len(passwordCharset)]
		}
		return out, nil
	case TypeAPIKey:
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, errdefs.Internal("generate api key", err)
		}
		return []byte("vhk_" + base64.RawURLEncoding.EncodeToString(raw)), nil
	case TypeEncryptionKey:
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, errdefs.Internal("generate key material", err)
		}
		return raw, nil
	default:
		return nil, errdefs.Validationf("unknown secret type %q", typ)
	}
}
