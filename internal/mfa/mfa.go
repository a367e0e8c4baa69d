// Package mfa implements TOTP enrollment, verification, recovery codes,
// and session gating for operator accounts.
package mfa

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/cache"
	"github.com/voicehive/backend/internal/errdefs"
)

const (
	// 160-bit shared secret per RFC 4226.
	secretSize = 20

	totpPeriod = 30 * time.Second

	sessionKeyPrefix = "mfa:session:"
)

// Enrollment states.
const (
	StatePending  = "pending_verification"
	StateActive   = "active"
	StateDisabled = "disabled"
)

// RecoveryCode is one stored backup credential.
type RecoveryCode struct {
	Hash string `json:"hash"`
	Used bool   `json:"used"`
}

// Enrollment is a user's MFA record. The TOTP secret is stored sealed.
type Enrollment struct {
	UserID         string         `json:"user_id"`
	SecretSealed   []byte         `json:"secret_sealed"`
	State          string         `json:"state"`
	RecoveryCodes  []RecoveryCode `json:"recovery_codes"`
	CreatedAt      time.Time      `json:"created_at"`
	ActivatedAt    time.Time      `json:"activated_at,omitempty"`
	LastVerifiedAt time.Time      `json:"last_verified_at,omitempty"`
}

// Store persists enrollments.
type Store interface {
	GetEnrollment(ctx context.Context, userID string) (*Enrollment, error)
	SaveEnrollment(ctx context.Context, e *Enrollment) error
}

// Config tunes the service.
type Config struct {
	Issuer            string
	DriftSteps        uint // accepted clock drift in TOTP steps, default 1
	RecoveryCodeCount int  // default 10
	SessionTTL        time.Duration
	Clock             func() time.Time
}

// Service is the MFA engine.
type Service struct {
	store    Store
	cipher   *SecretCipher
	sessions *cache.TieredCache
	auditor  audit.Recorder
	cfg      Config
}

// NewService wires the engine. sessions carries session verification state
// in the shared cache; absence of a key means "not verified".
func NewService(store Store, cipher *SecretCipher, sessions *cache.TieredCache, auditor audit.Recorder, cfg Config) *Service {
	if cfg.Issuer == "" {
		cfg.Issuer = "VoiceHive"
	}
	if cfg.DriftSteps == 0 {
		cfg.DriftSteps = 1
	}
	if cfg.RecoveryCodeCount <= 0 {
		cfg.RecoveryCodeCount = 10
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{store: store, cipher: cipher, sessions: sessions, auditor: auditor, cfg: cfg}
}

// EnrollmentChallenge is returned from BeginEnrollment. The provisioning
// URI feeds the authenticator app; enrollment completes only after the
// first code verifies.
type EnrollmentChallenge struct {
	ProvisioningURI string `json:"provisioning_uri"`
}

// BeginEnrollment generates and seals a fresh secret. Re-enrolling a
// pending user rotates the secret; an active enrollment must be disabled
// first.
func (s *Service) BeginEnrollment(ctx context.Context, userID, accountName string, actor ActorContext) (*EnrollmentChallenge, error) {
	existing, err := s.store.GetEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State == StateActive {
		return nil, errdefs.Conflict("mfa already enrolled for user " + userID)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.Issuer,
		AccountName: accountName,
		SecretSize:  secretSize,
	})
	if err != nil {
		return nil, errdefs.Internal("generate totp secret", err)
	}

	sealed, err := s.cipher.Encrypt([]byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	enrollment := &Enrollment{
		UserID:       userID,
		SecretSealed: sealed,
		State:        StatePending,
		CreatedAt:    s.cfg.Clock().UTC(),
	}
	if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "mfa.enroll.begin", userID, "success", "")
	return &EnrollmentChallenge{ProvisioningURI: key.URL()}, nil
}

// CompleteEnrollment verifies the first TOTP code; on success the
// enrollment activates and the recovery codes are returned exactly once.
func (s *Service) CompleteEnrollment(ctx context.Context, userID, code string, actor ActorContext) ([]string, error) {
	enrollment, err := s.store.GetEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil || enrollment.State != StatePending {
		return nil, errdefs.NotFound("no pending enrollment for user " + userID)
	}

	ok, err := s.validateCode(enrollment, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.audit(ctx, actor, "mfa.enroll.complete", userID, "failure", "invalid code")
		return nil, errdefs.Auth("invalid totp code")
	}

	plaintext, codes, err := s.generateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	now := s.cfg.Clock().UTC()
	enrollment.State = StateActive
	enrollment.ActivatedAt = now
	enrollment.LastVerifiedAt = now
	enrollment.RecoveryCodes = codes
	if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "mfa.enroll.complete", userID, "success", "")
	return plaintext, nil
}

// VerifyCode checks a 6-digit TOTP code against the active enrollment.
func (s *Service) VerifyCode(ctx context.Context, userID, code string, actor ActorContext) error {
	enrollment, err := s.activeEnrollment(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.validateCode(enrollment, code)
	if err != nil {
		return err
	}
	if !ok {
		s.audit(ctx, actor, "mfa.verify", userID, "failure", "invalid code")
		return errdefs.Auth("invalid totp code")
	}

	enrollment.LastVerifiedAt = s.cfg.Clock().UTC()
	if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
		return err
	}
	s.audit(ctx, actor, "mfa.verify", userID, "success", "")
	return nil
}

// UseRecoveryCode consumes one backup code. Returns how many unused codes
// remain so callers can prompt regeneration.
func (s *Service) UseRecoveryCode(ctx context.Context, userID, code string, actor ActorContext) (int, error) {
	enrollment, err := s.activeEnrollment(ctx, userID)
	if err != nil {
		return 0, err
	}

	matched := -1
	for i, rc := range enrollment.RecoveryCodes {
		if rc.Used {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(rc.Hash), []byte(code)) == nil {
			matched = i
			break
		}
	}
	if matched < 0 {
		s.audit(ctx, actor, "mfa.recovery", userID, "failure", "invalid or used code")
		return 0, errdefs.Auth("invalid recovery code")
	}

	enrollment.RecoveryCodes[matched].Used = true
	enrollment.LastVerifiedAt = s.cfg.Clock().UTC()
	if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
		return 0, err
	}

	remaining := 0
	for _, rc := range enrollment.RecoveryCodes {
		if !rc.Used {
			remaining++
		}
	}
	s.audit(ctx, actor, "mfa.recovery", userID, "success", "")
	if remaining <= 2 {
		slog.Warn("[MFA] User low on recovery codes", "user_id", userID, "remaining", remaining)
	}
	return remaining, nil
}

// Disable turns MFA off and wipes the sealed secret.
func (s *Service) Disable(ctx context.Context, userID string, actor ActorContext) error {
	enrollment, err := s.store.GetEnrollment(ctx, userID)
	if err != nil {
		return err
	}
	if enrollment == nil {
		return errdefs.NotFound("no enrollment for user " + userID)
	}
	enrollment.State = StateDisabled
	enrollment.SecretSealed = nil
	enrollment.RecoveryCodes = nil
	if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
		return err
	}
	s.audit(ctx, actor, "mfa.disable", userID, "success", "")
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Session gating
// ──────────────────────────────────────────────────────────────────────────────

type sessionState struct {
	UserID     string    `json:"user_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

// MarkSessionVerified records a session-level verification in the shared
// cache.
func (s *Service) MarkSessionVerified(ctx context.Context, sessionID, userID string) {
	state := sessionState{UserID: userID, VerifiedAt: s.cfg.Clock().UTC()}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	s.sessions.Set(ctx, sessionKeyPrefix+sessionID, data, s.cfg.SessionTTL, cache.TierAll)
}

// IsEnabled reports whether the user has an active enrollment.
func (s *Service) IsEnabled(ctx context.Context, userID string) (bool, error) {
	enrollment, err := s.store.GetEnrollment(ctx, userID)
	if err != nil {
		return false, err
	}
	return enrollment != nil && enrollment.State == StateActive, nil
}

// VerifiedWithin reports whether the user verified within the window.
func (s *Service) VerifiedWithin(ctx context.Context, userID string, window time.Duration) (bool, error) {
	enrollment, err := s.store.GetEnrollment(ctx, userID)
	if err != nil {
		return false, err
	}
	if enrollment == nil || enrollment.State != StateActive || enrollment.LastVerifiedAt.IsZero() {
		return false, nil
	}
	return s.cfg.Clock().Sub(enrollment.LastVerifiedAt) <= window, nil
}

// SessionVerified reports whether this session verified within the window.
// A missing cache entry means not verified.
func (s *Service) SessionVerified(ctx context.Context, sessionID string, window time.Duration) bool {
	data, ok := s.sessions.Get(ctx, sessionKeyPrefix+sessionID)
	if !ok {
		return false
	}
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return false
	}
	return s.cfg.Clock().Sub(state.VerifiedAt) <= window
}

// ──────────────────────────────────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────────────────────────────────

// ActorContext identifies who triggered an MFA event, for the audit trail.
type ActorContext struct {
	Actor     string
	SourceIP  string
	UserAgent string
}

func (s *Service) activeEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	enrollment, err := s.store.GetEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil || enrollment.State != StateActive {
		return nil, errdefs.Auth("mfa not enrolled for user " + userID)
	}
	return enrollment, nil
}

func (s *Service) validateCode(enrollment *Enrollment, code string) (bool, error) {
	secret, err := s.cipher.Decrypt(enrollment.SecretSealed)
	if err != nil {
		return false, err
	}
	return totp.ValidateCustom(code, string(secret), s.cfg.Clock().UTC(), totp.ValidateOpts{
		Period:    uint(totpPeriod / time.Second),
		Skew:      s.cfg.DriftSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// generateRecoveryCodes returns the plaintext codes (shown exactly once)
// and their salted hashes for storage.
func (s *Service) generateRecoveryCodes() ([]string, []RecoveryCode, error) {
	plaintext := make([]string, s.cfg.RecoveryCodeCount)
	stored := make([]RecoveryCode, s.cfg.RecoveryCodeCount)
	for i := range plaintext {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, errdefs.Internal("generate recovery code", err)
		}
		code := fmt.Sprintf("%05x-%05x", uint32(raw[0])<<12|uint32(raw[1])<<4|uint32(raw[2])>>4,
			(uint32(raw[2])&0xf)<<16|uint32(raw[3])<<8|uint32(raw[4]))
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, errdefs.Internal("hash recovery code", err)
		}
		plaintext[i] = code
		stored[i] = RecoveryCode{Hash: string(hash)}
	}
	return plaintext, stored, nil
}

func (s *Service) audit(ctx context.Context, actor ActorContext, action, userID, result, reason string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Event{
		Actor:     actor.Actor,
		Action:    action,
		Resource:  "user:" + userID,
		Result:    result,
		Reason:    reason,
		SourceIP:  actor.SourceIP,
		UserAgent: actor.UserAgent,
	})
}
