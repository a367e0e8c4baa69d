// Package circuitbreaker implements the circuit breaker pattern for the
// orchestrator's outbound dependencies (PMS, ASR, TTS, database, redis).
// Every breaker is keyed by (dependency, kind); state may be replicated
// through a shared store so all replicas observe the same decision.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voicehive/backend/internal/errdefs"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrProbeInFlight is the cause of the CircuitOpen error returned in
// half-open state while the single admitted probe has not yet reported
// back. Match with errors.Is.
var ErrProbeInFlight = errors.New("circuit breaker probe already in flight")

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker, e.g. "pms" or "asr-connection".
	Name string

	// FailureThreshold is the rolling failure count that trips the breaker.
	FailureThreshold int

	// Window is the rolling window in which failures are counted while closed.
	Window time.Duration

	// RecoveryTimeout is the open period before a probe is admitted.
	RecoveryTimeout time.Duration

	// OnStateChange is called whenever the circuit state changes.
	OnStateChange func(name string, from State, to State)

	// Store, when set, replicates counters and the next-attempt timestamp so
	// multiple replicas observe the same decision. Nil means local-only.
	Store SharedStore

	// Clock defaults to wall time; tests inject a fake.
	Clock Clock
}

// DefaultConfig returns a reasonable default configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		Window:           60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
		OnStateChange: func(name string, from State, to State) {
			slog.Info("[CircuitBreaker] State change", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds request/response counts for the current generation plus
// lifetime totals.
type Counts struct {
	Requests            uint32
	Failures            uint32
	Successes           uint32
	ConsecutiveFailures uint32

	TotalRequests  uint64
	TotalFailures  uint64
	TotalSuccesses uint64
}

func (c *Counts) clearGeneration() {
	c.Requests = 0
	c.Failures = 0
	c.Successes = 0
	c.ConsecutiveFailures = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker implements the circuit breaker state machine of the
// resilience fabric:
//
//	closed → open       rolling failures ≥ threshold within the window
//	open → half_open    recovery timeout elapsed since opening
//	half_open → closed  first probe success
//	half_open → open    probe failure
//
// Exactly one probe is admitted in half-open; additional callers fail fast
// with a CircuitOpen error carrying the next-attempt timestamp.
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	windowExpiry  time.Time
	openedAt      time.Time
	nextAttemptAt time.Time
	probeInFlight bool
	sharedWarned  bool
}

// New creates a new circuit breaker
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	cb := &CircuitBreaker{
		cfg:          cfg,
		state:        StateClosed,
		windowExpiry: cfg.Clock.Now().Add(cfg.Window),
	}
	cb.restoreShared()
	return cb
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(cb.cfg.Clock.Now())
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// NextAttemptAt returns when an open breaker admits its next probe.
func (cb *CircuitBreaker) NextAttemptAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nextAttemptAt
}

// Execute runs fn if the breaker admits the call, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	cb.afterRequest(generation, err == nil)
	return err
}

// Allow checks admission without executing anything. Callers that use Allow
// must report the outcome through RecordResult.
func (cb *CircuitBreaker) Allow() (uint64, error) {
	return cb.beforeRequest()
}

// RecordResult reports the outcome of a call admitted via Allow.
func (cb *CircuitBreaker) RecordResult(generation uint64, success bool) {
	cb.afterRequest(generation, success)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock.Now()
	state, generation := cb.currentState(now)

	switch state {
	case StateOpen:
		return generation, errdefs.CircuitOpen(cb.cfg.Name, cb.nextAttemptAt)
	case StateHalfOpen:
		if cb.probeInFlight {
			rejection := errdefs.CircuitOpen(cb.cfg.Name, cb.nextAttemptAt)
			rejection.Cause = ErrProbeInFlight
			return generation, rejection
		}
		cb.probeInFlight = true
	}

	cb.counts.Requests++
	cb.counts.TotalRequests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock.Now()
	state, currentGeneration := cb.currentState(now)

	// Ignore stale results from a previous generation
	if generation != currentGeneration {
		return
	}

	// Requests was already counted at admission; only record the outcome.
	if success {
		cb.counts.Successes++
		cb.counts.ConsecutiveFailures = 0
		cb.counts.TotalSuccesses++
	} else {
		cb.counts.Failures++
		cb.counts.ConsecutiveFailures++
		cb.counts.TotalFailures++
	}

	switch state {
	case StateClosed:
		if !success && int(cb.counts.Failures) >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.probeInFlight = false
		if success {
			cb.setState(StateClosed, now)
		} else {
			cb.setState(StateOpen, now)
		}
	}
	cb.publishShared()
}

// currentState returns the current state and possibly advances it.
// Caller must hold the lock.
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		// Rolling window: failure counts reset when the window expires.
		if !cb.windowExpiry.IsZero() && cb.windowExpiry.Before(now) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if !cb.nextAttemptAt.After(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

// setState changes the breaker state. Caller must hold the lock.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state

	switch state {
	case StateOpen:
		cb.openedAt = now
		cb.nextAttemptAt = now.Add(cb.cfg.RecoveryTimeout)
	case StateHalfOpen:
		cb.probeInFlight = false
	case StateClosed:
		cb.nextAttemptAt = time.Time{}
	}

	cb.newGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// newGeneration resets per-generation counts. Caller must hold the lock.
func (cb *CircuitBreaker) newGeneration(now time.Time) {
	cb.generation++
	cb.counts.clearGeneration()
	if cb.state == StateClosed && cb.cfg.Window > 0 {
		cb.windowExpiry = now.Add(cb.cfg.Window)
	} else {
		cb.windowExpiry = time.Time{}
	}
}

// ============================================================================
// CIRCUIT BREAKER MANAGER
// ============================================================================

// Manager manages the orchestrator's named circuit breakers.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config // Default config for new breakers
	store    SharedStore
}

// NewManager creates a new circuit breaker manager. store may be nil, in
// which case all breakers are local-only.
func NewManager(defaultCfg *Config, store SharedStore) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
		store:    store,
	}
}

// Get returns a circuit breaker by name, creating it with the manager's
// default config if necessary.
func (m *Manager) Get(name string) *CircuitBreaker {
	return m.GetOrCreate(name, nil)
}

// GetOrCreate returns an existing circuit breaker or creates one with cfg.
func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	if cfg == nil {
		copied := *m.cfg
		cfg = &copied
	}
	cfg.Name = name
	if cfg.Store == nil {
		cfg.Store = m.store
	}
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// List returns all circuit breaker names
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Stats returns a snapshot of every breaker for health reporting.
func (m *Manager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = BreakerStats{
			Name:          name,
			State:         cb.State(),
			Counts:        cb.Counts(),
			NextAttemptAt: cb.NextAttemptAt(),
		}
	}
	return stats
}

// BreakerStats contains stats for a single circuit breaker
type BreakerStats struct {
	Name          string
	State         State
	Counts        Counts
	NextAttemptAt time.Time
}
