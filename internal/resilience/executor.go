// Package resilience is the shared execution substrate for every outbound
// dependency (PMS, ASR gRPC, TTS HTTP, database, redis, external APIs). It
// wraps a user-supplied effect with, in order: deadline, retry policy,
// circuit breaker, and metrics emission.
package resilience

import (
	"context"
	"time"

	"github.com/voicehive/backend/internal/circuitbreaker"
	"github.com/voicehive/backend/internal/errdefs"
)

// Kind classifies the operation for breaker selection and metrics labels.
type Kind string

const (
	KindConnection  Kind = "connection"
	KindQuery       Kind = "query"
	KindTransaction Kind = "transaction"
	KindRPC         Kind = "rpc"
)

// Options tune a single Execute call. Zero values fall back to the
// executor's defaults.
type Options struct {
	// Deadline bounds the whole call including retries.
	Deadline time.Duration

	// MaxRetries bounds retry attempts after the first try.
	MaxRetries int

	// Idempotent marks the effect safe to retry. Mutations without an
	// idempotency key must leave this false; they are never retried.
	Idempotent bool

	// Breaker overrides the breaker name; default is "<dependency>" or
	// "<dependency>-<kind>" chosen by the caller.
	Breaker string
}

// Defaults configure an Executor.
type Defaults struct {
	Deadline     time.Duration
	MaxRetries   int
	RetryBackoff BackoffConfig
}

// Executor runs effects through the resilience fabric.
type Executor struct {
	dependency string
	breakers   *circuitbreaker.Manager
	defaults   Defaults
	metrics    *Metrics
}

// NewExecutor creates an executor for one named dependency. All executors
// share the breaker manager so breaker state is per (dependency, kind), not
// per call site.
func NewExecutor(dependency string, breakers *circuitbreaker.Manager, defaults Defaults) *Executor {
	if defaults.Deadline <= 0 {
		defaults.Deadline = 30 * time.Second
	}
	if defaults.MaxRetries < 0 {
		defaults.MaxRetries = 0
	}
	return &Executor{
		dependency: dependency,
		breakers:   breakers,
		defaults:   defaults,
		metrics:    fabricMetrics(),
	}
}

// Dependency returns the dependency name this executor guards.
func (e *Executor) Dependency() string { return e.dependency }

// Execute runs fn under deadline, retry, and circuit breaker. The error
// returned is always classified: either fn returned a taxonomy error, or the
// fabric produced Timeout / Cancelled / CircuitOpen.
func (e *Executor) Execute(ctx context.Context, opName string, kind Kind, opts Options, fn func(context.Context) error) error {
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = e.defaults.Deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	breakerName := opts.Breaker
	if breakerName == "" {
		breakerName = e.dependency
	}
	cb := e.breakers.Get(breakerName)

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.defaults.MaxRetries
	}
	if !opts.Idempotent {
		// Non-idempotent mutations are never retried automatically.
		maxRetries = 0
	}

	policy := newRetryPolicy(e.defaults.RetryBackoff)
	start := time.Now()

	var err error
	for attempt := 0; ; attempt++ {
		err = e.attempt(ctx, cb, fn)

		if err == nil {
			break
		}
		if attempt >= maxRetries || !errdefs.IsRetryable(err) {
			break
		}

		wait := policy.next()
		if ra := errdefs.RetryAfterOf(err); ra > wait {
			// RateLimited: wait at least what the upstream demanded.
			wait = ra
		}
		e.metrics.RecordRetry(e.dependency, opName)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = classifyCtx(ctx)
		}
		if ctx.Err() != nil {
			err = classifyCtx(ctx)
			break
		}
	}

	e.metrics.RecordCall(e.dependency, opName, string(kind), string(errdefs.KindOf(err)), time.Since(start))
	return err
}

// attempt runs one admission + effect cycle against the breaker.
func (e *Executor) attempt(ctx context.Context, cb *circuitbreaker.CircuitBreaker, fn func(context.Context) error) error {
	if ctx.Err() != nil {
		return classifyCtx(ctx)
	}

	gen, admitErr := cb.Allow()
	if admitErr != nil {
		return admitErr
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		err = classifyCtx(ctx)
	}

	// Validation, NotFound, Auth and caller cancellation say nothing about
	// dependency health; they do not count against the breaker.
	cb.RecordResult(gen, !countsAsFailure(err))
	return err
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch errdefs.KindOf(err) {
	case errdefs.KindValidation, errdefs.KindNotFound, errdefs.KindAuth,
		errdefs.KindConflict, errdefs.KindCancelled:
		return false
	}
	return true
}

func classifyCtx(ctx context.Context) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errdefs.Timeout("operation deadline exceeded")
	case context.Canceled:
		return errdefs.Cancelled("operation cancelled by caller")
	}
	return nil
}
