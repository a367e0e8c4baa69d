package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig shapes the retry schedule: exponential with jitter.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the randomization factor in [0,1); 0.5 means each wait is
	// drawn from [wait/2, wait*1.5].
	Jitter float64
}

type retryPolicy struct {
	bo *backoff.ExponentialBackOff
}

func newRetryPolicy(cfg BackoffConfig) *retryPolicy {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.3
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // the call deadline bounds us, not the schedule
	bo.Reset()

	return &retryPolicy{bo: bo}
}

// next returns the wait before the following attempt.
func (p *retryPolicy) next() time.Duration {
	d := p.bo.NextBackOff()
	if d == backoff.Stop {
		return p.bo.MaxInterval
	}
	return d
}
