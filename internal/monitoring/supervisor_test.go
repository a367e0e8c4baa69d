package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func component(h SystemHealth, name string) (ComponentHealth, bool) {
	for _, c := range h.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentHealth{}, false
}

func TestForceCheckAggregatesStatus(t *testing.T) {
	s := NewSupervisor()
	s.Register(Probe{Name: "redis", Check: func(ctx context.Context) error { return nil }})
	s.Register(Probe{Name: "postgres", Critical: true,
		Check: func(ctx context.Context) error { return nil }})

	health := s.ForceCheck(context.Background())
	assert.Equal(t, StatusHealthy, health.Status)
	require.Len(t, health.Components, 2)
	assert.Equal(t, "postgres", health.Components[0].Name, "components sorted by name")
}

func TestFailuresDegradeThenUnhealthy(t *testing.T) {
	s := NewSupervisor()
	s.Register(Probe{
		Name:          "asr",
		FailThreshold: 3,
		Check:         func(ctx context.Context) error { return errors.New("no channels up") },
	})

	ctx := context.Background()
	health := s.ForceCheck(ctx)
	c, ok := component(health, "asr")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, c.Status, "first failure only degrades")
	assert.Equal(t, 1, c.ConsecutiveFails)

	s.ForceCheck(ctx)
	health = s.ForceCheck(ctx)
	c, _ = component(health, "asr")
	assert.Equal(t, StatusUnhealthy, c.Status)
	assert.Equal(t, "no channels up", c.Error)
}

func TestRecoveryResetsFailureCount(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	s := NewSupervisor()
	s.Register(Probe{Name: "pms", Check: func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("upstream 503")
		}
		return nil
	}})

	ctx := context.Background()
	s.ForceCheck(ctx)
	fail.Store(false)
	health := s.ForceCheck(ctx)
	c, _ := component(health, "pms")
	assert.Equal(t, StatusHealthy, c.Status)
	assert.Equal(t, 0, c.ConsecutiveFails)
	assert.Empty(t, c.Error)
}

func TestCriticalUnhealthyDominatesPlatformStatus(t *testing.T) {
	s := NewSupervisor()
	s.Register(Probe{Name: "redis", Check: func(ctx context.Context) error { return nil }})
	s.Register(Probe{
		Name:          "postgres",
		Critical:      true,
		FailThreshold: 1,
		Check:         func(ctx context.Context) error { return errors.New("down") },
	})

	health := s.ForceCheck(context.Background())
	assert.Equal(t, StatusUnhealthy, health.Status)
}

func TestNonCriticalFailureOnlyDegrades(t *testing.T) {
	s := NewSupervisor()
	s.Register(Probe{Name: "redis", Check: func(ctx context.Context) error { return nil }})
	s.Register(Probe{
		Name:          "tts",
		FailThreshold: 1,
		Check:         func(ctx context.Context) error { return errors.New("down") },
	})

	health := s.ForceCheck(context.Background())
	assert.Equal(t, StatusDegraded, health.Status)
}

func TestProbeTimeoutSurfacesAsFailure(t *testing.T) {
	s := NewSupervisor()
	s.Register(Probe{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	health := s.ForceCheck(context.Background())
	c, _ := component(health, "slow")
	assert.Equal(t, StatusDegraded, c.Status)
}

func TestStartRunsProbesAndTasks(t *testing.T) {
	var checks, runs atomic.Int32
	s := NewSupervisor()
	s.Register(Probe{
		Name:     "redis",
		Interval: 10 * time.Millisecond,
		Check: func(ctx context.Context) error {
			checks.Add(1)
			return nil
		},
	})
	s.RegisterTask(Task{
		Name:     "cache-cleanup",
		Interval: 10 * time.Millisecond,
		Run:      func(ctx context.Context) { runs.Add(1) },
	})

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		return checks.Load() >= 2 && runs.Load() >= 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Positive(t, s.Snapshot().UptimeSeconds+1) // uptime is tracked from Start
}
