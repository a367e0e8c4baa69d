// Package monitoring runs the health supervisor: periodic probes against
// every dependency, aggregated platform status, and scheduled maintenance
// tasks (cache cleanup, anomaly sweeps).
package monitoring

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status grades one component or the platform as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Probe describes one supervised health check.
type Probe struct {
	Name     string
	Check    CheckFunc
	Interval time.Duration // default 15s
	Timeout  time.Duration // default 5s

	// FailThreshold consecutive failures flip the component to unhealthy;
	// fewer mark it degraded. Default 3.
	FailThreshold int

	// Critical components drag the platform status to unhealthy; others
	// only degrade it.
	Critical bool
}

// ComponentHealth is one probe's latest observation.
type ComponentHealth struct {
	Name             string    `json:"name"`
	Status           Status    `json:"status"`
	Error            string    `json:"error,omitempty"`
	LatencyMs        int64     `json:"latency_ms"`
	CheckedAt        time.Time `json:"checked_at"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// SystemHealth is the aggregated snapshot served on /healthz.
type SystemHealth struct {
	Status        Status            `json:"status"`
	Components    []ComponentHealth `json:"components"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// Task is periodic maintenance work scheduled alongside the probes.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

type probeState struct {
	probe  Probe
	health ComponentHealth
}

var (
	healthMetricOnce sync.Once
	healthGauge      *prometheus.GaugeVec
)

func componentGauge() *prometheus.GaugeVec {
	healthMetricOnce.Do(func() {
		healthGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voicehive_component_healthy",
				Help: "Component health (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"component"},
		)
	})
	return healthGauge
}

// Supervisor owns the probe loops. Probes run on their own tickers; the
// snapshot is served from guarded state without touching dependencies.
type Supervisor struct {
	mu      sync.RWMutex
	probes  map[string]*probeState
	tasks   []Task
	started time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewSupervisor() *Supervisor {
	return &Supervisor{
		probes: make(map[string]*probeState),
		stop:   make(chan struct{}),
	}
}

// Register adds a probe. Must be called before Start.
func (s *Supervisor) Register(p Probe) {
	if p.Interval <= 0 {
		p.Interval = 15 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.FailThreshold <= 0 {
		p.FailThreshold = 3
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[p.Name] = &probeState{
		probe:  p,
		health: ComponentHealth{Name: p.Name, Status: StatusHealthy},
	}
}

// RegisterTask schedules periodic maintenance work.
func (s *Supervisor) RegisterTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start launches one loop per probe and task. Each probe runs immediately,
// then on its interval.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.started = time.Now()
	probes := make([]*probeState, 0, len(s.probes))
	for _, ps := range s.probes {
		probes = append(probes, ps)
	}
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	for _, ps := range probes {
		s.wg.Add(1)
		go s.probeLoop(ctx, ps)
	}
	for _, t := range tasks {
		s.wg.Add(1)
		go s.taskLoop(ctx, t)
	}
	slog.Info("[Monitoring] Supervisor started", "probes", len(probes), "tasks", len(tasks))
}

// Stop halts all loops and waits for them.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	slog.Info("[Monitoring] Supervisor stopped")
}

func (s *Supervisor) probeLoop(ctx context.Context, ps *probeState) {
	defer s.wg.Done()
	s.runProbe(ctx, ps)

	ticker := time.NewTicker(ps.probe.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runProbe(ctx, ps)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) taskLoop(ctx context.Context, t Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Run(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) runProbe(ctx context.Context, ps *probeState) {
	cctx, cancel := context.WithTimeout(ctx, ps.probe.Timeout)
	start := time.Now()
	err := ps.probe.Check(cctx)
	latency := time.Since(start)
	cancel()

	s.mu.Lock()
	h := &ps.health
	h.LatencyMs = latency.Milliseconds()
	h.CheckedAt = time.Now()
	if err != nil {
		h.ConsecutiveFails++
		h.Error = err.Error()
		if h.ConsecutiveFails >= ps.probe.FailThreshold {
			h.Status = StatusUnhealthy
		} else {
			h.Status = StatusDegraded
		}
	} else {
		h.ConsecutiveFails = 0
		h.Error = ""
		h.Status = StatusHealthy
	}
	status, fails := h.Status, h.ConsecutiveFails
	s.mu.Unlock()

	componentGauge().WithLabelValues(ps.probe.Name).Set(gaugeValue(status))
	if err != nil {
		slog.Warn("[Monitoring] Probe failed",
			"component", ps.probe.Name, "error", err, "consecutive_fails", fails)
	}
}

// Snapshot returns the aggregated view. Critical unhealthy components make
// the platform unhealthy; anything else non-healthy degrades it.
func (s *Supervisor) Snapshot() SystemHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := SystemHealth{Status: StatusHealthy}
	if !s.started.IsZero() {
		out.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}
	for _, ps := range s.probes {
		out.Components = append(out.Components, ps.health)
		switch {
		case ps.health.Status == StatusUnhealthy && ps.probe.Critical:
			out.Status = StatusUnhealthy
		case ps.health.Status != StatusHealthy && out.Status == StatusHealthy:
			out.Status = StatusDegraded
		}
	}
	sort.Slice(out.Components, func(i, j int) bool {
		return out.Components[i].Name < out.Components[j].Name
	})
	return out
}

// ForceCheck runs every probe once, synchronously. Used by the readiness
// endpoint at startup.
func (s *Supervisor) ForceCheck(ctx context.Context) SystemHealth {
	s.mu.RLock()
	probes := make([]*probeState, 0, len(s.probes))
	for _, ps := range s.probes {
		probes = append(probes, ps)
	}
	s.mu.RUnlock()

	for _, ps := range probes {
		s.runProbe(ctx, ps)
	}
	return s.Snapshot()
}

func gaugeValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}
