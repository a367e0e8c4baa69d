package secrets

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AnomalyType classifies suspicious access patterns.
type AnomalyType string

const (
	AnomalyExcessiveAccess  AnomalyType = "excessive_access"
	AnomalyFailedAttempts   AnomalyType = "failed_attempts"
	AnomalyUnusualTime      AnomalyType = "unusual_time"
	AnomalyGeographic       AnomalyType = "geographic_violation"
	AnomalyConcurrentAccess AnomalyType = "concurrent_access"
)

// Anomaly is one finding with its risk score in [0, 1].
type Anomaly struct {
	SecretID   string
	Type       AnomalyType
	Risk       float64
	Count      int
	DetectedAt time.Time
	Detail     string
}

// AnomalyHandler reacts to findings at or above the risk threshold:
// alerting, optionally quarantining the credential.
type AnomalyHandler func(ctx context.Context, a Anomaly)

// AccessRecord is one observed read attempt.
type AccessRecord struct {
	SecretID  string
	Actor     string
	SourceIP  string
	Country   string
	SessionID string
	Success   bool
	At        time.Time
}

// DetectorConfig holds the thresholds. Zero values take the defaults.
type DetectorConfig struct {
	Window              time.Duration // analysis lookback, default 24h
	AccessThreshold     int           // excessive_access, default 100
	FailureThreshold    int           // failed_attempts, default 5
	OffHoursFraction    float64       // unusual_time, default 0.7
	ConcurrentThreshold int           // concurrent_access, default 3
	ConcurrentWindow    time.Duration // session overlap window, default 5m
	RiskThreshold       float64       // handler trigger, default 0.7
	AllowedCountries    []string      // empty disables geographic checks
	BusinessHoursStart  int           // default 8 (UTC)
	BusinessHoursEnd    int           // default 18 (UTC)
	Clock               func() time.Time
}

// AnomalyDetector keeps a sliding window of access records per secret
// and classifies them on demand.
type AnomalyDetector struct {
	cfg       DetectorConfig
	allowed   map[string]bool
	handler   AnomalyHandler
	handlerMu sync.RWMutex

	mu      sync.Mutex
	records map[string][]AccessRecord
}

func NewAnomalyDetector(cfg DetectorConfig) *AnomalyDetector {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.AccessThreshold <= 0 {
		cfg.AccessThreshold = 100
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OffHoursFraction <= 0 {
		cfg.OffHoursFraction = 0.7
	}
	if cfg.ConcurrentThreshold <= 0 {
		cfg.ConcurrentThreshold = 3
	}
	if cfg.ConcurrentWindow <= 0 {
		cfg.ConcurrentWindow = 5 * time.Minute
	}
	if cfg.RiskThreshold <= 0 {
		cfg.RiskThreshold = 0.7
	}
	if cfg.BusinessHoursEnd <= cfg.BusinessHoursStart {
		cfg.BusinessHoursStart, cfg.BusinessHoursEnd = 8, 18
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	allowed := make(map[string]bool, len(cfg.AllowedCountries))
	for _, c := range cfg.AllowedCountries {
		allowed[c] = true
	}
	return &AnomalyDetector{
		cfg:     cfg,
		allowed: allowed,
		records: make(map[string][]AccessRecord),
	}
}

// SetHandler registers the alert hook.
func (d *AnomalyDetector) SetHandler(h AnomalyHandler) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.handler = h
}

// Observe appends one access record and prunes the window.
func (d *AnomalyDetector) Observe(r AccessRecord) {
	if r.At.IsZero() {
		r.At = d.cfg.Clock()
	}
	cutoff := d.cfg.Clock().Add(-d.cfg.Window)

	d.mu.Lock()
	defer d.mu.Unlock()
	recs := append(d.records[r.SecretID], r)
	for len(recs) > 0 && recs[0].At.Before(cutoff) {
		recs = recs[1:]
	}
	d.records[r.SecretID] = recs
}

// Analyze classifies one secret's window and returns the findings.
func (d *AnomalyDetector) Analyze(secretID string) []Anomaly {
	now := d.cfg.Clock()
	cutoff := now.Add(-d.cfg.Window)

	d.mu.Lock()
	var recs []AccessRecord
	for _, r := range d.records[secretID] {
		if !r.At.Before(cutoff) {
			recs = append(recs, r)
		}
	}
	d.mu.Unlock()
	if len(recs) == 0 {
		return nil
	}

	var out []Anomaly
	add := func(a Anomaly) {
		a.SecretID = secretID
		a.DetectedAt = now
		out = append(out, a)
	}

	failures, offHours := 0, 0
	violations := map[string]int{}
	for _, r := range recs {
		if !r.Success {
			failures++
		}
		hour := r.At.UTC().Hour()
		if hour < d.cfg.BusinessHoursStart || hour >= d.cfg.BusinessHoursEnd {
			offHours++
		}
		if len(d.allowed) > 0 && r.Country != "" && !d.allowed[r.Country] {
			violations[r.Country]++
		}
	}
	for country, n := range violations {
		add(Anomaly{
			Type:   AnomalyGeographic,
			Risk:   0.9,
			Count:  n,
			Detail: "access from " + country,
		})
	}

	if len(recs) > d.cfg.AccessThreshold {
		add(Anomaly{
			Type:  AnomalyExcessiveAccess,
			Risk:  ratioRisk(len(recs), d.cfg.AccessThreshold),
			Count: len(recs),
		})
	}
	if failures > d.cfg.FailureThreshold {
		add(Anomaly{
			Type:  AnomalyFailedAttempts,
			Risk:  ratioRisk(failures, d.cfg.FailureThreshold),
			Count: failures,
		})
	}
	if frac := float64(offHours) / float64(len(recs)); frac > d.cfg.OffHoursFraction {
		add(Anomaly{
			Type:  AnomalyUnusualTime,
			Risk:  frac,
			Count: offHours,
		})
	}
	if sessions := d.peakConcurrency(recs); sessions > d.cfg.ConcurrentThreshold {
		add(Anomaly{
			Type:  AnomalyConcurrentAccess,
			Risk:  ratioRisk(sessions, d.cfg.ConcurrentThreshold),
			Count: sessions,
		})
	}
	return out
}

// Sweep analyzes every observed secret and fires the handler for findings
// at or above the risk threshold. The monitoring supervisor calls this
// periodically.
func (d *AnomalyDetector) Sweep(ctx context.Context) int {
	d.mu.Lock()
	ids := make([]string, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	d.handlerMu.RLock()
	handler := d.handler
	d.handlerMu.RUnlock()

	fired := 0
	for _, id := range ids {
		for _, a := range d.Analyze(id) {
			if a.Risk < d.cfg.RiskThreshold {
				continue
			}
			slog.Warn("[Secrets] Access anomaly detected",
				"secret_id", a.SecretID, "type", a.Type, "risk", a.Risk, "count", a.Count)
			if handler != nil {
				handler(ctx, a)
			}
			fired++
		}
	}
	return fired
}

// peakConcurrency counts the most distinct sessions active on the secret
// inside any single overlap window.
func (d *AnomalyDetector) peakConcurrency(recs []AccessRecord) int {
	peak := 0
	for i, anchor := range recs {
		if anchor.SessionID == "" {
			continue
		}
		seen := map[string]bool{}
		for _, r := range recs[i:] {
			if r.SessionID == "" || r.At.Sub(anchor.At) > d.cfg.ConcurrentWindow {
				continue
			}
			seen[r.SessionID] = true
		}
		if len(seen) > peak {
			peak = len(seen)
		}
	}
	return peak
}

// ratioRisk maps count/threshold into [0, 1], saturating at 2x.
func ratioRisk(count, threshold int) float64 {
	risk := float64(count) / float64(2*threshold)
	if risk > 1 {
		return 1
	}
	return risk
}
