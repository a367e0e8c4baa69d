// Package audit records security-relevant events: MFA activity, secret
// access, approval decisions, and emergency overrides. Events flow to a
// durable sink and fan out over Redis Pub/Sub so replicas and the alerting
// pipeline see them promptly.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Severity grades an event for the alerting pipeline.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityElevated Severity = "elevated"
	SeverityCritical Severity = "critical"
)

// Event is one audit record.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Result    string                 `json:"result"` // success | failure
	Reason    string                 `json:"reason,omitempty"`
	Severity  Severity               `json:"severity"`
	SourceIP  string                 `json:"source_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Recorder accepts audit events. Recording must never fail the caller's
// operation; sinks log and drop on error.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Sink persists events durably; the database package implements it.
type Sink interface {
	InsertAuditEvent(ctx context.Context, e Event) error
}

// Service writes events to the sink and broadcasts them on Pub/Sub.
type Service struct {
	sink    Sink
	client  *redis.Client // nil disables fan-out
	channel string
}

// NewService wires the recorder. channelPrefix defaults to "voicehive".
func NewService(sink Sink, client *redis.Client, channelPrefix string) *Service {
	if channelPrefix == "" {
		channelPrefix = "voicehive"
	}
	return &Service{sink: sink, client: client, channel: channelPrefix + ":audit"}
}

// Record stamps, persists, and broadcasts one event. Failures are logged,
// never propagated.
func (s *Service) Record(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	if s.sink != nil {
		if err := s.sink.InsertAuditEvent(ctx, e); err != nil {
			slog.Error("[Audit] Sink write failed",
				"action", e.Action, "resource", e.Resource, "error", err)
		}
	}
	if s.client != nil {
		data, err := json.Marshal(e)
		if err == nil {
			if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
				slog.Warn("[Audit] Broadcast failed", "action", e.Action, "error", err)
			}
		}
	}
}

// NopRecorder discards events; used where auditing is optional.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, e Event) {}

// MemoryRecorder collects events for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) Record(ctx context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, e)
}

// Events returns a snapshot.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Find returns events matching an action.
func (m *MemoryRecorder) Find(action string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
