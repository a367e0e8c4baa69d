package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/errdefs"
)

// Status is the request lifecycle state. Terminal states never change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Change describes one configuration field edit under review.
type Change struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// Decision records one approver's verdict.
type Decision struct {
	Approver string    `json:"approver"`
	Role     string    `json:"role"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// OverrideRecord is kept when a request bypasses the normal flow.
type OverrideRecord struct {
	Actor         string    `json:"actor"`
	Role          string    `json:"role"`
	Justification string    `json:"justification"`
	At            time.Time `json:"at"`
}

// Request is one config change awaiting sign-off.
type Request struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	Environment       string          `json:"environment"`
	Requester         string          `json:"requester"`
	Changes           []Change        `json:"changes"`
	Justification     string          `json:"justification"`
	Impact            string          `json:"impact,omitempty"`
	RollbackPlan      string          `json:"rollback_plan,omitempty"`
	Priority          Priority        `json:"priority"`
	Status            Status          `json:"status"`
	RequiredApprovers []string        `json:"required_approvers"`
	OverrideAllowed   bool            `json:"override_allowed"`
	Approvals         []Decision      `json:"approvals,omitempty"`
	Rejections        []Decision      `json:"rejections,omitempty"`
	Override          *OverrideRecord `json:"override,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	DecidedAt         time.Time       `json:"decided_at"`
}

// Store persists requests.
type Store interface {
	SaveRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequests(ctx context.Context, tenantID string, status Status) ([]*Request, error)
}

// Roles allowed to invoke the emergency override path.
var overrideRoles = map[string]bool{
	"emergency_responder": true,
	"security_admin":      true,
}

// Service runs the approval workflow.
type Service struct {
	store   Store
	rules   *RuleTable
	auditor audit.Recorder
	now     func() time.Time
}

func NewService(store Store, rules *RuleTable, auditor audit.Recorder, clock func() time.Time) *Service {
	if rules == nil {
		rules = DefaultRules()
	}
	if auditor == nil {
		auditor = audit.NopRecorder{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, rules: rules, auditor: auditor, now: clock}
}

// SubmitInput is what a requester hands in.
type SubmitInput struct {
	TenantID      string
	Environment   string
	Requester     string
	Changes       []Change
	Justification string
	Impact        string
	RollbackPlan  string
}

// Submit resolves the rule table over the changed fields and opens a
// pending request.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	if len(in.Changes) == 0 {
		return nil, errdefs.Validation("at least one change is required")
	}
	if in.Requester == "" {
		return nil, errdefs.Validation("requester is required")
	}
	if in.Justification == "" {
		return nil, errdefs.Validation("justification is required")
	}
	fields := make([]string, 0, len(in.Changes))
	for _, c := range in.Changes {
		if c.Field == "" {
			return nil, errdefs.Validation("change field path is required")
		}
		fields = append(fields, c.Field)
	}

	reqs := s.rules.Resolve(fields, in.Environment)
	now := s.now()
	req := &Request{
		ID:                uuid.NewString(),
		TenantID:          in.TenantID,
		Environment:       in.Environment,
		Requester:         in.Requester,
		Changes:           in.Changes,
		Justification:     in.Justification,
		Impact:            in.Impact,
		RollbackPlan:      in.RollbackPlan,
		Priority:          reqs.Priority,
		Status:            StatusPending,
		RequiredApprovers: reqs.RequiredApprovers,
		OverrideAllowed:   reqs.AllowEmergencyOverride,
		CreatedAt:         now,
		ExpiresAt:         now.Add(reqs.Expiry),
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	slog.Info("[Approval] Request submitted",
		"request_id", req.ID,
		"tenant_id", req.TenantID,
		"priority", req.Priority,
		"approvers", req.RequiredApprovers,
		"expires_at", req.ExpiresAt)
	s.auditor.Record(ctx, audit.Event{
		Actor:    in.Requester,
		Action:   "approval.submit",
		Resource: "approval/" + req.ID,
		Result:   "success",
		Severity: audit.SeverityInfo,
		Metadata: map[string]any{"fields": fields, "priority": string(req.Priority)},
	})
	return req, nil
}

// Approve records one approver's sign-off. When every required role has
// approved, the request transitions to approved. An approval attempt past
// the expiry window observes the expired state instead.
func (s *Service) Approve(ctx context.Context, requestID, approver, role, comment string) (*Request, error) {
	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, errdefs.Conflict(fmt.Sprintf("request %s is %s and cannot be approved", requestID, req.Status))
	}
	if !contains(req.RequiredApprovers, role) {
		return nil, errdefs.Auth(fmt.Sprintf("role %q is not a required approver for this request", role))
	}
	for _, d := range req.Approvals {
		if d.Role == role {
			return nil, errdefs.Conflict(fmt.Sprintf("role %q has already approved", role))
		}
	}

	req.Approvals = append(req.Approvals, Decision{
		Approver: approver,
		Role:     role,
		Comment:  comment,
		At:       s.now(),
	})
	if s.fullyApproved(req) {
		req.Status = StatusApproved
		req.DecidedAt = s.now()
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	slog.Info("[Approval] Decision recorded",
		"request_id", req.ID, "role", role, "status", req.Status)
	s.auditor.Record(ctx, audit.Event{
		Actor:    approver,
		Action:   "approval.approve",
		Resource: "approval/" + req.ID,
		Result:   "success",
		Severity: audit.SeverityInfo,
		Metadata: map[string]any{"role": role, "status": string(req.Status)},
	})
	return req, nil
}

// Reject moves a pending request to rejected. Any required approver can
// reject; a single rejection is final.
func (s *Service) Reject(ctx context.Context, requestID, approver, role, reason string) (*Request, error) {
	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, errdefs.Conflict(fmt.Sprintf("request %s is %s and cannot be rejected", requestID, req.Status))
	}
	if !contains(req.RequiredApprovers, role) {
		return nil, errdefs.Auth(fmt.Sprintf("role %q is not a required approver for this request", role))
	}
	if reason == "" {
		return nil, errdefs.Validation("rejection reason is required")
	}

	req.Rejections = append(req.Rejections, Decision{
		Approver: approver,
		Role:     role,
		Comment:  reason,
		At:       s.now(),
	})
	req.Status = StatusRejected
	req.DecidedAt = s.now()
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	slog.Warn("[Approval] Request rejected",
		"request_id", req.ID, "role", role, "reason", reason)
	s.auditor.Record(ctx, audit.Event{
		Actor:    approver,
		Action:   "approval.reject",
		Resource: "approval/" + req.ID,
		Result:   "success",
		Reason:   reason,
		Severity: audit.SeverityWarning,
	})
	return req, nil
}

// EmergencyOverride approves a pending request immediately, bypassing the
// approver set. Only allowed when every matched rule opted in, only for
// authorized roles, and only with a written justification. The decision is
// audited at elevated severity.
func (s *Service) EmergencyOverride(ctx context.Context, requestID, actor, role, justification string) (*Request, error) {
	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, errdefs.Conflict(fmt.Sprintf("request %s is %s and cannot be overridden", requestID, req.Status))
	}
	if !req.OverrideAllowed {
		return nil, errdefs.Auth("emergency override is not permitted for this change")
	}
	if !overrideRoles[role] {
		return nil, errdefs.Auth(fmt.Sprintf("role %q may not invoke emergency override", role))
	}
	if justification == "" {
		return nil, errdefs.Validation("emergency override requires a written justification")
	}

	now := s.now()
	req.Override = &OverrideRecord{Actor: actor, Role: role, Justification: justification, At: now}
	req.Status = StatusApproved
	req.DecidedAt = now
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	slog.Warn("[Approval] Emergency override applied",
		"request_id", req.ID, "actor", actor, "role", role)
	s.auditor.Record(ctx, audit.Event{
		Actor:    actor,
		Action:   "approval.emergency_override",
		Resource: "approval/" + req.ID,
		Result:   "success",
		Reason:   justification,
		Severity: audit.SeverityElevated,
	})
	return req, nil
}

// Cancel withdraws a pending request. Only the original requester may
// cancel, and only while the request is still pending.
func (s *Service) Cancel(ctx context.Context, requestID, requester string) (*Request, error) {
	req, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, errdefs.Conflict(fmt.Sprintf("request %s is %s and cannot be cancelled", requestID, req.Status))
	}
	if requester == "" || requester != req.Requester {
		return nil, errdefs.Auth("only the original requester may cancel a pending request")
	}

	req.Status = StatusCancelled
	req.DecidedAt = s.now()
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	slog.Info("[Approval] Request cancelled",
		"request_id", req.ID, "requester", requester)
	s.auditor.Record(ctx, audit.Event{
		Actor:    requester,
		Action:   "approval.cancel",
		Resource: "approval/" + req.ID,
		Result:   "success",
		Severity: audit.SeverityInfo,
	})
	return req, nil
}

// Get returns the request with expiry applied.
func (s *Service) Get(ctx context.Context, requestID string) (*Request, error) {
	return s.load(ctx, requestID)
}

// ListPending returns a tenant's open requests, expiring stale ones on
// the way out.
func (s *Service) ListPending(ctx context.Context, tenantID string) ([]*Request, error) {
	reqs, err := s.store.ListRequests(ctx, tenantID, StatusPending)
	if err != nil {
		return nil, err
	}
	open := reqs[:0]
	for _, req := range reqs {
		if s.expireIfStale(ctx, req) {
			continue
		}
		open = append(open, req)
	}
	return open, nil
}

// load fetches a request and lazily expires it when the window has passed.
func (s *Service) load(ctx context.Context, requestID string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errdefs.NotFound(fmt.Sprintf("approval request %s not found", requestID))
	}
	s.expireIfStale(ctx, req)
	return req, nil
}

func (s *Service) expireIfStale(ctx context.Context, req *Request) bool {
	if req.Status != StatusPending || s.now().Before(req.ExpiresAt) {
		return false
	}
	req.Status = StatusExpired
	req.DecidedAt = req.ExpiresAt
	if err := s.store.SaveRequest(ctx, req); err != nil {
		slog.Error("[Approval] Failed to persist expiry", "request_id", req.ID, "error", err)
	}
	s.auditor.Record(ctx, audit.Event{
		Actor:    "system",
		Action:   "approval.expire",
		Resource: "approval/" + req.ID,
		Result:   "success",
		Severity: audit.SeverityInfo,
	})
	return true
}

func (s *Service) fullyApproved(req *Request) bool {
	got := make(map[string]bool, len(req.Approvals))
	for _, d := range req.Approvals {
		got[d.Role] = true
	}
	for _, role := range req.RequiredApprovers {
		if !got[role] {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
