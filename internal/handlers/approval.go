package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voicehive/backend/internal/approval"
	"github.com/voicehive/backend/internal/tenancy"
)

type submitApprovalBody struct {
	Environment   string            `json:"environment,omitempty"`
	Requester     string            `json:"requester"`
	Changes       []approval.Change `json:"changes"`
	Justification string            `json:"justification"`
	Impact        string            `json:"impact,omitempty"`
	RollbackPlan  string            `json:"rollback_plan,omitempty"`
}

// HandleSubmitApproval serves POST /v1/approvals.
func HandleSubmitApproval(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body submitApprovalBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		tenantID, _ := tenancy.GetTenantID(r.Context())
		req, err := svc.Submit(r.Context(), approval.SubmitInput{
			TenantID:      tenantID,
			Environment:   body.Environment,
			Requester:     body.Requester,
			Changes:       body.Changes,
			Justification: body.Justification,
			Impact:        body.Impact,
			RollbackPlan:  body.RollbackPlan,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, req)
	}
}

// HandleGetApproval serves GET /v1/approvals/{id}.
func HandleGetApproval(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := svc.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// HandleListPendingApprovals serves GET /v1/approvals.
func HandleListPendingApprovals(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenancy.GetTenantID(r.Context())
		reqs, err := svc.ListPending(r.Context(), tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		if reqs == nil {
			reqs = []*approval.Request{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"requests": reqs,
			"total":    len(reqs),
		})
	}
}

type decisionBody struct {
	Approver      string `json:"approver"`
	Role          string `json:"role"`
	Comment       string `json:"comment,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// HandleApprove serves POST /v1/approvals/{id}/approve.
func HandleApprove(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body decisionBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		req, err := svc.Approve(r.Context(), mux.Vars(r)["id"], body.Approver, body.Role, body.Comment)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// HandleReject serves POST /v1/approvals/{id}/reject.
func HandleReject(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body decisionBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		req, err := svc.Reject(r.Context(), mux.Vars(r)["id"], body.Approver, body.Role, body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// HandleCancelApproval serves POST /v1/approvals/{id}/cancel.
func HandleCancelApproval(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Requester string `json:"requester"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		req, err := svc.Cancel(r.Context(), mux.Vars(r)["id"], body.Requester)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// HandleEmergencyOverride serves POST /v1/approvals/{id}/override.
func HandleEmergencyOverride(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body decisionBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		req, err := svc.EmergencyOverride(r.Context(), mux.Vars(r)["id"], body.Approver, body.Role, body.Justification)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}
