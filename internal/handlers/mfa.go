package handlers

import (
	"net/http"

	"github.com/voicehive/backend/internal/mfa"
)

func mfaActor(r *http.Request, fallback string) mfa.ActorContext {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = fallback
	}
	return mfa.ActorContext{
		Actor:     actor,
		SourceIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

// HandleMFAEnroll serves POST /v1/mfa/enroll.
func HandleMFAEnroll(svc *mfa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID      string `json:"user_id"`
			AccountName string `json:"account_name"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		challenge, err := svc.BeginEnrollment(r.Context(), body.UserID, body.AccountName, mfaActor(r, body.UserID))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, challenge)
	}
}

// HandleMFAEnrollComplete serves POST /v1/mfa/enroll/complete. Recovery
// codes appear exactly once, in this response.
func HandleMFAEnrollComplete(svc *mfa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
			Code   string `json:"code"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		codes, err := svc.CompleteEnrollment(r.Context(), body.UserID, body.Code, mfaActor(r, body.UserID))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "enrolled",
			"recovery_codes": codes,
		})
	}
}

// HandleMFAVerify serves POST /v1/mfa/verify.
func HandleMFAVerify(svc *mfa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID    string `json:"user_id"`
			Code      string `json:"code"`
			SessionID string `json:"session_id,omitempty"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if err := svc.VerifyCode(r.Context(), body.UserID, body.Code, mfaActor(r, body.UserID)); err != nil {
			writeError(w, err)
			return
		}
		if body.SessionID != "" {
			svc.MarkSessionVerified(r.Context(), body.SessionID, body.UserID)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	}
}

// HandleMFARecovery serves POST /v1/mfa/recovery.
func HandleMFARecovery(svc *mfa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID    string `json:"user_id"`
			Code      string `json:"code"`
			SessionID string `json:"session_id,omitempty"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		remaining, err := svc.UseRecoveryCode(r.Context(), body.UserID, body.Code, mfaActor(r, body.UserID))
		if err != nil {
			writeError(w, err)
			return
		}
		if body.SessionID != "" {
			svc.MarkSessionVerified(r.Context(), body.SessionID, body.UserID)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":             "verified",
			"remaining_recovery": remaining,
		})
	}
}

// HandleMFADisable serves POST /v1/mfa/disable.
func HandleMFADisable(svc *mfa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if err := svc.Disable(r.Context(), body.UserID, mfaActor(r, body.UserID)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
	}
}

// HandleMFAStatus serves GET /v1/mfa/status?user_id=...
func HandleMFAStatus(svc *mfa.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		enabled, err := svc.IsEnabled(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id": userID,
			"enabled": enabled,
		})
	}
}
