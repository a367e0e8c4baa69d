// Package handlers exposes the platform over HTTP: PMS operations, speech
// endpoints, tenancy management, MFA, approvals, and secrets.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicehive/backend/internal/errdefs"
)

// errorBody is the single error envelope every endpoint shares.
type errorBody struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Kind:    string(errdefs.KindOf(err)),
		Message: err.Error(),
	}
	if ra := errdefs.RetryAfterOf(err); ra > 0 {
		body.RetryAfterMs = ra.Milliseconds()
		w.Header().Set("Retry-After", ra.String())
	}
	writeJSON(w, errdefs.HTTPStatus(err), map[string]errorBody{"error": body})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Validation("invalid request body: " + err.Error())
	}
	return nil
}
