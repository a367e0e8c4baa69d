package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voicehive/backend/internal/secrets"
)

func secretActor(r *http.Request) secrets.ActorContext {
	return secrets.ActorContext{
		Actor:     r.Header.Get("X-Actor"),
		SourceIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Method:    "api",
		Country:   r.Header.Get("X-Geo-Country"),
		SessionID: r.Header.Get("X-Session-ID"),
	}
}

// HandleCreateSecret serves POST /v1/secrets. The generated value appears
// exactly once, in this response.
func HandleCreateSecret(mgr *secrets.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID   string   `json:"id"`
			Type string   `json:"type"`
			Tags []string `json:"tags,omitempty"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		value, meta, err := mgr.Create(r.Context(), body.ID, secrets.Type(body.Type), body.Tags, secretActor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"value":    base64.StdEncoding.EncodeToString(value),
			"metadata": meta,
		})
	}
}

// HandleReadSecret serves POST /v1/secrets/{id}/read. Reads are POSTs: each
// one mutates usage accounting and feeds anomaly detection.
func HandleReadSecret(mgr *secrets.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := mgr.Read(r.Context(), mux.Vars(r)["id"], secretActor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"value": base64.StdEncoding.EncodeToString(value),
		})
	}
}

// HandleSecretMetadata serves GET /v1/secrets/{id}.
func HandleSecretMetadata(mgr *secrets.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, err := mgr.GetMetadata(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

// HandleRotateSecret serves POST /v1/secrets/{id}/rotate.
func HandleRotateSecret(mgr *secrets.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, err := mgr.Rotate(r.Context(), mux.Vars(r)["id"], secretActor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

// HandleRevokeSecret serves POST /v1/secrets/{id}/revoke.
func HandleRevokeSecret(mgr *secrets.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		id := mux.Vars(r)["id"]
		if err := mgr.Revoke(r.Context(), id, secretActor(r), body.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"secret_id": id, "status": "revoked"})
	}
}

// HandleEmergencyRotate serves POST /v1/secrets/emergency-rotate, rotating
// every secret of a type after a suspected compromise.
func HandleEmergencyRotate(mgr *secrets.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type string `json:"type"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		rotated, failed, err := mgr.EmergencyRotate(r.Context(), secrets.Type(body.Type), secretActor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if failed == nil {
			failed = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rotated": rotated,
			"failed":  failed,
		})
	}
}
