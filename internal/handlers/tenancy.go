package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voicehive/backend/internal/tenancy"
)

// HandleCreateTenant serves POST /v1/tenants.
func HandleCreateTenant(tm *tenancy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tenant tenancy.Tenant
		if err := decodeJSON(r, &tenant); err != nil {
			writeError(w, err)
			return
		}
		if err := tm.CreateTenant(r.Context(), &tenant); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tenant)
	}
}

// HandleGetTenant serves GET /v1/tenants/{id}.
func HandleGetTenant(tm *tenancy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, err := tm.LoadTenant(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tenant)
	}
}

// HandleCreateAPIKey serves POST /v1/tenants/{id}/keys. The clear-text key
// appears exactly once, in this response.
func HandleCreateAPIKey(tm *tenancy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		key, clear, err := tm.CreateAPIKey(r.Context(), mux.Vars(r)["id"], body.Name, body.Scopes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"key":     key,
			"api_key": clear,
		})
	}
}

// HandleAddProperty serves POST /v1/properties.
func HandleAddProperty(tm *tenancy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var property tenancy.Property
		if err := decodeJSON(r, &property); err != nil {
			writeError(w, err)
			return
		}
		if err := tm.AddProperty(r.Context(), &property); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, property)
	}
}

// HandleGetProperty serves GET /v1/properties/{id}.
func HandleGetProperty(tm *tenancy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		property, err := tm.GetProperty(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, property)
	}
}

// HandleRemoveProperty serves DELETE /v1/properties/{id}.
func HandleRemoveProperty(tm *tenancy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := tm.RemoveProperty(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"property_id": id, "status": "removed"})
	}
}

// HandleUpdatePropertyConfig serves PATCH /v1/properties/{id}/config.
func HandleUpdatePropertyConfig(tm *tenancy.Manager, resolver *tenancy.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LocalConfig    map[string]interface{} `json:"local_config"`
			LocalOverrides map[string]interface{} `json:"local_overrides"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		id := mux.Vars(r)["id"]
		property, err := tm.UpdatePropertyConfig(r.Context(), id, body.LocalConfig, body.LocalOverrides)
		if err != nil {
			writeError(w, err)
			return
		}
		resolver.Invalidate(id)
		writeJSON(w, http.StatusOK, property)
	}
}

// HandleEffectiveConfig serves GET /v1/properties/{id}/effective-config,
// returning the fully inherited configuration view.
func HandleEffectiveConfig(resolver *tenancy.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		cfg, err := resolver.EffectiveConfig(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"property_id": id,
			"config":      cfg,
		})
	}
}

// HandleStartChainOp serves POST /v1/chains/{id}/operations. The operation
// runs in the background; poll the progress endpoint with the returned id.
func HandleStartChainOp(exec *tenancy.ChainOpExecutor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var op tenancy.ChainOperation
		if err := decodeJSON(r, &op); err != nil {
			writeError(w, err)
			return
		}
		op.ChainID = mux.Vars(r)["id"]
		if op.OpID == "" {
			op.OpID = uuid.NewString()
		}

		// Detach from the request context so the response does not cancel
		// the operation.
		ctx := context.WithoutCancel(r.Context())
		go func() {
			if _, err := exec.Execute(ctx, &op); err != nil {
				slog.Warn("[ChainOps] Operation failed to start", "op_id", op.OpID, "error", err)
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"op_id":  op.OpID,
			"status": "accepted",
		})
	}
}

// HandleChainOpProgress serves GET /v1/chains/operations/{op_id}.
func HandleChainOpProgress(exec *tenancy.ChainOpExecutor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		progress, err := exec.Progress(mux.Vars(r)["op_id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	}
}

// HandleCancelChainOp serves POST /v1/chains/operations/{op_id}/cancel.
func HandleCancelChainOp(exec *tenancy.ChainOpExecutor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opID := mux.Vars(r)["op_id"]
		if err := exec.Cancel(opID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"op_id": opID, "status": "cancelling"})
	}
}
