// Package middleware carries the HTTP cross-cutting concerns: tenant
// authentication, rate limiting, request logging, and CORS.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/tenancy"
)

// TenantAuth resolves the caller's tenant before the handler runs. API
// keys arrive as "Authorization: Bearer vh_...". The X-Tenant-ID header is
// a trusted-network fallback for internal callers behind the gateway.
func TenantAuth(tm *tenancy.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			var tenantID string

			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				tenant, err := tm.ValidateAPIKey(ctx, strings.TrimPrefix(authHeader, "Bearer "))
				if err != nil {
					writeAuthError(w, err)
					return
				}
				tenantID = tenant.TenantID
			}

			if tenantID == "" {
				if hdr := r.Header.Get("X-Tenant-ID"); hdr != "" {
					tenant, err := tm.LoadTenant(ctx, hdr)
					if err != nil {
						writeAuthError(w, err)
						return
					}
					tenantID = tenant.TenantID
				}
			}

			if tenantID == "" {
				writeAuthError(w, errdefs.Auth("missing tenant context: provide an API key or X-Tenant-ID"))
				return
			}

			next.ServeHTTP(w, r.WithContext(tenancy.WithTenant(ctx, tenantID)))
		})
	}
}

// writeAuthError mirrors the handlers' error envelope without importing
// the handlers package.
func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errdefs.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(errdefs.KindOf(err)),
			"message": err.Error(),
		},
	})
}
