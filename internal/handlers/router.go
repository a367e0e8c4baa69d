package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicehive/backend/internal/approval"
	"github.com/voicehive/backend/internal/asr"
	"github.com/voicehive/backend/internal/mfa"
	"github.com/voicehive/backend/internal/middleware"
	"github.com/voicehive/backend/internal/monitoring"
	"github.com/voicehive/backend/internal/pms"
	"github.com/voicehive/backend/internal/secrets"
	"github.com/voicehive/backend/internal/tenancy"
	"github.com/voicehive/backend/internal/tts"
)

// Services bundles everything the router serves.
type Services struct {
	PMS        pms.Connector
	ASR        *asr.Proxy
	TTS        *tts.Router
	Voices     *tts.Catalog
	Tenants    *tenancy.Manager
	Resolver   *tenancy.Resolver
	ChainOps   *tenancy.ChainOpExecutor
	MFA        *mfa.Service
	Approvals  *approval.Service
	Secrets    *secrets.Manager
	Supervisor *monitoring.Supervisor
	RateLimit  *middleware.RateLimiter
}

// NewRouter wires the full HTTP surface. Health and metrics are public;
// everything under /v1 requires a resolved tenant and passes through the
// per-tenant rate limiter.
func NewRouter(svc Services) http.Handler {
	root := mux.NewRouter()

	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	root.HandleFunc("/health", HandleHealthz(svc.Supervisor)).Methods(http.MethodGet)
	root.HandleFunc("/healthz", HandleHealthz(svc.Supervisor)).Methods(http.MethodGet)
	root.HandleFunc("/readyz", HandleReadyz(svc.Supervisor)).Methods(http.MethodGet)

	api := root.PathPrefix("/v1").Subrouter()
	api.Use(middleware.TenantAuth(svc.Tenants))
	if svc.RateLimit != nil {
		api.Use(svc.RateLimit.Middleware)
	}

	// PMS
	api.HandleFunc("/pms/availability", HandleAvailability(svc.PMS)).Methods(http.MethodGet)
	api.HandleFunc("/pms/rates/quote", HandleQuoteRate(svc.PMS)).Methods(http.MethodGet)
	api.HandleFunc("/pms/reservations", HandleCreateReservation(svc.PMS)).Methods(http.MethodPost)
	api.HandleFunc("/pms/reservations/{id}", HandleGetReservation(svc.PMS)).Methods(http.MethodGet)
	api.HandleFunc("/pms/reservations/{id}", HandleModifyReservation(svc.PMS)).Methods(http.MethodPatch)
	api.HandleFunc("/pms/reservations/{id}/cancel", HandleCancelReservation(svc.PMS)).Methods(http.MethodPost)
	api.HandleFunc("/pms/guests", HandleSearchGuest(svc.PMS)).Methods(http.MethodGet)
	api.HandleFunc("/pms/guests", HandleUpsertGuest(svc.PMS)).Methods(http.MethodPut)
	api.HandleFunc("/pms/arrivals", HandleArrivals(svc.PMS)).Methods(http.MethodGet)
	api.HandleFunc("/pms/inhouse", HandleInHouse(svc.PMS)).Methods(http.MethodGet)

	// Speech
	api.HandleFunc("/asr/transcribe", HandleTranscribe(svc.ASR)).Methods(http.MethodPost)
	api.HandleFunc("/asr/detect-language", HandleDetectLanguage(svc.ASR)).Methods(http.MethodPost)
	api.HandleFunc("/asr/stream", HandleASRStream(svc.ASR)).Methods(http.MethodGet)
	api.HandleFunc("/tts/synthesize", HandleSynthesize(svc.TTS)).Methods(http.MethodPost)
	api.HandleFunc("/tts/voices", HandleListVoices(svc.Voices)).Methods(http.MethodGet)

	// Tenancy
	api.HandleFunc("/tenants", HandleCreateTenant(svc.Tenants)).Methods(http.MethodPost)
	api.HandleFunc("/tenants/{id}", HandleGetTenant(svc.Tenants)).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{id}/keys", HandleCreateAPIKey(svc.Tenants)).Methods(http.MethodPost)
	api.HandleFunc("/properties", HandleAddProperty(svc.Tenants)).Methods(http.MethodPost)
	api.HandleFunc("/properties/{id}", HandleGetProperty(svc.Tenants)).Methods(http.MethodGet)
	api.HandleFunc("/properties/{id}", HandleRemoveProperty(svc.Tenants)).Methods(http.MethodDelete)
	api.HandleFunc("/properties/{id}/config", HandleUpdatePropertyConfig(svc.Tenants, svc.Resolver)).Methods(http.MethodPatch)
	api.HandleFunc("/properties/{id}/effective-config", HandleEffectiveConfig(svc.Resolver)).Methods(http.MethodGet)
	api.HandleFunc("/chains/{id}/operations", HandleStartChainOp(svc.ChainOps)).Methods(http.MethodPost)
	api.HandleFunc("/chains/operations/{op_id}", HandleChainOpProgress(svc.ChainOps)).Methods(http.MethodGet)
	api.HandleFunc("/chains/operations/{op_id}/cancel", HandleCancelChainOp(svc.ChainOps)).Methods(http.MethodPost)

	// MFA routes stay off when the service is not configured; hitting them
	// then falls through to mux's 404.
	if svc.MFA != nil {
		api.HandleFunc("/mfa/enroll", HandleMFAEnroll(svc.MFA)).Methods(http.MethodPost)
		api.HandleFunc("/mfa/enroll/complete", HandleMFAEnrollComplete(svc.MFA)).Methods(http.MethodPost)
		api.HandleFunc("/mfa/verify", HandleMFAVerify(svc.MFA)).Methods(http.MethodPost)
		api.HandleFunc("/mfa/recovery", HandleMFARecovery(svc.MFA)).Methods(http.MethodPost)
		api.HandleFunc("/mfa/disable", HandleMFADisable(svc.MFA)).Methods(http.MethodPost)
		api.HandleFunc("/mfa/status", HandleMFAStatus(svc.MFA)).Methods(http.MethodGet)
	}

	// Approvals
	api.HandleFunc("/approvals", HandleSubmitApproval(svc.Approvals)).Methods(http.MethodPost)
	api.HandleFunc("/approvals", HandleListPendingApprovals(svc.Approvals)).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}", HandleGetApproval(svc.Approvals)).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/approve", HandleApprove(svc.Approvals)).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/reject", HandleReject(svc.Approvals)).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/cancel", HandleCancelApproval(svc.Approvals)).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/override", HandleEmergencyOverride(svc.Approvals)).Methods(http.MethodPost)

	// Secrets
	api.HandleFunc("/secrets", HandleCreateSecret(svc.Secrets)).Methods(http.MethodPost)
	api.HandleFunc("/secrets/emergency-rotate", HandleEmergencyRotate(svc.Secrets)).Methods(http.MethodPost)
	api.HandleFunc("/secrets/{id}", HandleSecretMetadata(svc.Secrets)).Methods(http.MethodGet)
	api.HandleFunc("/secrets/{id}/read", HandleReadSecret(svc.Secrets)).Methods(http.MethodPost)
	api.HandleFunc("/secrets/{id}/rotate", HandleRotateSecret(svc.Secrets)).Methods(http.MethodPost)
	api.HandleFunc("/secrets/{id}/revoke", HandleRevokeSecret(svc.Secrets)).Methods(http.MethodPost)

	return middleware.CORS(middleware.RequestLogging(root))
}
