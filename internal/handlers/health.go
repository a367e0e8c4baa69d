package handlers

import (
	"net/http"

	"github.com/voicehive/backend/internal/monitoring"
)

// HandleHealthz serves GET /healthz from the supervisor's last probe round.
func HandleHealthz(sup *monitoring.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := sup.Snapshot()
		status := http.StatusOK
		if snapshot.Status == monitoring.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, snapshot)
	}
}

// HandleReadyz serves GET /readyz with a synchronous probe round, for
// load-balancer registration.
func HandleReadyz(sup *monitoring.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := sup.ForceCheck(r.Context())
		status := http.StatusOK
		if snapshot.Status == monitoring.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, snapshot)
	}
}
