package handlers

import (
	"net/http"

	"github.com/voicehive/backend/internal/tts"
)

// HandleSynthesize serves POST /v1/tts/synthesize. Identical requests are
// collapsed and served from the fingerprint cache by the router.
func HandleSynthesize(router *tts.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tts.SynthesizeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		result, err := router.Synthesize(r.Context(), &req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleListVoices serves GET /v1/tts/voices.
func HandleListVoices(catalog *tts.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		voices := catalog.Voices(r.URL.Query().Get("language"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"voices": voices,
			"total":  len(voices),
		})
	}
}
