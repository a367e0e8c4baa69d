package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/voicehive/backend/internal/asr"
	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/pb"
)

type transcribeBody struct {
	Audio           string `json:"audio"` // base64
	Encoding        string `json:"encoding"`
	SampleRateHz    int32  `json:"sample_rate_hz"`
	LanguageCode    string `json:"language_code"`
	MaxAlternatives int32  `json:"max_alternatives"`
	InterimResults  bool   `json:"interim_results"`
	Model           string `json:"model"`
}

func parseEncoding(s string) (pb.AudioEncoding, error) {
	switch s {
	case "LINEAR16", "linear16", "":
		return pb.AudioEncoding_LINEAR16, nil
	case "FLAC", "flac":
		return pb.AudioEncoding_FLAC, nil
	case "MULAW", "mulaw":
		return pb.AudioEncoding_MULAW, nil
	default:
		return pb.AudioEncoding_ENCODING_UNSPECIFIED, errdefs.Validationf("unknown audio encoding %q", s)
	}
}

func decodeAudio(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, errdefs.Validation("audio is required")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errdefs.Validation("audio must be base64-encoded: " + err.Error())
	}
	return raw, nil
}

// HandleTranscribe serves POST /v1/asr/transcribe with a complete
// base64-encoded utterance.
func HandleTranscribe(proxy *asr.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body transcribeBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		audio, err := decodeAudio(body.Audio)
		if err != nil {
			writeError(w, err)
			return
		}
		encoding, err := parseEncoding(body.Encoding)
		if err != nil {
			writeError(w, err)
			return
		}
		result, err := proxy.Transcribe(r.Context(), &pb.RecognizeRequest{
			Config: &pb.RecognitionConfig{
				Encoding:        encoding,
				SampleRateHertz: body.SampleRateHz,
				LanguageCode:    body.LanguageCode,
				MaxAlternatives: body.MaxAlternatives,
				Model:           body.Model,
			},
			Audio: &pb.RecognitionAudio{Content: audio},
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleDetectLanguage serves POST /v1/asr/detect-language. Detection is
// best-effort: failures fall back to a default candidate list.
func HandleDetectLanguage(proxy *asr.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body transcribeBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		audio, err := decodeAudio(body.Audio)
		if err != nil {
			writeError(w, err)
			return
		}
		encoding, err := parseEncoding(body.Encoding)
		if err != nil {
			writeError(w, err)
			return
		}
		languages := proxy.DetectLanguage(r.Context(), audio, encoding, body.SampleRateHz)
		writeJSON(w, http.StatusOK, map[string]interface{}{"languages": languages})
	}
}
