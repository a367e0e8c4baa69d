// Package tts routes speech synthesis across engines, fronted by a
// fingerprint-keyed two-tier cache with single-flight semantics.
package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/voicehive/backend/internal/errdefs"
)

// SynthesizeRequest is the router's inbound contract.
type SynthesizeRequest struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	VoiceID    string  `json:"voice_id,omitempty"`
	VoiceName  string  `json:"voice_name,omitempty"`
	Engine     string  `json:"engine,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Pitch      float64 `json:"pitch,omitempty"`
	Emotion    string  `json:"emotion,omitempty"`
	Format     string  `json:"format,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
}

// SynthesizeResult is the router's outbound contract.
type SynthesizeResult struct {
	AudioB64         string `json:"audio_b64"`
	DurationMs       int64  `json:"duration_ms"`
	EngineUsed       string `json:"engine_used"`
	VoiceUsed        string `json:"voice_used"`
	Cached           bool   `json:"cached"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// EngineAdapter is one synthesis back-end.
type EngineAdapter interface {
	Name() string
	Synthesize(ctx context.Context, req *SynthesizeRequest, voiceID string) (audio []byte, durationMs int64, err error)
}

// normalize fills defaults and validates ranges before routing.
func (r *SynthesizeRequest) normalize() error {
	if strings.TrimSpace(r.Text) == "" {
		return errdefs.Validation("text is required")
	}
	if r.Language == "" {
		return errdefs.Validation("language is required")
	}
	if r.Speed == 0 {
		r.Speed = 1.0
	}
	if r.Speed < 0.5 || r.Speed > 2.0 {
		return errdefs.Validation("speed must be within [0.5, 2.0]")
	}
	if r.Format == "" {
		r.Format = "mp3"
	}
	r.Format = strings.ToLower(r.Format)
	switch r.Format {
	case "mp3", "wav", "pcm":
	default:
		return errdefs.Validation("format must be one of mp3, wav, pcm")
	}
	if r.SampleRate == 0 {
		r.SampleRate = 22050
	}
	return nil
}

// Fingerprint is the cache key: a sha256 over every field that changes the
// audio, enumerations lowercased, text verbatim.
func (r *SynthesizeRequest) Fingerprint(engine string) string {
	voice := r.VoiceID
	if voice == "" {
		voice = r.VoiceName
	}
	parts := []string{
		r.Text,
		strings.ToLower(r.Language),
		strings.ToLower(voice),
		strings.ToLower(engine),
		strconv.FormatFloat(r.Speed, 'f', -1, 64),
		strconv.FormatFloat(r.Pitch, 'f', -1, 64),
		strings.ToLower(r.Emotion),
		r.Format,
		strconv.Itoa(r.SampleRate),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
