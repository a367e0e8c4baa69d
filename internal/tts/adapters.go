package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/voicehive/backend/internal/errdefs"
)

// ElevenLabsAdapter speaks the ElevenLabs JSON synthesis API.
type ElevenLabsAdapter struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewElevenLabsAdapter(baseURL, apiKey string, client *http.Client) *ElevenLabsAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ElevenLabsAdapter{BaseURL: baseURL, APIKey: apiKey, Client: client}
}

func (a *ElevenLabsAdapter) Name() string { return "elevenlabs" }

type elevenLabsRequest struct {
	Text       string  `json:"text"`
	VoiceID    string  `json:"voice_id"`
	Speed      float64 `json:"speed"`
	Format     string  `json:"output_format"`
	SampleRate int     `json:"sample_rate"`
}

func (a *ElevenLabsAdapter) Synthesize(ctx context.Context, req *SynthesizeRequest, voiceID string) ([]byte, int64, error) {
	body, err := json.Marshal(elevenLabsRequest{
		Text:       req.Text,
		VoiceID:    voiceID,
		Speed:      req.Speed,
		Format:     req.Format,
		SampleRate: req.SampleRate,
	})
	if err != nil {
		return nil, 0, errdefs.Internal("encode synthesis request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, 0, errdefs.Internal("build synthesis request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", a.APIKey)

	return doSynthesis(a.Client, httpReq, req)
}

// AzureAdapter speaks the Azure Cognitive Services SSML synthesis API.
type AzureAdapter struct {
	BaseURL string
	Key     string
	Region  string
	Client  *http.Client
}

func NewAzureAdapter(baseURL, key, region string, client *http.Client) *AzureAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &AzureAdapter{BaseURL: baseURL, Key: key, Region: region, Client: client}
}

func (a *AzureAdapter) Name() string { return "azure" }

func (a *AzureAdapter) Synthesize(ctx context.Context, req *SynthesizeRequest, voiceID string) ([]byte, int64, error) {
	// Rate is expressed as a percentage offset from 1.0.
	ratePct := int((req.Speed - 1.0) * 100)
	ssml := fmt.Sprintf(
		`<speak version="1.0" xml:lang=%q><voice name=%q><prosody rate="%+d%%">%s</prosody></voice></speak>`,
		req.Language, voiceID, ratePct, xmlEscape(req.Text))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/synthesize", bytes.NewReader([]byte(ssml)))
	if err != nil {
		return nil, 0, errdefs.Internal("build synthesis request", err)
	}
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", a.Key)
	httpReq.Header.Set("X-Microsoft-OutputFormat", azureFormat(req.Format, req.SampleRate))

	return doSynthesis(a.Client, httpReq, req)
}

func azureFormat(format string, sampleRate int) string {
	switch format {
	case "wav", "pcm":
		return fmt.Sprintf("raw-%dhz-16bit-mono-pcm", sampleRate)
	default:
		return "audio-24khz-48kbitrate-mono-mp3"
	}
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		switch r {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		default:
			buf.WriteRune(r)
		}
	}
	return buf.String()
}

// doSynthesis executes the request and maps the vendor response into the
// platform taxonomy once, at this boundary.
func doSynthesis(client *http.Client, httpReq *http.Request, req *SynthesizeRequest) ([]byte, int64, error) {
	resp, err := client.Do(httpReq)
	if err != nil {
		if httpReq.Context().Err() == context.DeadlineExceeded {
			return nil, 0, errdefs.Timeout("synthesis request timed out")
		}
		return nil, 0, errdefs.Transient("synthesis request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, 0, errdefs.FromHTTPStatus(resp.StatusCode, "synthesis engine error", retryAfter)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errdefs.Transient("read synthesis response", err)
	}
	if len(audio) == 0 {
		return nil, 0, errdefs.Transient("synthesis engine returned empty audio", nil)
	}
	return audio, estimateDurationMs(audio, req), nil
}

// estimateDurationMs derives duration from raw PCM exactly and estimates
// compressed formats from text length.
func estimateDurationMs(audio []byte, req *SynthesizeRequest) int64 {
	switch req.Format {
	case "pcm", "wav":
		if req.SampleRate > 0 {
			return int64(len(audio)) * 1000 / int64(req.SampleRate*2)
		}
	}
	return int64(len([]rune(req.Text))) * 60
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
