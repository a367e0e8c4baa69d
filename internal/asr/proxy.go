package asr

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/resilience"
	"github.com/voicehive/backend/pb"
)

const (
	minSampleRate = 8000
	maxSampleRate = 48000

	// Language detection decides on at most this much leading audio.
	detectionWindow = 5 * time.Second

	// Below this confidence the detector returns runner-up candidates too.
	detectionConfidenceFloor = 0.95
)

// Word is one recognized word with its offsets into the audio.
type Word struct {
	Word        string `json:"word"`
	StartTimeMs int64  `json:"start_time_ms"`
	EndTimeMs   int64  `json:"end_time_ms"`
}

// Alternative is a runner-up hypothesis for the same audio.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float32 `json:"confidence"`
}

// Transcription is the unary result surfaced to handlers. Alternatives
// holds at most MaxAlternatives-1 runner-up hypotheses; the primary is the
// top-level transcript.
type Transcription struct {
	Transcript       string        `json:"transcript"`
	Confidence       float32       `json:"confidence"`
	LanguageCode     string        `json:"language_code"`
	Words            []Word        `json:"words,omitempty"`
	Alternatives     []Alternative `json:"alternatives,omitempty"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
}

// DetectedLanguage is one language-detection candidate.
type DetectedLanguage struct {
	LanguageCode string  `json:"language_code"`
	Confidence   float32 `json:"confidence"`
}

// ProxyConfig tunes the recognition proxy.
type ProxyConfig struct {
	UnaryDeadline  time.Duration
	DetectDeadline time.Duration
}

// Proxy fronts the recognizer pool with validation, resilience, and
// language detection.
type Proxy struct {
	pool *ChannelPool
	exec *resilience.Executor
	cfg  ProxyConfig
}

// NewProxy wires the pool behind the recognition executor. The executor's
// breaker manager carries both the "asr" rpc breaker and the
// "asr-connection" breaker the pool trips through it.
func NewProxy(pool *ChannelPool, exec *resilience.Executor, cfg ProxyConfig) *Proxy {
	if cfg.UnaryDeadline <= 0 {
		cfg.UnaryDeadline = 30 * time.Second
	}
	if cfg.DetectDeadline <= 0 {
		cfg.DetectDeadline = 10 * time.Second
	}
	return &Proxy{pool: pool, exec: exec, cfg: cfg}
}

// ValidateConfig enforces the recognition request contract.
func ValidateConfig(cfg *pb.RecognitionConfig) error {
	if cfg == nil {
		return errdefs.Validation("recognition config is required")
	}
	switch cfg.Encoding {
	case pb.AudioEncoding_LINEAR16, pb.AudioEncoding_FLAC, pb.AudioEncoding_MULAW:
	default:
		return errdefs.Validation(fmt.Sprintf("unsupported audio encoding %q", cfg.Encoding))
	}
	if cfg.SampleRateHertz < minSampleRate || cfg.SampleRateHertz > maxSampleRate {
		return errdefs.Validation(fmt.Sprintf("sample rate %d out of range [%d, %d]",
			cfg.SampleRateHertz, minSampleRate, maxSampleRate))
	}
	if cfg.MaxAlternatives != 0 && (cfg.MaxAlternatives < 1 || cfg.MaxAlternatives > 10) {
		return errdefs.Validation("max alternatives must be between 1 and 10")
	}
	if cfg.LanguageCode == "" {
		return errdefs.Validation("language code is required")
	}
	return nil
}

// Transcribe runs one unary recognition.
func (p *Proxy) Transcribe(ctx context.Context, req *pb.RecognizeRequest) (*Transcription, error) {
	if err := ValidateConfig(req.Config); err != nil {
		return nil, err
	}
	if req.Audio == nil || len(req.Audio.Content) == 0 {
		return nil, errdefs.Validation("audio content is empty")
	}

	started := time.Now()
	var out *Transcription
	err := p.exec.Execute(ctx, "recognize", resilience.KindRPC,
		resilience.Options{Idempotent: true, Deadline: p.cfg.UnaryDeadline, Breaker: "asr"},
		func(ctx context.Context) error {
			ch, err := p.pool.Get()
			if err != nil {
				return err
			}
			resp, err := ch.client.Recognize(ctx, req)
			if err != nil {
				p.markIfConnFailure(ch, err)
				return mapRPCError(err)
			}
			out = firstFinal(resp.Results, req.Config.MaxAlternatives)
			if out == nil {
				return errdefs.Transient("recognizer returned no results", nil)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	out.ProcessingTimeMs = time.Since(started).Milliseconds()
	return out, nil
}

// DetectLanguage identifies the spoken language from the leading audio
// window. Low-confidence detections include the runner-up; a detector
// failure falls back to en-US at 0.5 rather than failing the call.
func (p *Proxy) DetectLanguage(ctx context.Context, audio []byte, encoding pb.AudioEncoding, sampleRate int32) []DetectedLanguage {
	fallback := []DetectedLanguage{{LanguageCode: "en-US", Confidence: 0.5}}

	trimmed := trimToWindow(audio, encoding, sampleRate)
	var resp *pb.DetectLanguageResponse
	err := p.exec.Execute(ctx, "detect_language", resilience.KindRPC,
		resilience.Options{Idempotent: true, Deadline: p.cfg.DetectDeadline, Breaker: "asr"},
		func(ctx context.Context) error {
			ch, err := p.pool.Get()
			if err != nil {
				return err
			}
			resp, err = ch.client.DetectLanguage(ctx, &pb.DetectLanguageRequest{
				Audio:           &pb.RecognitionAudio{Content: trimmed},
				Encoding:        encoding,
				SampleRateHertz: sampleRate,
			})
			if err != nil {
				p.markIfConnFailure(ch, err)
				return mapRPCError(err)
			}
			return nil
		})
	if err != nil || resp == nil || len(resp.Candidates) == 0 {
		return fallback
	}

	top := resp.Candidates[0]
	result := []DetectedLanguage{{LanguageCode: top.LanguageCode, Confidence: top.Confidence}}
	if top.Confidence < detectionConfidenceFloor && len(resp.Candidates) > 1 {
		second := resp.Candidates[1]
		result = append(result, DetectedLanguage{LanguageCode: second.LanguageCode, Confidence: second.Confidence})
	}
	return result
}

// HealthCheck reports pool health for the supervisor.
func (p *Proxy) HealthCheck(ctx context.Context) error {
	return p.pool.HealthCheck(ctx)
}

func (p *Proxy) markIfConnFailure(ch Lease, err error) {
	if s, ok := status.FromError(err); ok && s.Code() == codes.Unavailable {
		p.pool.MarkDown(ch)
	}
}

// trimToWindow cuts PCM audio down to the detection window. Compressed
// encodings pass through untrimmed; the recognizer bounds those itself.
func trimToWindow(audio []byte, encoding pb.AudioEncoding, sampleRate int32) []byte {
	var bytesPerSecond int
	switch encoding {
	case pb.AudioEncoding_LINEAR16:
		bytesPerSecond = int(sampleRate) * 2
	case pb.AudioEncoding_MULAW:
		bytesPerSecond = int(sampleRate)
	default:
		return audio
	}
	limit := bytesPerSecond * int(detectionWindow/time.Second)
	if limit > 0 && len(audio) > limit {
		return audio[:limit]
	}
	return audio
}

// firstFinal picks the first final result and shapes it for the handler,
// capping runner-up hypotheses at maxAlternatives (zero means primary only).
func firstFinal(results []*pb.SpeechRecognitionResult, maxAlternatives int32) *Transcription {
	if maxAlternatives < 1 {
		maxAlternatives = 1
	}
	for _, r := range results {
		if !r.IsFinal || len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		out := &Transcription{
			Transcript:   alt.Transcript,
			Confidence:   alt.Confidence,
			LanguageCode: r.LanguageCode,
		}
		for _, w := range alt.Words {
			out.Words = append(out.Words, Word{
				Word:        w.Word,
				StartTimeMs: w.StartTimeMs,
				EndTimeMs:   w.EndTimeMs,
			})
		}
		for _, runner := range r.Alternatives[1:] {
			if int32(len(out.Alternatives))+1 >= maxAlternatives {
				break
			}
			out.Alternatives = append(out.Alternatives, Alternative{
				Transcript: runner.Transcript,
				Confidence: runner.Confidence,
			})
		}
		return out
	}
	return nil
}

// mapRPCError translates grpc status codes into the platform taxonomy.
func mapRPCError(err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return errdefs.Transient("recognizer call failed", err)
	}
	switch s.Code() {
	case codes.InvalidArgument:
		return errdefs.Validation(s.Message())
	case codes.Unauthenticated, codes.PermissionDenied:
		return errdefs.Auth(s.Message())
	case codes.NotFound:
		return errdefs.NotFound(s.Message())
	case codes.ResourceExhausted:
		return errdefs.RateLimited(s.Message(), 0)
	case codes.DeadlineExceeded:
		return errdefs.Timeout(s.Message())
	case codes.Canceled:
		return errdefs.Cancelled(s.Message())
	default:
		return errdefs.Transient(s.Message(), err)
	}
}
