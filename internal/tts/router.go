package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voicehive/backend/internal/cache"
	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/resilience"
)

// RouterConfig tunes routing policy.
type RouterConfig struct {
	// Per-language engine defaults, e.g. "en-US" → "elevenlabs".
	DefaultEngineByLanguage map[string]string
	DefaultEngine           string
	CacheTTL                time.Duration
	// AllowMockFallback permits the silent synthesizer when every engine
	// attempt fails permanently. Off in production deployments.
	AllowMockFallback bool
	SynthesisDeadline time.Duration
}

// Router selects an engine and voice per request, deduplicates concurrent
// synthesis by fingerprint, and serves repeats from the two-tier cache.
type Router struct {
	adapters map[string]EngineAdapter
	catalog  *Catalog
	cache    *cache.TieredCache
	exec     *resilience.Executor
	group    singleflight.Group
	cfg      RouterConfig
}

// cachedAudio is the envelope stored in the cache.
type cachedAudio struct {
	AudioB64   string `json:"audio_b64"`
	DurationMs int64  `json:"duration_ms"`
	EngineUsed string `json:"engine_used"`
	VoiceUsed  string `json:"voice_used"`
}

// NewRouter wires adapters behind the routing policy.
func NewRouter(adapters []EngineAdapter, catalog *Catalog, tiered *cache.TieredCache, exec *resilience.Executor, cfg RouterConfig) *Router {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.SynthesisDeadline <= 0 {
		cfg.SynthesisDeadline = 30 * time.Second
	}
	byName := make(map[string]EngineAdapter, len(adapters))
	for _, a := range adapters {
		byName[strings.ToLower(a.Name())] = a
	}
	if cfg.DefaultEngine == "" && len(adapters) > 0 {
		cfg.DefaultEngine = strings.ToLower(adapters[0].Name())
	}
	return &Router{adapters: byName, catalog: catalog, cache: tiered, exec: exec, cfg: cfg}
}

// Synthesize routes one synthesis request.
func (r *Router) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResult, error) {
	start := time.Now()
	if err := req.normalize(); err != nil {
		return nil, err
	}

	engine, voiceID, voiceUsed, err := r.route(req)
	if err != nil {
		return nil, err
	}
	fp := req.Fingerprint(engine)

	if res, ok := r.fromCache(ctx, fp); ok {
		res.ProcessingTimeMs = time.Since(start).Milliseconds()
		return res, nil
	}

	v, err, _ := r.group.Do(fp, func() (interface{}, error) {
		// A peer flight may have stored the entry between our miss and
		// the lock; re-check before paying for synthesis.
		if res, ok := r.fromCache(ctx, fp); ok {
			return res, nil
		}
		return r.synthesizeUpstream(ctx, req, fp, engine, voiceID, voiceUsed)
	})
	if err != nil {
		return nil, err
	}
	res := *(v.(*SynthesizeResult))
	res.ProcessingTimeMs = time.Since(start).Milliseconds()
	return &res, nil
}

// route resolves the engine and voice per the selection policy.
func (r *Router) route(req *SynthesizeRequest) (engine, voiceID, voiceUsed string, err error) {
	engine = strings.ToLower(req.Engine)
	if engine == "" {
		engine = r.cfg.DefaultEngineByLanguage[req.Language]
	}
	if engine == "" {
		engine = r.cfg.DefaultEngine
	}
	if _, ok := r.adapters[engine]; !ok && engine != "" && req.Engine != "" {
		return "", "", "", errdefs.Validation("unknown engine " + req.Engine)
	}

	switch {
	case req.VoiceID != "":
		voiceID, voiceUsed = req.VoiceID, req.VoiceID
	case req.VoiceName != "":
		if v, ok := r.catalog.Resolve(req.VoiceName, engine, req.Language); ok {
			voiceID, voiceUsed = v.ID, v.Name
			if req.Engine == "" && v.Engine != "" {
				engine = strings.ToLower(v.Engine)
			}
		} else {
			// Unknown name passes through unchanged.
			voiceID, voiceUsed = req.VoiceName, req.VoiceName
		}
	default:
		if v, ok := r.catalog.Default(engine, req.Language); ok {
			voiceID, voiceUsed = v.ID, v.Name
		}
	}
	return engine, voiceID, voiceUsed, nil
}

func (r *Router) fromCache(ctx context.Context, fp string) (*SynthesizeResult, bool) {
	data, ok := r.cache.Get(ctx, fp)
	if !ok {
		return nil, false
	}
	var env cachedAudio
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("[TTSRouter] Corrupt cache entry dropped", "fingerprint", fp, "error", err)
		r.cache.Delete(ctx, fp)
		return nil, false
	}
	return &SynthesizeResult{
		AudioB64:   env.AudioB64,
		DurationMs: env.DurationMs,
		EngineUsed: env.EngineUsed,
		VoiceUsed:  env.VoiceUsed,
		Cached:     true,
	}, true
}

func (r *Router) synthesizeUpstream(ctx context.Context, req *SynthesizeRequest, fp, engine, voiceID, voiceUsed string) (*SynthesizeResult, error) {
	adapter, ok := r.adapters[engine]
	if !ok {
		return nil, errdefs.Internal("no adapter registered for engine "+engine, nil)
	}

	var audio []byte
	var durationMs int64
	err := r.exec.Execute(ctx, "synthesize", resilience.KindRPC,
		resilience.Options{Idempotent: true, Deadline: r.cfg.SynthesisDeadline, Breaker: "tts"},
		func(ctx context.Context) error {
			var err error
			audio, durationMs, err = adapter.Synthesize(ctx, req, voiceID)
			return err
		})
	engineUsed := engine
	if err != nil {
		if !r.cfg.AllowMockFallback || errdefs.KindOf(err) == errdefs.KindValidation {
			return nil, err
		}
		slog.Warn("[TTSRouter] Engine failed, serving silent fallback",
			"engine", engine, "error", err)
		audio, durationMs = silentPCM(req.Text, req.SampleRate)
		engineUsed = "mock"
	}

	env := cachedAudio{
		AudioB64:   base64.StdEncoding.EncodeToString(audio),
		DurationMs: durationMs,
		EngineUsed: engineUsed,
		VoiceUsed:  voiceUsed,
	}
	if engineUsed != "mock" {
		if data, err := json.Marshal(env); err == nil {
			r.cache.Set(ctx, fp, data, r.cfg.CacheTTL, cache.TierAll)
		}
	}

	return &SynthesizeResult{
		AudioB64:   env.AudioB64,
		DurationMs: env.DurationMs,
		EngineUsed: env.EngineUsed,
		VoiceUsed:  env.VoiceUsed,
		Cached:     false,
	}, nil
}

// silentPCM produces silence proportional to text length, 60 ms per rune
// bounded to [500 ms, 30 s], so call flows keep their timing during an
// engine outage.
func silentPCM(text string, sampleRate int) ([]byte, int64) {
	durationMs := int64(len([]rune(text))) * 60
	if durationMs < 500 {
		durationMs = 500
	}
	if durationMs > 30000 {
		durationMs = 30000
	}
	samples := int64(sampleRate) * durationMs / 1000
	return make([]byte, samples*2), durationMs
}
