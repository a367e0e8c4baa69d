package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/tenancy"
)

// RateLimiter enforces per-tenant request limits with a sliding one-minute
// window. Limits are soft: counts may race slightly under contention, which
// is acceptable for throttling.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateLimitWindow
	cfg     RateLimitConfig
	stop    chan struct{}
}

// RateLimitConfig defines the thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int // default 300
	BurstSize         int // temporary headroom above the limit, default 2x
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 300
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateLimitWindow),
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether one more request from the key fits the window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.cfg.BurstSize {
			return false
		}
		if count > rl.cfg.MaxCallsPerMinute {
			slog.Warn("[RateLimit] Tenant over limit", "tenant", key, "count", count)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.cfg.BurstSize
	}
	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Middleware throttles by tenant id; unauthenticated paths share one bucket.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := tenancy.GetTenantID(r.Context())
		if err != nil {
			key = "anonymous"
		}

		if !rl.Allow(key) {
			retryAfter := 60 * time.Second
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"kind":           string(errdefs.KindRateLimited),
					"message":        "rate limit exceeded",
					"retry_after_ms": retryAfter.Milliseconds(),
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop halts the background cleanup loop.
func (rl *RateLimiter) Stop() { close(rl.stop) }

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}
