package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicehive/backend/internal/approval"
	"github.com/voicehive/backend/internal/asr"
	"github.com/voicehive/backend/internal/audit"
	"github.com/voicehive/backend/internal/cache"
	"github.com/voicehive/backend/internal/circuitbreaker"
	"github.com/voicehive/backend/internal/config"
	"github.com/voicehive/backend/internal/database"
	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/handlers"
	"github.com/voicehive/backend/internal/mfa"
	"github.com/voicehive/backend/internal/middleware"
	"github.com/voicehive/backend/internal/monitoring"
	"github.com/voicehive/backend/internal/pms"
	"github.com/voicehive/backend/internal/resilience"
	"github.com/voicehive/backend/internal/secrets"
	"github.com/voicehive/backend/internal/tenancy"
	"github.com/voicehive/backend/internal/tts"
)

func main() {
	configPath := flag.String("config", os.Getenv("VOICEHIVE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Main] Configuration invalid", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.Env)
	slog.Info("[Main] Starting VoiceHive control plane", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Shared infrastructure ───────────────────────────────────────────

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("[Main] Redis unreachable at startup, shared tiers degrade to local", "error", err)
	}

	var sharedState circuitbreaker.SharedStore
	if cfg.Resilience.SharedStateEnabled {
		sharedState = circuitbreaker.NewRedisSharedStore(rdb, cfg.Cache.KeyPrefix+":breaker:")
	}
	breakerCfg := circuitbreaker.DefaultConfig("")
	if cfg.Resilience.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.Resilience.FailureThreshold
	}
	if cfg.Resilience.RecoveryTimeout > 0 {
		breakerCfg.RecoveryTimeout = cfg.Resilience.RecoveryTimeout.Std()
	}
	breakers := circuitbreaker.NewManager(breakerCfg, sharedState)

	defaults := resilience.Defaults{
		Deadline:   cfg.Resilience.PerAttemptTimeout.Std(),
		MaxRetries: cfg.Resilience.MaxRetries,
		RetryBackoff: resilience.BackoffConfig{
			InitialDelay: cfg.Resilience.RetryBaseDelay.Std(),
			MaxDelay:     cfg.Resilience.RetryMaxDelay.Std(),
		},
	}

	// ── Persistence ─────────────────────────────────────────────────────

	var (
		tenancyStore  tenancy.Store
		mfaStore      mfa.Store
		approvalStore approval.Store
		auditor       audit.Recorder = audit.NopRecorder{}
		dbStore       *database.Store
	)
	if cfg.Database.DSN != "" {
		dbStore, err = database.Open(cfg.Database.DSN, resilience.SQLPoolConfig{
			MinIdle:         cfg.Database.MinIdle,
			MaxOpen:         cfg.Database.MaxOpen,
			MaxConnLifetime: cfg.Database.MaxConnLifetime.Std(),
			AcquireTimeout:  time.Duration(cfg.Database.AcquireTimeoutS) * time.Second,
		})
		if err != nil {
			slog.Error("[Main] Database open failed", "error", err)
			os.Exit(1)
		}
		defer dbStore.Close()
		if err := dbStore.Migrate(ctx); err != nil {
			slog.Error("[Main] Migration failed", "error", err)
			os.Exit(1)
		}
		tenancyStore = dbStore
		mfaStore = dbStore
		approvalStore = dbStore
		auditor = audit.NewService(dbStore, rdb, cfg.Cache.KeyPrefix)
	} else {
		slog.Warn("[Main] No database configured, using in-memory stores")
		tenancyStore = tenancy.NewMemoryStore()
		mfaStore = mfa.NewMemoryStore()
		approvalStore = approval.NewMemoryStore()
	}

	// ── Tenancy ─────────────────────────────────────────────────────────

	tenants := tenancy.NewManager(tenancyStore)
	resolver := tenancy.NewResolver(tenants)
	chainOps := tenancy.NewChainOpExecutor(tenants, 5)
	chainOps.RegisterHandler(tenancy.OpConfigUpdate, func(ctx context.Context, p *tenancy.Property, op *tenancy.ChainOperation) error {
		_, err := tenants.UpdatePropertyConfig(ctx, p.PropertyID, op.Payload, nil)
		if err == nil {
			resolver.Invalidate(p.PropertyID)
		}
		return err
	})

	// ── Speech ──────────────────────────────────────────────────────────

	asrAddr := "localhost:50051"
	if len(cfg.ASR.Endpoints) > 0 {
		asrAddr = cfg.ASR.Endpoints[0]
	}
	asrPool := asr.NewChannelPool(asr.PoolConfig{Addr: asrAddr, Size: cfg.ASR.PoolSize})
	defer asrPool.Close()
	asrProxy := asr.NewProxy(asrPool, resilience.NewExecutor("asr", breakers, defaults), asr.ProxyConfig{
		UnaryDeadline: cfg.ASR.RequestTimeout.Std(),
	})

	ttsCache := cache.NewTieredCache(cache.TieredConfig{
		Name: "tts",
		Memory: cache.MemoryCacheConfig{
			MaxEntries: cfg.Cache.MaxEntries,
			MaxBytes:   cfg.Cache.MaxBytes,
			Policy:     cache.EvictionPolicy(cfg.Cache.Policy),
			DefaultTTL: cfg.Cache.DefaultTTL.Std(),
		},
		Client:          rdb,
		KeyPrefix:       cfg.Cache.KeyPrefix,
		CleanupInterval: cfg.Cache.CleanupInterval.Std(),
	})
	ttsCache.Start(ctx)
	defer ttsCache.Stop()

	var engines []tts.EngineAdapter
	if cfg.TTS.ElevenLabsAPIKey != "" {
		elevenURL := cfg.TTS.ElevenLabsBaseURL
		if elevenURL == "" {
			elevenURL = "https://api.elevenlabs.io"
		}
		engines = append(engines, tts.NewElevenLabsAdapter(elevenURL, cfg.TTS.ElevenLabsAPIKey, nil))
	}
	if cfg.TTS.AzureKey != "" {
		azureURL := "https://" + cfg.TTS.AzureRegion + ".tts.speech.microsoft.com"
		engines = append(engines, tts.NewAzureAdapter(azureURL, cfg.TTS.AzureKey, cfg.TTS.AzureRegion, nil))
	}
	voices := tts.NewCatalog(defaultVoices())
	ttsRouter := tts.NewRouter(engines, voices, ttsCache, resilience.NewExecutor("tts", breakers, defaults), tts.RouterConfig{
		DefaultEngine:           cfg.TTS.DefaultEngine,
		DefaultEngineByLanguage: cfg.TTS.DefaultEngineByLanguage,
		CacheTTL:                cfg.TTS.CacheTTL.Std(),
		AllowMockFallback:       cfg.TTS.AllowMockFallback,
		SynthesisDeadline:       cfg.TTS.SynthesisDeadline.Std(),
	})

	// ── PMS ─────────────────────────────────────────────────────────────

	tokens := pms.NewClientCredentialsProvider(ctx, cfg.PMS.ClientID, cfg.PMS.ClientSecret, cfg.PMS.TokenURL, nil)
	connector := pms.NewApaleoConnector(pms.ApaleoConfig{
		BaseURL: cfg.PMS.BaseURL,
		Tokens:  tokens,
		Client:  &http.Client{Timeout: cfg.PMS.Timeout.Std()},
		Exec:    resilience.NewExecutor("pms", breakers, defaults),
	})

	// ── Security services ───────────────────────────────────────────────

	var mfaSvc *mfa.Service
	if cfg.MFA.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(cfg.MFA.EncryptionKeyHex)
		if err != nil {
			slog.Error("[Main] MFA encryption key is not valid hex", "error", err)
			os.Exit(1)
		}
		cipher, err := mfa.NewSecretCipher(key)
		if err != nil {
			slog.Error("[Main] MFA cipher setup failed", "error", err)
			os.Exit(1)
		}
		sessions := cache.NewTieredCache(cache.TieredConfig{
			Name:      "mfa-sessions",
			Memory:    cache.MemoryCacheConfig{MaxEntries: 10000, DefaultTTL: cfg.MFA.SessionTTL.Std()},
			Client:    rdb,
			KeyPrefix: cfg.Cache.KeyPrefix,
		})
		sessions.Start(ctx)
		defer sessions.Stop()
		mfaSvc = mfa.NewService(mfaStore, cipher, sessions, auditor, mfa.Config{
			Issuer:            cfg.MFA.Issuer,
			DriftSteps:        cfg.MFA.DriftSteps,
			RecoveryCodeCount: cfg.MFA.RecoveryCodeCount,
			SessionTTL:        cfg.MFA.SessionTTL.Std(),
		})
	} else {
		slog.Warn("[Main] MFA disabled: no encryption key configured")
	}

	approvals := approval.NewService(approvalStore, approval.DefaultRules(), auditor, nil)

	detector := secrets.NewAnomalyDetector(secrets.DetectorConfig{
		Window:           cfg.Secrets.AnomalyWindow.Std(),
		RiskThreshold:    cfg.Secrets.RiskThreshold,
		AllowedCountries: cfg.Secrets.AllowedCountries,
	})
	secretMgr := secrets.NewManager(secrets.ManagerConfig{
		KV:                   secrets.NewRedisKV(rdb),
		Auditor:              auditor,
		Detector:             detector,
		PathPrefix:           cfg.Secrets.PathPrefix,
		EmergencyConcurrency: cfg.Secrets.EmergencyConcurrency,
	})

	// ── Health supervision ──────────────────────────────────────────────

	supervisor := monitoring.NewSupervisor()
	supervisor.Register(monitoring.Probe{
		Name:     "redis",
		Critical: true,
		Interval: cfg.Monitoring.ProbeInterval.Std(),
		Timeout:  cfg.Monitoring.ProbeTimeout.Std(),
		Check:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	supervisor.Register(monitoring.Probe{
		Name:     "asr_pool",
		Interval: cfg.Monitoring.ProbeInterval.Std(),
		Timeout:  cfg.Monitoring.ProbeTimeout.Std(),
		Check:    asrPool.HealthCheck,
	})
	supervisor.Register(monitoring.Probe{
		Name:     "pms",
		Interval: cfg.Monitoring.ProbeInterval.Std(),
		Timeout:  cfg.Monitoring.ProbeTimeout.Std(),
		Check: func(ctx context.Context) error {
			hs := connector.HealthCheck(ctx)
			if hs.Status == "unhealthy" {
				return errFromHealth(hs)
			}
			return nil
		},
	})
	if dbStore != nil {
		supervisor.Register(monitoring.Probe{
			Name:     "postgres",
			Critical: true,
			Interval: cfg.Monitoring.ProbeInterval.Std(),
			Timeout:  cfg.Monitoring.ProbeTimeout.Std(),
			Check:    dbStore.Pool().HealthCheck,
		})
	}
	supervisor.RegisterTask(monitoring.Task{
		Name:     "secret_anomaly_sweep",
		Interval: cfg.Monitoring.SweepInterval.Std(),
		Run: func(ctx context.Context) {
			if fired := detector.Sweep(ctx); fired > 0 {
				slog.Warn("[Main] Secret anomaly sweep fired alerts", "count", fired)
			}
		},
	})
	supervisor.Start(ctx)
	defer supervisor.Stop()

	// ── HTTP surface ────────────────────────────────────────────────────

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})
	defer rateLimiter.Stop()

	router := handlers.NewRouter(handlers.Services{
		PMS:        connector,
		ASR:        asrProxy,
		TTS:        ttsRouter,
		Voices:     voices,
		Tenants:    tenants,
		Resolver:   resolver,
		ChainOps:   chainOps,
		MFA:        mfaSvc,
		Approvals:  approvals,
		Secrets:    secretMgr,
		Supervisor: supervisor,
		RateLimit:  rateLimiter,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[Main] HTTP server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("[Main] Shutdown signal received", "signal", s.String())
	case err := <-errCh:
		slog.Error("[Main] Server stopped", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Main] Graceful shutdown incomplete", "error", err)
	}
	slog.Info("[Main] Stopped")
}

func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

// defaultVoices seeds the catalog; deployments extend it per tenant later.
func defaultVoices() []tts.Voice {
	return []tts.Voice{
		{ID: "21m00Tcm4TlvDq8ikWAM", Name: "Rachel", Engine: "elevenlabs", Language: "en-US"},
		{ID: "pNInz6obpgDQGcFmaJgB", Name: "Adam", Engine: "elevenlabs", Language: "en-US"},
		{ID: "en-US-JennyNeural", Name: "Jenny", Engine: "azure", Language: "en-US"},
		{ID: "de-DE-KatjaNeural", Name: "Katja", Engine: "azure", Language: "de-DE"},
		{ID: "es-ES-ElviraNeural", Name: "Elvira", Engine: "azure", Language: "es-ES"},
		{ID: "fr-FR-DeniseNeural", Name: "Denise", Engine: "azure", Language: "fr-FR"},
	}
}

func errFromHealth(hs pms.HealthStatus) error {
	if hs.Error != "" {
		return errdefs.Transient("pms health: "+hs.Error, nil)
	}
	return errdefs.Transient("pms reported "+hs.Status, nil)
}
