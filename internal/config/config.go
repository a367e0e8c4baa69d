// Package config loads the platform configuration: a YAML file with
// strictly enumerated sections, plus environment overrides for the values
// that differ per deployment (ports, DSNs, API keys).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Cache      CacheConfig      `yaml:"cache"`
	ASR        ASRConfig        `yaml:"asr"`
	TTS        TTSConfig        `yaml:"tts"`
	PMS        PMSConfig        `yaml:"pms"`
	MFA        MFAConfig        `yaml:"mfa"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port            string   `yaml:"port"`
	Env             string   `yaml:"env"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string   `yaml:"dsn"`
	MinIdle         int      `yaml:"min_idle"`
	MaxOpen         int      `yaml:"max_open"`
	AcquireTimeoutS int      `yaml:"acquire_timeout_s"`
	MaxConnLifetime Duration `yaml:"max_conn_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ResilienceConfig struct {
	FailureThreshold   int      `yaml:"failure_threshold"`
	RecoveryTimeout    Duration `yaml:"recovery_timeout"`
	HalfOpenProbes     int      `yaml:"half_open_probes"`
	MaxRetries         int      `yaml:"max_retries"`
	RetryBaseDelay     Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      Duration `yaml:"retry_max_delay"`
	PerAttemptTimeout  Duration `yaml:"per_attempt_timeout"`
	SharedStateEnabled bool     `yaml:"shared_state_enabled"`
}

type CacheConfig struct {
	MaxEntries      int      `yaml:"max_entries"`
	MaxBytes        int64    `yaml:"max_bytes"`
	Policy          string   `yaml:"policy"` // lru | fifo | lfu
	DefaultTTL      Duration `yaml:"default_ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	KeyPrefix       string   `yaml:"key_prefix"`
}

type ASRConfig struct {
	Endpoints       []string `yaml:"endpoints"`
	PoolSize        int      `yaml:"pool_size"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	DefaultLanguage string   `yaml:"default_language"`
}

type TTSConfig struct {
	ElevenLabsAPIKey        string            `yaml:"elevenlabs_api_key"`
	ElevenLabsBaseURL       string            `yaml:"elevenlabs_base_url"`
	AzureKey                string            `yaml:"azure_key"`
	AzureRegion             string            `yaml:"azure_region"`
	DefaultEngine           string            `yaml:"default_engine"`
	DefaultEngineByLanguage map[string]string `yaml:"default_engine_by_language"`
	CacheTTL                Duration          `yaml:"cache_ttl"`
	AllowMockFallback       bool              `yaml:"allow_mock_fallback"`
	SynthesisDeadline       Duration          `yaml:"synthesis_deadline"`
}

type PMSConfig struct {
	Vendor       string   `yaml:"vendor"`
	BaseURL      string   `yaml:"base_url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Timeout      Duration `yaml:"timeout"`
}

type MFAConfig struct {
	Issuer            string   `yaml:"issuer"`
	EncryptionKeyHex  string   `yaml:"encryption_key_hex"`
	DriftSteps        uint     `yaml:"drift_steps"`
	RecoveryCodeCount int      `yaml:"recovery_code_count"`
	SessionTTL        Duration `yaml:"session_ttl"`
}

type ApprovalConfig struct {
	Environment string `yaml:"environment"`
}

type SecretsConfig struct {
	PathPrefix           string   `yaml:"path_prefix"`
	EmergencyConcurrency int      `yaml:"emergency_concurrency"`
	AnomalyWindow        Duration `yaml:"anomaly_window"`
	AllowedCountries     []string `yaml:"allowed_countries"`
	RiskThreshold        float64  `yaml:"risk_threshold"`
}

type MonitoringConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Load reads the YAML file, applies environment overrides, fills defaults,
// and validates. Unknown YAML keys are rejected so typos fail at startup
// instead of silently taking defaults.
func Load(path string) (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays deployment-specific values. Environment always wins
// over the file.
func (c *Config) applyEnv() {
	overlay(&c.Server.Port, "VOICEHIVE_PORT")
	overlay(&c.Server.Env, "VOICEHIVE_ENV")
	overlay(&c.Database.DSN, "DATABASE_URL")
	overlay(&c.Redis.Addr, "REDIS_ADDR")
	overlay(&c.Redis.Password, "REDIS_PASSWORD")
	overlay(&c.TTS.ElevenLabsAPIKey, "ELEVENLABS_API_KEY")
	overlay(&c.TTS.AzureKey, "AZURE_SPEECH_KEY")
	overlay(&c.TTS.AzureRegion, "AZURE_SPEECH_REGION")
	overlay(&c.PMS.ClientID, "PMS_CLIENT_ID")
	overlay(&c.PMS.ClientSecret, "PMS_CLIENT_SECRET")
	overlay(&c.MFA.EncryptionKeyHex, "MFA_ENCRYPTION_KEY")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) fillDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Cache.Policy == "" {
		c.Cache.Policy = "lru"
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = Duration(5 * time.Minute)
	}
	if c.Cache.CleanupInterval <= 0 {
		c.Cache.CleanupInterval = Duration(time.Minute)
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "voicehive"
	}
	if c.ASR.PoolSize <= 0 {
		c.ASR.PoolSize = 4
	}
	if c.ASR.RequestTimeout <= 0 {
		c.ASR.RequestTimeout = Duration(10 * time.Second)
	}
	if c.ASR.DefaultLanguage == "" {
		c.ASR.DefaultLanguage = "en-US"
	}
	if c.TTS.DefaultEngine == "" {
		c.TTS.DefaultEngine = "elevenlabs"
	}
	if c.TTS.CacheTTL <= 0 {
		c.TTS.CacheTTL = Duration(time.Hour)
	}
	if c.TTS.SynthesisDeadline <= 0 {
		c.TTS.SynthesisDeadline = Duration(30 * time.Second)
	}
	if c.PMS.Timeout <= 0 {
		c.PMS.Timeout = Duration(15 * time.Second)
	}
	if c.MFA.Issuer == "" {
		c.MFA.Issuer = "VoiceHive"
	}
	if c.MFA.SessionTTL <= 0 {
		c.MFA.SessionTTL = Duration(15 * time.Minute)
	}
	if c.Approval.Environment == "" {
		c.Approval.Environment = c.Server.Env
	}
	if c.Secrets.PathPrefix == "" {
		c.Secrets.PathPrefix = "voicehive"
	}
	if c.Monitoring.ProbeInterval <= 0 {
		c.Monitoring.ProbeInterval = Duration(15 * time.Second)
	}
	if c.Monitoring.ProbeTimeout <= 0 {
		c.Monitoring.ProbeTimeout = Duration(5 * time.Second)
	}
	if c.Monitoring.SweepInterval <= 0 {
		c.Monitoring.SweepInterval = Duration(5 * time.Minute)
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Cache.Policy {
	case "lru", "fifo", "lfu":
	default:
		return fmt.Errorf("cache.policy must be lru, fifo, or lfu, got %q", c.Cache.Policy)
	}
	switch c.TTS.DefaultEngine {
	case "elevenlabs", "azure":
	default:
		return fmt.Errorf("tts.default_engine must be elevenlabs or azure, got %q", c.TTS.DefaultEngine)
	}
	if c.MFA.EncryptionKeyHex != "" && len(c.MFA.EncryptionKeyHex) != 64 {
		return fmt.Errorf("mfa.encryption_key_hex must be 64 hex characters (32 bytes)")
	}
	if c.Secrets.RiskThreshold < 0 || c.Secrets.RiskThreshold > 1 {
		return fmt.Errorf("secrets.risk_threshold must be within [0, 1]")
	}
	if c.Server.Env == "production" {
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required in production")
		}
		if c.MFA.EncryptionKeyHex == "" {
			return fmt.Errorf("mfa.encryption_key_hex is required in production")
		}
	}
	return nil
}
