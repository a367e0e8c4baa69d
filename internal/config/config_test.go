package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: "9090"
`))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, "lru", cfg.Cache.Policy)
	assert.Equal(t, time.Hour, cfg.TTS.CacheTTL.Std())
	assert.Equal(t, "en-US", cfg.ASR.DefaultLanguage)
	assert.Equal(t, "voicehive", cfg.Secrets.PathPrefix)
}

func TestLoadParsesDurationsAndMaps(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
tts:
  default_engine: azure
  cache_ttl: 30m
  default_engine_by_language:
    de-DE: azure
    en-US: elevenlabs
resilience:
  recovery_timeout: 45s
  max_retries: 5
mfa:
  session_ttl: 600
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.TTS.CacheTTL.Std())
	assert.Equal(t, "azure", cfg.TTS.DefaultEngineByLanguage["de-DE"])
	assert.Equal(t, 45*time.Second, cfg.Resilience.RecoveryTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.MFA.SessionTTL.Std(), "bare integers are seconds")
}

func TestQuotedBareIntegerDurationIsSeconds(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mfa:
  session_ttl: "600"
`))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.MFA.SessionTTL.Std())
}

func TestUnknownKeysAreRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  port: "8080"
  listen_adress: "0.0.0.0"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen_adress")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("VOICEHIVE_PORT", "7070")
	t.Setenv("ELEVENLABS_API_KEY", "xi-test-key")

	cfg, err := Load(writeConfig(t, `
server:
  port: "8080"
tts:
  elevenlabs_api_key: from-file
`))
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "xi-test-key", cfg.TTS.ElevenLabsAPIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, `
cache:
  policy: random
`))
	assert.ErrorContains(t, err, "cache.policy")

	_, err = Load(writeConfig(t, `
tts:
  default_engine: polly
`))
	assert.ErrorContains(t, err, "tts.default_engine")

	_, err = Load(writeConfig(t, `
mfa:
  encryption_key_hex: "abc123"
`))
	assert.ErrorContains(t, err, "encryption_key_hex")
}

func TestProductionRequiresCriticalSettings(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  env: production
`))
	assert.ErrorContains(t, err, "database.dsn")
}

func TestApprovalEnvironmentDefaultsToServerEnv(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  env: staging
`))
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Approval.Environment)
}
