package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func validConfig() Config {
	cfg := Defaults()
	cfg.Admin.PrivateKey = testKeyHex
	cfg.KMS.PrivateKey = testKeyHex
	return cfg
}

func TestDefaultsValidateInDemoMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "demo"
	assert.NoError(t, cfg.Validate(), "demo mode needs no keys or stores")
}

func TestFullModeRequiresAdminKey(t *testing.T) {
	cfg := Defaults()
	cfg.KMS.PrivateKey = testKeyHex
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin")
}

func TestFullModeRequiresKMS(t *testing.T) {
	cfg := Defaults()
	cfg.Admin.PrivateKey = testKeyHex
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kms")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.LogLevel = "loud"
	cfg.Ledger.UnitScale = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "unit_scale")
}

func TestValidateRejectsBadSignerAddress(t *testing.T) {
	cfg := validConfig()
	cfg.KMS.TrustedSigners = []string{"not-an-address"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted signer")
}

func TestArchiverRequiresMirror(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Enabled = true
	cfg.S3.AccessKey = "k"
	cfg.S3.SecretKey = "s"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestMirrorModeRequiresStores(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "mirror"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror")
}

func TestRateLimitRequiresRedis(t *testing.T) {
	cfg := validConfig()
	cfg.Server.RateLimit = 100
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit")

	cfg.Redis.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "demo"
log_level = "debug"

[ledger]
unit_scale = 1000

[orchestrator]
oracle_timeout = "5s"
oracle_retries = 7

[server]
enabled = false
`), 0o600))

	t.Setenv("VEILBET_LOG_LEVEL", "warn")
	t.Setenv("VEILBET_LEDGER_UNIT_SCALE", "2000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Mode)
	assert.Equal(t, "warn", cfg.LogLevel, "env beats file")
	assert.Equal(t, uint64(2000), cfg.Ledger.UnitScale, "env beats file")
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.OracleTimeout.Duration)
	assert.Equal(t, 7, cfg.Orchestrator.OracleRetries)
	assert.False(t, cfg.Server.Enabled)
	// Untouched fields keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pgpass"
	cfg.Redis.Password = "redispass"
	cfg.S3.SecretKey = "s3secret"
	cfg.Server.APIKey = "apikey"

	red := RedactedConfig(&cfg)
	assert.NotContains(t, red.Admin.PrivateKey, testKeyHex)
	assert.NotEqual(t, "pgpass", red.Postgres.Password)
	assert.NotEqual(t, "redispass", red.Redis.Password)
	assert.NotEqual(t, "s3secret", red.S3.SecretKey)
	assert.NotEqual(t, "apikey", red.Server.APIKey)

	// The original is untouched.
	assert.Equal(t, testKeyHex, cfg.Admin.PrivateKey)
}
