// Package config defines the top-level configuration for the settlement
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by VEILBET_* environment
// variables.
type Config struct {
	Admin        AdminConfig        `toml:"admin"`
	KMS          KMSConfig          `toml:"kms"`
	Ledger       LedgerConfig       `toml:"ledger"`
	Engine       EngineConfig       `toml:"engine"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// AdminConfig holds the admin signing key. The admin creates and resolves
// markets and drives settlement.
type AdminConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// KMSConfig holds the decryption oracle parameters: the trusted signer set
// checked during proof verification, plus the local signing key when this
// process hosts the oracle itself.
type KMSConfig struct {
	// TrustedSigners are the addresses whose decryption proofs are accepted.
	TrustedSigners []string `toml:"trusted_signers"`

	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LedgerConfig holds confidential-ledger parameters.
type LedgerConfig struct {
	// UnitScale is the number of transparent base units per confidential
	// whole unit, applied symmetrically in wrap and unwrap.
	UnitScale uint64 `toml:"unit_scale"`
}

// EngineConfig holds market-engine parameters.
type EngineConfig struct {
	// EnforceVotingWindow rejects bets placed after a market's
	// voting_ends_at timestamp. Off by default.
	EnforceVotingWindow bool `toml:"enforce_voting_window"`
}

// OrchestratorConfig holds settlement-orchestrator parameters.
type OrchestratorConfig struct {
	OracleTimeout duration `toml:"oracle_timeout"`
	OracleRetries int      `toml:"oracle_retries"`
	RetryBackoff  duration `toml:"retry_backoff"`
}

// PostgresConfig holds PostgreSQL connection parameters for the mirror.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`

	// Enabled switches the Postgres mirror tier on. Demo mode runs without
	// any external stores.
	Enabled bool `toml:"enabled"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Enabled    bool   `toml:"enabled"`
}

// S3Config holds S3-compatible object storage parameters for the event
// archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Enabled        bool   `toml:"enabled"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds operator-alert channels. Events named in Events are
// forwarded; an empty list selects the market lifecycle events.
type NotifyConfig struct {
	Enabled           bool     `toml:"enabled"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder
// can parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			UnitScale: 1_000_000,
		},
		Engine: EngineConfig{
			EnforceVotingWindow: false,
		},
		Orchestrator: OrchestratorConfig{
			OracleTimeout: duration{30 * time.Second},
			OracleRetries: 3,
			RetryBackoff:  duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "veilbet",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			Enabled:       false,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			Enabled:    false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "veilbet-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			Enabled:        false,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":   true,
	"serve":  true,
	"mirror": true,
	"demo":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, serve, mirror, demo)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	mode := strings.ToLower(c.Mode)

	// Admin key -- required whenever the engine runs.
	if mode == "full" {
		if c.Admin.PrivateKey == "" && c.Admin.EncryptedKeyPath == "" {
			errs = append(errs, "admin: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Admin.EncryptedKeyPath != "" && c.Admin.KeyPassword == "" {
			errs = append(errs, "admin: key_password is required when encrypted_key_path is set")
		}

		// KMS -- the trusted signer set must never be empty, and this
		// process needs a signing key to host the oracle.
		if len(c.KMS.TrustedSigners) == 0 && c.KMS.PrivateKey == "" && c.KMS.EncryptedKeyPath == "" {
			errs = append(errs, "kms: trusted_signers or a local signing key must be configured for mode "+c.Mode)
		}
		for _, s := range c.KMS.TrustedSigners {
			if !common.IsHexAddress(s) {
				errs = append(errs, fmt.Sprintf("kms: trusted signer %q is not a valid address", s))
			}
		}
	}

	if c.Ledger.UnitScale == 0 {
		errs = append(errs, "ledger: unit_scale must be >= 1")
	}

	if c.Orchestrator.OracleTimeout.Duration <= 0 {
		errs = append(errs, "orchestrator: oracle_timeout must be > 0")
	}
	if c.Orchestrator.OracleRetries < 0 {
		errs = append(errs, "orchestrator: oracle_retries must be >= 0")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: the event archiver requires the postgres mirror (enable postgres)")
		}
	}

	// Mirror and serve modes are projections of the bus and the mirror;
	// they cannot run without their backing stores.
	if mode == "mirror" && (!c.Redis.Enabled || !c.Postgres.Enabled) {
		errs = append(errs, "mode mirror requires both redis and postgres to be enabled")
	}
	if mode == "serve" && !c.Postgres.Enabled {
		errs = append(errs, "mode serve requires postgres to be enabled")
	}

	if c.Notify.Enabled {
		hasTelegram := c.Notify.TelegramToken != "" && c.Notify.TelegramChatID != ""
		if !hasTelegram && c.Notify.DiscordWebhookURL == "" {
			errs = append(errs, "notify: at least one channel (telegram or discord) must be configured")
		}
		if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
			errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis to be enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
