// Package config defines the vaultd configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration. Values come from Defaults, then the TOML
// file, then VAULTD_* environment variables.
type Config struct {
	Registry RegistryConfig `toml:"registry"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Locks    LocksConfig    `toml:"locks"`
	Oracle   OracleConfig   `toml:"oracle"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// RegistryConfig names the registry owner, the only principal allowed to
// create vaults. It is applied once when the ledger is first initialised.
type RegistryConfig struct {
	Owner string `toml:"owner"`
}

// LedgerConfig selects the state backend: "memory" or "postgres".
type LedgerConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds connection parameters for the postgres ledger.
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
}

// RedisConfig holds Redis connection parameters. When disabled, locks,
// prices and rate limits stay in process.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// LocksConfig selects the per-entity lock backend: "local" or "redis".
type LocksConfig struct {
	Backend       string   `toml:"backend"`
	TTL           duration `toml:"ttl"`
	RetryInterval duration `toml:"retry_interval"`
}

// OracleConfig controls keeper-pushed price quotes.
type OracleConfig struct {
	// MaxAge after which a cached quote reports zero confidence.
	MaxAge duration `toml:"max_age"`
	// Keepers may push quotes; empty lets any signed caller push.
	Keepers []string `toml:"keepers"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the periodic event-log export.
type ArchiveConfig struct {
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
	// Lag keeps the newest events out of the archive until they are this old.
	Lag duration `toml:"lag"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	AuthMaxSkew duration `toml:"auth_max_skew"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config suitable for a single local process.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "vaultd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "vaultd",
		},
		Locks: LocksConfig{
			Backend:       "local",
			TTL:           duration{10 * time.Second},
			RetryInterval: duration{25 * time.Millisecond},
		},
		Oracle: OracleConfig{MaxAge: duration{5 * time.Minute}},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "vaultd-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:  duration{time.Hour},
			BatchSize: 5000,
			Lag:       duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
			AuthMaxSkew: duration{5 * time.Minute},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"harvest", "position_closed", "vault_paused"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":  true,
	"archive": true,
	"full":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// OwnerAddress parses the registry owner.
func (c *Config) OwnerAddress() common.Address {
	return common.HexToAddress(c.Registry.Owner)
}

// KeeperAddresses parses the keeper allow-list.
func (c *Config) KeeperAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Oracle.Keepers))
	for _, k := range c.Oracle.Keepers {
		out = append(out, common.HexToAddress(k))
	}
	return out
}

// Validate reports every invalid or missing value in one error.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !common.IsHexAddress(c.Registry.Owner) {
		errs = append(errs, fmt.Sprintf("registry: owner must be a hex address, got %q", c.Registry.Owner))
	}

	switch c.Ledger.Backend {
	case "memory":
		if mode == "archive" {
			errs = append(errs, "ledger: archive mode needs the postgres backend")
		}
	case "postgres":
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			errs = append(errs, "postgres: dsn or host must be set")
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, postgres)", c.Ledger.Backend))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	switch c.Locks.Backend {
	case "local":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "locks: redis backend requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("locks: unknown backend %q (valid: local, redis)", c.Locks.Backend))
	}
	if c.Locks.TTL.Duration <= 0 {
		errs = append(errs, "locks: ttl must be positive")
	}
	if c.Locks.RetryInterval.Duration <= 0 {
		errs = append(errs, "locks: retry_interval must be positive")
	}

	if c.Oracle.MaxAge.Duration < 0 {
		errs = append(errs, "oracle: max_age must not be negative")
	}
	for _, k := range c.Oracle.Keepers {
		if !common.IsHexAddress(k) {
			errs = append(errs, fmt.Sprintf("oracle: keeper %q is not a hex address", k))
		}
	}

	if mode == "archive" && !c.S3.Enabled {
		errs = append(errs, "s3: archive mode needs s3.enabled")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
	}

	if c.Server.Enabled && mode != "archive" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.AuthMaxSkew.Duration <= 0 {
			errs = append(errs, "server: auth_max_skew must be positive")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
