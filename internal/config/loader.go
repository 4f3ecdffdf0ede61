package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, then applies .env and
// VAULTD_* overrides. A missing file is not an error when path is empty.
// The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides copies set VAULTD_* variables over cfg so secrets can
// be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Registry.Owner, "VAULTD_REGISTRY_OWNER")
	setStr(&cfg.Ledger.Backend, "VAULTD_LEDGER_BACKEND")

	setStr(&cfg.Postgres.DSN, "VAULTD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "VAULTD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VAULTD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VAULTD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VAULTD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VAULTD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VAULTD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VAULTD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VAULTD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VAULTD_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "VAULTD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VAULTD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VAULTD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VAULTD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VAULTD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VAULTD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VAULTD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "VAULTD_REDIS_KEY_PREFIX")

	setStr(&cfg.Locks.Backend, "VAULTD_LOCKS_BACKEND")
	setDuration(&cfg.Locks.TTL, "VAULTD_LOCKS_TTL")
	setDuration(&cfg.Locks.RetryInterval, "VAULTD_LOCKS_RETRY_INTERVAL")

	setDuration(&cfg.Oracle.MaxAge, "VAULTD_ORACLE_MAX_AGE")
	setStringSlice(&cfg.Oracle.Keepers, "VAULTD_ORACLE_KEEPERS")

	setBool(&cfg.S3.Enabled, "VAULTD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VAULTD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VAULTD_S3_REGION")
	setStr(&cfg.S3.Bucket, "VAULTD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VAULTD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VAULTD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VAULTD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VAULTD_S3_FORCE_PATH_STYLE")

	setDuration(&cfg.Archive.Interval, "VAULTD_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "VAULTD_ARCHIVE_BATCH_SIZE")
	setDuration(&cfg.Archive.Lag, "VAULTD_ARCHIVE_LAG")

	setBool(&cfg.Server.Enabled, "VAULTD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VAULTD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VAULTD_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.AuthMaxSkew, "VAULTD_SERVER_AUTH_MAX_SKEW")
	setInt(&cfg.Server.RateLimit, "VAULTD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "VAULTD_SERVER_RATE_WINDOW")

	setStr(&cfg.Notify.TelegramToken, "VAULTD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VAULTD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VAULTD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VAULTD_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "VAULTD_MODE")
	setStr(&cfg.LogLevel, "VAULTD_LOG_LEVEL")
}

// Each setter only touches dst when the variable is set, non-empty and
// parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
