package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsNeedOwner(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry: owner")

	cfg.Registry.Owner = owner
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeTOML(t, `
mode = "server"

[registry]
owner = "`+owner+`"

[ledger]
backend = "postgres"

[postgres]
dsn = "postgres://file"

[locks]
ttl = "3s"

[server]
port = 9000
auth_max_skew = "30s"

[oracle]
keepers = ["0x70997970C51812dc3A010C7d01b50e0d17dc79C8"]
`)
	t.Setenv("VAULTD_POSTGRES_DSN", "postgres://env")
	t.Setenv("VAULTD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("VAULTD_ORACLE_MAX_AGE", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "postgres://env", cfg.Postgres.DSN)
	assert.Equal(t, 3*time.Second, cfg.Locks.TTL.Duration)
	assert.Equal(t, 25*time.Millisecond, cfg.Locks.RetryInterval.Duration)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.AuthMaxSkew.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 90*time.Second, cfg.Oracle.MaxAge.Duration)
	assert.Len(t, cfg.KeeperAddresses(), 1)
	assert.Equal(t, owner, cfg.OwnerAddress().Hex())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Registry.Owner = owner
	cfg.Mode = "archive"
	cfg.Locks.Backend = "redis"
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"archive mode needs the postgres backend",
		"locks: redis backend requires redis.enabled",
		"s3: archive mode needs s3.enabled",
		"telegram_token and telegram_chat_id",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "secret"
	cfg.S3.SecretKey = "s3secret"
	cfg.Notify.TelegramToken = ""

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Empty(t, red.Notify.TelegramToken)
	assert.Equal(t, "secret", cfg.Postgres.Password)

	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
