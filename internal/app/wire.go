package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/vaultd/internal/blob/s3"
	"github.com/alanyoungcy/vaultd/internal/cache/redis"
	"github.com/alanyoungcy/vaultd/internal/config"
	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/lock"
	"github.com/alanyoungcy/vaultd/internal/notify"
	"github.com/alanyoungcy/vaultd/internal/server/handler"
	"github.com/alanyoungcy/vaultd/internal/store/memory"
	"github.com/alanyoungcy/vaultd/internal/store/postgres"
)

// Dependencies bundles the backends the modes run on. Optional backends
// are nil when their section is disabled.
type Dependencies struct {
	Ledger     domain.Ledger
	AuditStore domain.AuditStore

	LockManager domain.LockManager
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	ReplayGuard domain.ReplayGuard
	SignalBus   domain.SignalBus

	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	Notifier *notify.Notifier

	// HealthChecks probes each connected backend by name.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs the concrete backends selected by cfg and initialises the
// registry with the configured owner. The returned cleanup releases every
// connection in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// Ledger.
	switch cfg.Ledger.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Ledger = postgres.NewLedger(pgClient.Pool())
		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
		deps.HealthChecks["postgres"] = pgClient.Ping
	default:
		deps.Ledger = memory.NewLedger()
	}

	reg, err := deps.Ledger.Init(ctx, cfg.OwnerAddress())
	if err != nil {
		return fail(fmt.Errorf("wire: init registry: %w", err))
	}
	if reg.Owner != cfg.OwnerAddress() {
		logger.WarnContext(ctx, "registry owner differs from configuration; keeping the stored owner",
			slog.String("stored", reg.Owner.Hex()),
			slog.String("configured", cfg.OwnerAddress().Hex()),
		)
	}

	// Redis-backed coordination, or in-process fallbacks.
	deps.LockManager = lock.NewKeyedMutex()
	deps.PriceCache = memory.NewPriceCache()
	deps.ReplayGuard = memory.NewReplayGuard()
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		if cfg.Locks.Backend == "redis" {
			deps.LockManager = redis.NewLockManager(redisClient)
		}
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// Object storage.
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
