package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/vaultd/internal/blob/s3"
	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/server"
	"github.com/alanyoungcy/vaultd/internal/server/handler"
	"github.com/alanyoungcy/vaultd/internal/server/ws"
	"github.com/alanyoungcy/vaultd/internal/service"
)

// services holds the domain services every mode shares.
type services struct {
	publisher *service.Publisher
	vaults    *service.VaultService
	arb       *service.ArbService
	prices    *service.PriceService
}

func (a *App) buildServices(deps *Dependencies, hub *ws.Hub) *services {
	pub := service.NewPublisher(a.logger)
	if deps.SignalBus != nil {
		pub.WithBus(deps.SignalBus)
	} else if hub != nil {
		// Without a bus the hub cannot relay, so feed it directly.
		pub.WithSink("ws_hub", hub)
	}
	if deps.AuditStore != nil {
		pub.WithAudit(deps.AuditStore)
	}
	if deps.Notifier != nil {
		pub.WithSink("notifier", deps.Notifier)
	}

	lockCfg := service.LockConfig{
		TTL:           a.cfg.Locks.TTL.Duration,
		RetryInterval: a.cfg.Locks.RetryInterval.Duration,
	}

	prices := service.NewPriceService(deps.PriceCache, a.cfg.Oracle.MaxAge.Duration, a.logger)
	if deps.SignalBus != nil {
		prices.WithBus(deps.SignalBus)
	}

	return &services{
		publisher: pub,
		vaults: service.NewVaultService(deps.Ledger, deps.LockManager, pub, lockCfg, a.logger).
			WithQuoteSource(prices),
		arb:    service.NewArbService(deps.Ledger, deps.LockManager, pub, lockCfg, a.logger),
		prices: prices,
	}
}

// ServerMode serves the HTTP and websocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	hub := ws.NewHub(deps.SignalBus, a.logger)
	svcs := a.buildServices(deps, hub)
	a.startHTTPServer(ctx, g, deps, svcs, hub)
	return g.Wait()
}

// ArchiveMode only exports the event log to object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps, nil)
	if err := a.startArchiver(ctx, g, deps, svcs); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the API and, when object storage is configured, the
// archiver in the same process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	hub := ws.NewHub(deps.SignalBus, a.logger)
	svcs := a.buildServices(deps, hub)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs, hub)
	}
	if deps.BlobWriter != nil {
		if err := a.startArchiver(ctx, g, deps, svcs); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	} else {
		a.logger.InfoContext(ctx, "s3 disabled; event archiving is off")
	}
	return g.Wait()
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services, hub *ws.Hub) {
	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.HealthChecks {
		health.WithCheck(name, check)
	}

	handlers := server.Handlers{
		Health: health,
		Vaults: handler.NewVaultHandler(svcs.vaults, a.logger),
		Arb:    handler.NewArbHandler(svcs.arb, a.logger),
		Prices: handler.NewPriceHandler(svcs.prices, a.logger).WithKeepers(a.cfg.KeeperAddresses()),
		Events: handler.NewEventHandler(svcs.vaults, a.logger),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AuthMaxSkew: a.cfg.Server.AuthMaxSkew.Duration,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, deps.ReplayGuard, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) error {
	if deps.BlobWriter == nil || deps.BlobReader == nil {
		return errors.New("archiver needs s3 enabled")
	}
	archiver := s3blob.NewEventArchiver(svcs.vaults, deps.BlobWriter, deps.BlobReader, deps.AuditStore, a.logger).
		WithBatchSize(a.cfg.Archive.BatchSize)

	g.Go(func() error {
		return a.runArchiveLoop(ctx, archiver)
	})
	return nil
}

// runArchiveLoop exports once at start and then on every tick, leaving
// events younger than the configured lag for the next round.
func (a *App) runArchiveLoop(ctx context.Context, archiver domain.Archiver) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		before := time.Now().UTC().Add(-a.cfg.Archive.Lag.Duration)
		n, err := archiver.ArchiveEvents(ctx, before)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		case n > 0:
			a.logger.InfoContext(ctx, "archived events", slog.Int64("count", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
