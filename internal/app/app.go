package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/emilioale04/steam-clone-sub000/internal/audit"
	"github.com/emilioale04/steam-clone-sub000/internal/config"
	"github.com/emilioale04/steam-clone-sub000/internal/cooldown"
	"github.com/emilioale04/steam-clone-sub000/internal/infra"
	"github.com/emilioale04/steam-clone-sub000/internal/job"
	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
	"github.com/emilioale04/steam-clone-sub000/internal/routes"
	"github.com/emilioale04/steam-clone-sub000/internal/unlock"
	"github.com/emilioale04/steam-clone-sub000/internal/wallet"
)

// App holds the wired components shared by the API server and the CLI.
type App struct {
	Cfg      config.Config
	Logger   *slog.Logger
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Store    ledger.Store
	Wallet   *wallet.Service
	Cooldown cooldown.Guard
	Reaper   *job.PendingReaper

	closers []func() error
}

// Build connects infrastructure and wires the wallet. Without DATABASE_URL it
// runs on the in-memory store, which config only allows in development.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Cfg: cfg, Logger: logger}

	var restrictions unlock.Restrictions
	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := infra.RunMigrations(cfg.DatabaseURL, logger); err != nil {
				return nil, err
			}
		}
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		a.Store = ledger.NewPostgresStore(db)
		restrictions = unlock.NewPostgresRestrictions(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory wallet store")
		a.Store = ledger.NewInMemory()
		restrictions = unlock.NewMemoryRestrictions()
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cache != nil {
		a.Cache = cache
		a.closers = append(a.closers, cache.Close)
	}

	var recorder audit.Recorder = audit.NewLogRecorder(logger)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.AppName)
		if err != nil {
			a.Close()
			return nil, err
		}
		kafka := audit.NewKafkaRecorder(producer, cfg.KafkaAuditTopic, logger)
		a.closers = append(a.closers, kafka.Close)
		recorder = kafka
	}

	cooldownCfg := cooldown.Config{
		Reload:     cfg.Cooldown.Reload,
		Payment:    cfg.Cooldown.Payment,
		MaxEntries: cfg.Cooldown.MaxEntries,
	}
	if cfg.Cooldown.Backend == "redis" && a.Cache != nil {
		a.Cooldown = cooldown.NewRedisLock(a.Cache, cooldownCfg, logger)
	} else {
		a.Cooldown = cooldown.NewLock(cooldownCfg)
	}

	svc, err := wallet.NewService(ctx, a.Store, wallet.Options{
		Limits: wallet.Limits{
			MinReload:      cfg.Wallet.MinReload,
			MaxReload:      cfg.Wallet.MaxReload,
			MaxBalance:     cfg.Wallet.MaxBalance,
			MinPurchase:    cfg.Wallet.MinPurchase,
			MaxDailyReload: cfg.Wallet.MaxDailyReload,
		},
		Location:      cfg.Wallet.Location,
		Unlocker:      unlock.NewThresholdService(restrictions, a.Store, cfg.Wallet.UnlockThreshold, logger),
		Audit:         recorder,
		Logger:        logger,
		CASMaxRetries: cfg.Wallet.CASMaxRetries,
		ForceStrategy: cfg.Wallet.ForceStrategy,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build wallet service: %w", err)
	}
	a.Wallet = svc
	a.Reaper = job.NewPendingReaper(a.Store, cfg.Reaper.Interval, cfg.Reaper.StaleAfter, logger)

	return a, nil
}

// RouteDeps adapts the app to the HTTP layer.
func (a *App) RouteDeps() routes.Deps {
	return routes.Deps{
		Cfg:      a.Cfg,
		DB:       a.DB,
		Cache:    a.Cache,
		Wallet:   a.Wallet,
		Cooldown: a.Cooldown,
		Logger:   a.Logger,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close resource", "error", err)
		}
	}
	a.closers = nil
}
