package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pysugar/hostaway-sync/internal/accountcache"
	"github.com/pysugar/hostaway-sync/internal/api"
	"github.com/pysugar/hostaway-sync/internal/api/handlers"
	"github.com/pysugar/hostaway-sync/internal/auth/token"
	"github.com/pysugar/hostaway-sync/internal/config"
	"github.com/pysugar/hostaway-sync/internal/db"
	"github.com/pysugar/hostaway-sync/internal/metrics"
	"github.com/pysugar/hostaway-sync/internal/scheduler"
	"github.com/pysugar/hostaway-sync/internal/syncer"
	"github.com/pysugar/hostaway-sync/internal/upstream"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	cacheRefreshInterval = 5 * time.Minute
	shutdownTimeout      = 15 * time.Second

	taskSyncAll        = "sync-all-accounts"
	taskCacheRefresh   = "refresh-account-cache"
	taskActiveAccounts = "count-active-accounts"
)

// coreModule provides the storage, token and sync services shared by every
// command.
var coreModule = fx.Options(
	fx.Provide(
		provideDB,
		provideRegistry,
		provideMetrics,
		db.NewAccountStore,
		provideWriter,
		provideTokenManager,
		provideUpstreamClient,
		provideSyncer,
	),
)

// serverModule adds the HTTP surface and the scheduler.
var serverModule = fx.Options(
	fx.Provide(
		provideAccountCache,
		provideScheduler,
		provideRouter,
	),
	fx.Invoke(registerHTTPServer),
)

func newApp(cfg *config.Config, log *zap.Logger, opts ...fx.Option) *fx.App {
	base := []fx.Option{
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Supply(cfg, log),
		coreModule,
	}
	return fx.New(append(base, opts...)...)
}

func provideDB(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	database, err := db.InitDB(cfg.Database.Driver, cfg.Database.URL, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := database.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
	return database, nil
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideWriter(database *gorm.DB, log *zap.Logger) *db.Writer {
	return db.NewWriter(database, log.Named("writer"))
}

func provideTokenManager(cfg *config.Config, store *db.AccountStore, m *metrics.Metrics, log *zap.Logger) *token.Manager {
	return token.NewManager(store, token.NewCache(cfg.Hostaway.TokenCacheTTL), cfg.Hostaway.TokenURL(),
		token.WithLogger(log.Named("token")),
		token.WithMetrics(m))
}

func provideUpstreamClient(cfg *config.Config, tokens *token.Manager, m *metrics.Metrics, log *zap.Logger) (*upstream.Client, error) {
	return upstream.NewClient(cfg.Hostaway.BaseURL, tokens,
		upstream.WithLogger(log.Named("upstream")),
		upstream.WithMetrics(m))
}

func provideSyncer(lc fx.Lifecycle, cfg *config.Config, client *upstream.Client, writer *db.Writer,
	store *db.AccountStore, m *metrics.Metrics, log *zap.Logger) *syncer.Service {
	ctx, cancel := context.WithCancel(context.Background())
	svc := syncer.NewService(client, writer, store,
		syncer.WithWebhooks(client, cfg.Webhook.BaseURL),
		syncer.WithLogger(log.Named("syncer")),
		syncer.WithMetrics(m),
		syncer.WithPageLimit(cfg.Hostaway.PageLimit),
		syncer.WithBaseContext(ctx))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			cancel()
			svc.Wait()
			return nil
		},
	})
	return svc
}

func provideAccountCache(lc fx.Lifecycle, store *db.AccountStore, log *zap.Logger) *accountcache.Cache {
	cache := accountcache.New(store, log.Named("accountcache"))
	lc.Append(fx.Hook{
		OnStart: cache.Refresh,
	})
	return cache
}

func provideScheduler(lc fx.Lifecycle, cfg *config.Config, svc *syncer.Service, cache *accountcache.Cache,
	store *db.AccountStore, m *metrics.Metrics, log *zap.Logger) (*scheduler.Service, error) {
	s := scheduler.New(log.Named("scheduler"))
	if err := s.Register(scheduler.Task{
		Name:     taskSyncAll,
		Interval: cfg.Sync.Interval,
		Handler: func(ctx context.Context) error {
			_, err := svc.SyncAllAccounts(ctx, cfg.Sync.DryRun)
			return err
		},
	}); err != nil {
		return nil, err
	}
	if err := s.Register(scheduler.Task{
		Name:     taskCacheRefresh,
		Interval: cacheRefreshInterval,
		Handler:  cache.Refresh,
	}); err != nil {
		return nil, err
	}
	if err := s.Register(scheduler.Task{
		Name:       taskActiveAccounts,
		Interval:   cacheRefreshInterval,
		RunAtStart: true,
		Handler:    activeAccountsGauge(store, m),
	}); err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			s.Stop()
			return nil
		},
	})
	return s, nil
}

// activeAccountsGauge publishes the store's active account count.
func activeAccountsGauge(store *db.AccountStore, m *metrics.Metrics) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := store.CountActive(ctx)
		if err != nil {
			return err
		}
		m.SetActiveAccounts(int(n))
		return nil
	}
}

func provideRouter(cfg *config.Config, reg *prometheus.Registry, store *db.AccountStore,
	writer *db.Writer, client *upstream.Client, svc *syncer.Service, tokens *token.Manager,
	cache *accountcache.Cache, log *zap.Logger) http.Handler {
	return api.NewRouter(api.Options{
		WebhookUsername: cfg.Webhook.Username,
		WebhookPassword: cfg.Webhook.Password,
		AdminPassword:   cfg.Server.AdminPassword,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, api.Deps{
		DB:       store,
		Gatherer: reg,
		Webhook: handlers.WebhookDeps{
			Accounts:      cache,
			Writer:        writer,
			Conversations: client,
			DryRun:        cfg.Sync.DryRun,
		},
		Accounts: handlers.AccountDeps{
			Store:    store,
			Sync:     svc,
			Tokens:   tokens,
			Cache:    cache,
			Webhooks: client,
			DryRun:   cfg.Sync.DryRun,
		},
		Log: log.Named("http"),
	})
}

// registerHTTPServer binds the listener on start so port errors fail
// startup, then serves in the background.
func registerHTTPServer(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, _ *scheduler.Service, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}
