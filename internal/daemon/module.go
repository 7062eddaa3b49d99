// Package daemon composes the sync core into a running process: config,
// lock, transport, cache, sync engine, unread aggregation, notification
// state, and the metrics listener, wired through fx.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lfelipe-sa/chirp/internal/bus"
	"github.com/lfelipe-sa/chirp/internal/cache"
	"github.com/lfelipe-sa/chirp/internal/config"
	"github.com/lfelipe-sa/chirp/internal/docstore"
	"github.com/lfelipe-sa/chirp/internal/localstore"
	"github.com/lfelipe-sa/chirp/internal/lock"
	"github.com/lfelipe-sa/chirp/internal/logging"
	"github.com/lfelipe-sa/chirp/internal/notify"
	"github.com/lfelipe-sa/chirp/internal/profile"
	"github.com/lfelipe-sa/chirp/internal/push"
	"github.com/lfelipe-sa/chirp/internal/store"
	"github.com/lfelipe-sa/chirp/internal/syncer"
	"github.com/lfelipe-sa/chirp/internal/transport"
	"github.com/lfelipe-sa/chirp/internal/unread"
)

// Params holds the resolved profile plus the external collaborators an
// embedding application injects. Store nil selects standalone mode, where
// the profile's SQLite database serves as the document store directly.
type Params struct {
	ProfileName string
	Store       docstore.Store
	Attachments docstore.AttachmentStore
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideDB,
			provideCache,
			provideTransport,
			provideRemote,
			provideNotifier,
			provideEngine,
			provideMachine,
			provideAggregator,
			provideMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideDB(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.MirrorDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache() *cache.Cache {
	return cache.New()
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.New(transport.Options{
		Address:        cfg.Transport.Address,
		AuthToken:      cfg.Transport.AuthToken,
		TLS:            cfg.Transport.TLS,
		BackoffInitial: cfg.Transport.BackoffInitial.Duration,
		BackoffMax:     cfg.Transport.BackoffMax.Duration,
	}, b, logger)
}

func provideRemote(p Params, db *store.DB, logger *zap.Logger) docstore.Store {
	if p.Store != nil {
		return p.Store
	}
	logger.Info("no document store injected, running standalone on local db")
	return localstore.New(db, 0, logger)
}

func provideNotifier(cfg *config.Config, logger *zap.Logger) push.Notifier {
	return push.New(cfg.Push.AMQPURL, cfg.Push.Exchange, logger)
}

func provideEngine(p Params, c *cache.Cache, remote docstore.Store, db *store.DB, client *transport.Client, notifier push.Notifier, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *syncer.Engine {
	// Standalone mode already writes every confirmation to the local db
	// through the remote path; mirroring on top would be redundant.
	var mirror *store.DB
	if p.Store != nil {
		mirror = db
	}
	return syncer.New(c, remote, mirror, client, notifier, p.Attachments, b, logger, syncer.Options{
		WriteTimeout: cfg.Sync.WriteTimeout.Duration,
		PageSize:     cfg.Sync.PageSize,
	})
}

func provideMachine(engine *syncer.Engine, b *bus.Bus, logger *zap.Logger) *notify.Machine {
	return notify.NewMachine(b, engine.MarkRead, logger)
}

func provideAggregator(remote docstore.Store, machine *notify.Machine, b *bus.Bus, logger *zap.Logger) *unread.Aggregator {
	return unread.New(remote, machine, b, logger)
}

func provideMetricsServer(cfg *config.Config) *http.Server {
	if cfg.Metrics.ListenAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, lk *lock.Lock, client *transport.Client, engine *syncer.Engine, agg *unread.Aggregator, notifier push.Notifier, metricsSrv *http.Server, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			engine.SetIdentity(cfg.Identity.UserID)
			if err := agg.SetIdentity(context.Background(), cfg.Identity.UserID); err != nil {
				return err
			}

			if cfg.Transport.Address != "" {
				go func() {
					// Failures schedule their own reconnect.
					if err := client.Connect(); err != nil {
						logger.Warn("initial connect failed", zap.Error(err))
					}
				}()
			}

			if metricsSrv != nil {
				go func() {
					logger.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			client.Disconnect()
			agg.Stop()
			engine.Stop()
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(ctx); err != nil {
					logger.Warn("metrics shutdown error", zap.Error(err))
				}
			}
			if err := notifier.Close(); err != nil {
				logger.Warn("push close error", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("db close error", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
