// Package daemon composes the session daemon: one process per session,
// serving the local API over the session's unix socket.
package daemon

import (
	"context"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/api"
	"github.com/amigochat/amigo/internal/bus"
	"github.com/amigochat/amigo/internal/cache"
	"github.com/amigochat/amigo/internal/chain"
	"github.com/amigochat/amigo/internal/chat"
	"github.com/amigochat/amigo/internal/config"
	"github.com/amigochat/amigo/internal/ingest"
	"github.com/amigochat/amigo/internal/lock"
	"github.com/amigochat/amigo/internal/logging"
	"github.com/amigochat/amigo/internal/metrics"
	"github.com/amigochat/amigo/internal/outbox"
	"github.com/amigochat/amigo/internal/pin"
	"github.com/amigochat/amigo/internal/profile"
	"github.com/amigochat/amigo/internal/session"
	"github.com/amigochat/amigo/internal/status"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideMetrics,
			provideClient,
			provideEngine,
			provideTracker,
			provideIngestor,
			provideWatcher,
			provideBackfiller,
			provideDispatcher,
			providePinner,
			provideSessionHandler,
			provideMessageHandler,
			provideDirectoryHandler,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() (*prometheus.Registry, *metrics.Recorder) {
	registry := prometheus.NewRegistry()
	return registry, metrics.NewRecorder(registry)
}

func provideClient(p Params, logger *zap.Logger) (*chain.Client, error) {
	return chain.Dial(context.Background(), p.Config.Chain, logger)
}

func provideEngine(client *chain.Client, db *cache.DB, b *bus.Bus, rec *metrics.Recorder, logger *zap.Logger) *chat.Engine {
	return chat.NewEngine(client.Self(), db, b, rec, logger)
}

func provideTracker(client *chain.Client, b *bus.Bus, logger *zap.Logger) *profile.Tracker {
	return profile.NewTracker(client.Self(), client, b, logger)
}

func provideIngestor(engine *chat.Engine, b *bus.Bus, logger *zap.Logger) *ingest.Ingestor {
	return ingest.New(engine, b, logger)
}

func provideWatcher(client *chain.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *chain.Watcher {
	return chain.NewWatcher(client, b, machine, logger)
}

func provideBackfiller(p Params, client *chain.Client, b *bus.Bus, machine *status.Machine, rec *metrics.Recorder, logger *zap.Logger) *chain.Backfiller {
	return chain.NewBackfiller(client, b, machine, rec, p.Config.Daemon, logger)
}

func provideDispatcher(engine *chat.Engine, client *chain.Client, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(engine, client, logger)
}

func providePinner(p Params, logger *zap.Logger) api.Pinner {
	c, err := pin.NewClient(p.Config.Pin, logger)
	if err != nil {
		logger.Info("pinning disabled", zap.Error(err))
		return nil
	}
	return c
}

func provideSessionHandler(p Params, machine *status.Machine, tracker *profile.Tracker, engine *chat.Engine, client *chain.Client, pinner api.Pinner, logger *zap.Logger) *api.SessionHandler {
	return api.NewSessionHandler(p.SessionName, machine, tracker, engine, client, pinner, logger)
}

func provideMessageHandler(engine *chat.Engine, dispatcher *outbox.Dispatcher, logger *zap.Logger) *api.MessageHandler {
	return api.NewMessageHandler(engine, dispatcher, logger)
}

func provideDirectoryHandler(engine *chat.Engine, client *chain.Client, logger *zap.Logger) *api.DirectoryHandler {
	return api.NewDirectoryHandler(engine, client, logger)
}

func provideRouter(sh *api.SessionHandler, mh *api.MessageHandler, dh *api.DirectoryHandler, registry *prometheus.Registry, logger *zap.Logger) *mux.Router {
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return api.NewRouter(sh, mh, dh, metricsHandler, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *cache.DB, client *chain.Client, engine *chat.Engine, tracker *profile.Tracker, ingestor *ingest.Ingestor, watcher *chain.Watcher, backfiller *chain.Backfiller, dispatcher *outbox.Dispatcher, machine *status.Machine, pinner api.Pinner, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Paint last-known state before any network round-trip.
			msgs, users, age := db.Load()
			engine.Hydrate(msgs, users, age)

			ingestor.Start()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			_ = machine.Transition(status.Connecting)
			watcher.Start()
			backfiller.Start()

			if p, ok := pinner.(*pin.Client); ok && p != nil {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := p.TestAuth(ctx); err != nil {
						logger.Warn("pinning credentials rejected", zap.Error(err))
					}
				}()
			}

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := tracker.Refresh(ctx); err != nil {
					logger.Warn("initial profile refresh failed", zap.Error(err))
					return
				}
				if tracker.State() != profile.Registered {
					logger.Info("account not registered yet")
					return
				}
				if err := client.UpdateOnlineStatus(ctx, true); err != nil {
					logger.Warn("failed to publish online presence", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if tracker.State() == profile.Registered {
				offCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := client.UpdateOnlineStatus(offCtx, false); err != nil {
					logger.Warn("failed to publish offline presence", zap.Error(err))
				}
				cancel()
			}

			backfiller.Stop()
			watcher.Stop()
			ingestor.Stop()
			dispatcher.Wait()
			srv.Stop(ctx)
			client.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
