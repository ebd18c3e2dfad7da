package app

import (
	"context"

	"github.com/habitado/chatsync/internal/api"
	"github.com/habitado/chatsync/internal/bus"
	"github.com/habitado/chatsync/internal/config"
	"github.com/habitado/chatsync/internal/connectivity"
	"github.com/habitado/chatsync/internal/conversations"
	"github.com/habitado/chatsync/internal/history"
	"github.com/habitado/chatsync/internal/ingest"
	"github.com/habitado/chatsync/internal/lock"
	"github.com/habitado/chatsync/internal/logging"
	"github.com/habitado/chatsync/internal/outbound"
	"github.com/habitado/chatsync/internal/profile"
	"github.com/habitado/chatsync/internal/realtime"
	"github.com/habitado/chatsync/internal/receipts"
	"github.com/habitado/chatsync/internal/store"
	"github.com/habitado/chatsync/internal/uploads"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
}

// Module composes the sync engine: store, outbound queue, history
// fetcher, receipt tracker, upload manager, realtime adapter, and the
// conversation service on top.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideMonitor,
			provideAPIClient,
			provideUploads,
			provideFetcher,
			provideTracker,
			provideQueue,
			provideRealtime,
			provideIngest,
			provideService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := profile.ConfigPath(p.ProfileName)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", path), zap.String("self_id", cfg.SelfID))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath, b)
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

func provideMonitor(b *bus.Bus) *connectivity.Monitor {
	return connectivity.NewMonitor(b)
}

func provideAPIClient(cfg *config.Config, logger *zap.Logger) *api.Client {
	return api.NewClient(cfg.API.BaseURL, cfg.APITimeout(), logger)
}

func provideUploads(db *store.DB, client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *uploads.Manager {
	return uploads.NewManager(db, client, b, cfg.Sync.UploadConcurrency, logger)
}

func provideFetcher(db *store.DB, client *api.Client, cfg *config.Config, logger *zap.Logger) *history.Fetcher {
	return history.NewFetcher(db, client, cfg.Sync.PageSize, logger)
}

func provideTracker(db *store.DB, client *api.Client, cfg *config.Config, logger *zap.Logger) *receipts.Tracker {
	return receipts.NewTracker(db, client, cfg.Receipts.Quorum, cfg.SelfID, logger)
}

func provideQueue(db *store.DB, client *api.Client, um *uploads.Manager, m *connectivity.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbound.Queue {
	return outbound.NewQueue(db, client, um, m, b, cfg.SelfID, cfg.FlushInterval(), logger)
}

func provideRealtime(cfg *config.Config, b *bus.Bus, m *connectivity.Monitor, logger *zap.Logger) *realtime.Adapter {
	return realtime.NewAdapter(cfg.Realtime.URL, cfg.SelfID, cfg.ReconnectWait(), b, m, logger)
}

func provideIngest(db *store.DB, b *bus.Bus, tracker *receipts.Tracker, fetcher *history.Fetcher, cfg *config.Config, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, b, tracker, fetcher, cfg.SelfID, logger)
}

func provideService(db *store.DB, queue *outbound.Queue, fetcher *history.Fetcher, tracker *receipts.Tracker, um *uploads.Manager, client *api.Client, cfg *config.Config, logger *zap.Logger) *conversations.Service {
	return conversations.NewService(db, queue, fetcher, tracker, um, client, cfg.SelfID, cfg.Sync.PageSize, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, engine *ingest.Engine, queue *outbound.Queue, adapter *realtime.Adapter, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Order matters: consumers first, then the queue (which
			// recovers in-flight journal entries), then the realtime
			// connection whose first online transition kicks everything.
			engine.Start(context.Background())
			queue.Start(context.Background())

			// Connect tolerates an unreachable broker: the client keeps
			// dialing in the background and the monitor stays offline
			// until it succeeds. An error here means bad configuration.
			go func() {
				if err := adapter.Connect(); err != nil {
					logger.Error("realtime channel setup failed", zap.Error(err))
					return
				}
				if err := adapter.Start(); err != nil {
					logger.Error("realtime subscribe failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			adapter.Close()
			queue.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("sync engine stopped")
			return nil
		},
	})
}
