package daemon

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/config"
	"github.com/matheus3301/mtx/internal/crypto"
	"github.com/matheus3301/mtx/internal/federation"
	"github.com/matheus3301/mtx/internal/lock"
	"github.com/matheus3301/mtx/internal/logging"
	"github.com/matheus3301/mtx/internal/outbox"
	"github.com/matheus3301/mtx/internal/session"
	"github.com/matheus3301/mtx/internal/status"
	"github.com/matheus3301/mtx/internal/store"
	intsync "github.com/matheus3301/mtx/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks. The transport is the loopback federation: sent
// events come straight back as inbound timeline events, which exercises
// the whole pipeline end to end on a single machine.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideOutbox,
			provideRooms,
			provideSessions,
			provideLoopback,
			provideStrategies,
			provideSender,
			provideCollector,
			provideSyncEngine,
			provideReconciler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, using defaults")
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.ProfileName)
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

func provideOutbox(db *store.DB) store.Outbox {
	return store.NewSQLiteOutbox(db)
}

func provideRooms() *store.Rooms {
	return store.NewRooms()
}

func provideSessions(cfg *config.Config) *store.InboundSessions {
	return store.NewInboundSessions(cfg.Timeouts.SessionWait())
}

func provideLoopback(b *bus.Bus) *federation.Loopback {
	return federation.NewLoopback(b)
}

func provideStrategies(rooms *store.Rooms, sessions *store.InboundSessions, logger *zap.Logger) crypto.Strategies {
	collab := crypto.NewLocalCollaborators(rooms)
	driver := crypto.NewLocalDriver(sessions)
	service := crypto.NewMegolmService(driver, sessions, collab, collab, collab, logger)
	return crypto.Strategies{
		crypto.NewUnencrypted(rooms),
		crypto.NewMegolm(rooms, service),
	}
}

func provideSender(o store.Outbox, rooms *store.Rooms, strategies crypto.Strategies, loopback *federation.Loopback, b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(o, rooms, strategies, nil, loopback, loopback, loopback, machine, b, cfg, logger)
}

func provideCollector(o store.Outbox, cfg *config.Config, logger *zap.Logger) *outbox.Collector {
	return outbox.NewCollector(o, time.Hour, cfg.Timeouts.GCGrace(), logger)
}

func provideSyncEngine(db *store.DB, strategies crypto.Strategies, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, strategies, b, logger)
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, engine *intsync.Engine, sender *outbox.Sender, collector *outbox.Collector, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())
			collector.Start(context.Background())

			// The loopback transport never loses connectivity.
			if err := machine.Transition(status.Syncing); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if err := machine.Transition(status.Stopped); err != nil {
				logger.Warn("error stopping state machine", zap.Error(err))
			}
			collector.Stop()
			sender.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
