package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/chatd/internal/api"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/checkpoint"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/fanout"
	"github.com/matheus3301/chatd/internal/gateway"
	"github.com/matheus3301/chatd/internal/identity"
	"github.com/matheus3301/chatd/internal/instance"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/metrics"
	"github.com/matheus3301/chatd/internal/msglog"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/registry"
	"github.com/matheus3301/chatd/internal/status"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	Instance   string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideBus,
			provideStateMachine,
			provideBackend,
			provideUsers,
			provideLog,
			provideRegistry,
			provideTracker,
			provideEngine,
			provideCheckpoint,
			provideTokens,
			provideHandler,
			provideMetrics,
			provideGateway,
			NewServer,
			NewHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config == nil {
		return nil, errors.New("daemon: no configuration")
	}
	return p.Config, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(instance.LogPath(p.Instance), p.Instance, cfg.Log.Level)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := instance.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(instance.Dir(p.Instance))
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

// The lock parameter orders acquisition before the store is touched.
func provideBackend(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (store.Backend, error) {
	path := instance.StorePath(p.Instance, cfg.Store.Driver)
	backend, err := store.Open(cfg.Store.Driver, path)
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("driver", cfg.Store.Driver), zap.String("path", path))
	return backend, nil
}

func provideUsers(b *bus.Bus, logger *zap.Logger) *identity.Store {
	return identity.NewStore(b, logger.Named("identity"))
}

func provideLog(b *bus.Bus, logger *zap.Logger) *msglog.Log {
	return msglog.New(b, logger.Named("msglog"))
}

func provideRegistry(users *identity.Store, log *msglog.Log, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	return registry.New(users, log, b, logger.Named("registry"))
}

func provideTracker(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(cfg.Presence.GracePeriod, b, logger.Named("presence"))
}

func provideEngine(log *msglog.Log, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *fanout.Engine {
	return fanout.NewEngine(log, tracker, b, logger.Named("fanout"))
}

func provideCheckpoint(cfg *config.Config, backend store.Backend, users *identity.Store, chats *registry.Registry, log *msglog.Log, tracker *presence.Tracker, logger *zap.Logger) *checkpoint.Manager {
	return checkpoint.New(backend, users, chats, log, tracker, cfg.Store.CheckpointInterval, logger.Named("checkpoint"))
}

func provideTokens(cfg *config.Config) (*auth.TokenService, error) {
	return auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
}

func provideHandler(users *identity.Store, chats *registry.Registry, log *msglog.Log, engine *fanout.Engine, tracker *presence.Tracker, logger *zap.Logger) *api.Handler {
	return api.NewHandler(users, chats, log, engine, tracker, logger.Named("api"))
}

func provideMetrics(engine *fanout.Engine) *metrics.Metrics {
	return metrics.New(engine)
}

func provideGateway(cfg *config.Config, tokens *auth.TokenService, users *identity.Store, handler *api.Handler, engine *fanout.Engine, tracker *presence.Tracker, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *gateway.Gateway {
	gc := cfg.Gateway
	return gateway.New(gateway.Config{
		AuthTimeout:    gc.AuthTimeout,
		AbuseThreshold: gc.AbuseThreshold,
		QueueSize:      gc.QueueSize,
		OverflowPolicy: outbox.Policy(gc.OverflowPolicy),
		RatePerSecond:  gc.RatePerSecond,
		RateBurst:      gc.RateBurst,
		OnError:        m.ObserveError,
	}, tokens, users, handler, engine, tracker, b, logger.Named("gateway"))
}

type lifecycleDeps struct {
	fx.In

	State      *status.Machine
	Control    *Server
	HTTP       *HTTPServer
	Gateway    *gateway.Gateway
	Checkpoint *checkpoint.Manager
	Engine     *fanout.Engine
	Tracker    *presence.Tracker
	Metrics    *metrics.Metrics
	Backend    store.Backend
	Lock       *lock.Lock
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_ = d.State.Transition(status.Restoring)
			restored, err := d.Checkpoint.Restore(ctx)
			if err != nil {
				_ = d.State.Transition(status.Failed)
				logger.Error("restore failed", zap.Error(err))
				d.Control.Stop(ctx)
				_ = d.HTTP.Stop(ctx)
				_ = d.Backend.Close()
				_ = d.Lock.Release()
				return err
			}
			logger.Info("state loaded", zap.Bool("from_checkpoint", restored))

			d.Engine.Start()
			d.Tracker.Start(context.Background())
			d.Metrics.Start(context.Background(), d.Bus)
			d.Checkpoint.Start(context.Background())

			go func() {
				if err := d.Control.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			go func() {
				if err := d.HTTP.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return d.State.Transition(status.Serving)
		},
		OnStop: func(ctx context.Context) error {
			_ = d.State.Transition(status.Draining)
			if err := d.HTTP.Stop(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			if err := d.Gateway.Shutdown(ctx); err != nil {
				logger.Warn("gateway shutdown", zap.Error(err))
			}
			d.Control.Stop(ctx)
			if err := d.Checkpoint.Stop(ctx); err != nil {
				logger.Error("final checkpoint failed", zap.Error(err))
			}
			d.Tracker.Stop()
			d.Metrics.Stop()
			d.Engine.Stop()
			if err := d.Backend.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			_ = d.State.Transition(status.Stopped)
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
