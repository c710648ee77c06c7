package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/export"
	"github.com/matheus3301/chatsync/internal/httpapi"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/observability"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/remote/pgdoc"
	"github.com/matheus3301/chatsync/internal/remote/redisstore"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	AccountName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
}

// UserID is the remote identity whose chats the daemon syncs.
type UserID string

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideUserID,
			provideLogger,
			provideBus,
			provideClock,
			provideStateMachine,
			provideLock,
			provideStore,
			provideDocumentStore,
			provideEphemeralStore,
			provideNetwork,
			provideIngestor,
			provideOrchestrator,
			provideLiveEngine,
			provideQueue,
			provideTracker,
			provideTypingSet,
			provideTypingWatcher,
			providePublisher,
			provideBridge,
			provideSyncService,
			provideMessageService,
			providePresenceService,
			provideHTTPHandler,
			provideHTTPServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideUserID(p Params) (UserID, error) {
	if p.Config == nil || p.Config.UserID == "" {
		return "", errors.New("user_id is not configured (set it in config.toml or CHATSYNC_USER_ID)")
	}
	return UserID(p.Config.UserID), nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.AccountName),
		Account: p.AccountName,
		Level:   p.Config.LogLevel,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, uid UserID, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.AccountName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(p.AccountName), lock.Holder{
		UserID: string(uid),
		Socket: socketPath(p),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired",
		zap.String("account", p.AccountName),
		zap.Int("pid", l.Holder().PID))
	return l, nil
}

// provideStore depends on the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CachePath(p.AccountName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized",
		zap.String("path", dbPath),
		zap.Uint("schema_from", result.From),
		zap.Uint("schema", result.Version))
	return db, nil
}

func provideDocumentStore(lc fx.Lifecycle, p Params, logger *zap.Logger) (remote.DocumentStore, error) {
	dsn := p.Config.Remote.PostgresDSN
	if dsn == "" {
		logger.Warn("no postgres_dsn configured, using in-process document store")
		return memstore.NewDocs(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	docs, err := pgdoc.New(ctx, dsn, logger.Named("pgdoc"))
	if err != nil {
		return nil, err
	}
	if err := docs.EnsureSchema(ctx); err != nil {
		docs.Close()
		return nil, err
	}
	lc.Append(fx.StopHook(docs.Close))
	logger.Info("document store connected")
	return docs, nil
}

func provideEphemeralStore(lc fx.Lifecycle, p Params, logger *zap.Logger) remote.EphemeralStore {
	rc := p.Config.Remote
	if rc.RedisAddr == "" {
		logger.Warn("no redis_addr configured, using in-process presence store")
		return memstore.NewEphemeral()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.RedisAddr,
		Password: rc.RedisPassword,
		DB:       rc.RedisDB,
	})
	eph := redisstore.New(rdb, redisstore.Options{}, logger.Named("redis"))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			eph.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			eph.Stop()
			return rdb.Close()
		},
	})
	return eph
}

func provideNetwork(b *bus.Bus, logger *zap.Logger) *netstate.Monitor {
	return netstate.New(b, true, logger.Named("netstate"))
}

func provideIngestor(db *store.DB, b *bus.Bus, logger *zap.Logger) *chatsync.Ingestor {
	return chatsync.NewIngestor(db, b, logger)
}

func provideOrchestrator(p Params, uid UserID, db *store.DB, docs remote.DocumentStore, in *chatsync.Ingestor, b *bus.Bus, logger *zap.Logger) *chatsync.Orchestrator {
	return chatsync.New(db, docs, in, b, string(uid), syncOptions(p.Config), logger.Named("sync"))
}

func provideLiveEngine(db *store.DB, docs remote.DocumentStore, in *chatsync.Ingestor, b *bus.Bus, logger *zap.Logger) *live.Engine {
	return live.NewEngine(db, docs, in, b, live.DefaultOptions(), logger.Named("live"))
}

func provideQueue(p Params, uid UserID, db *store.DB, docs remote.DocumentStore, in *chatsync.Ingestor, b *bus.Bus, clk clockwork.Clock, logger *zap.Logger) *outbox.Queue {
	return outbox.New(db, docs, in, b, clk, string(uid), outboxOptions(p.Config), logger.Named("outbox"))
}

func provideTracker(p Params, uid UserID, eph remote.EphemeralStore, b *bus.Bus, clk clockwork.Clock, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(eph, b, clk, string(uid), presenceOptions(p.Config), logger.Named("presence"))
}

func provideTypingSet(p Params, uid UserID, eph remote.EphemeralStore, clk clockwork.Clock, logger *zap.Logger) *presence.TypingSet {
	return presence.NewTypingSet(eph, clk, string(uid), typingOptions(p.Config), logger.Named("typing"))
}

func provideTypingWatcher(uid UserID, eph remote.EphemeralStore, db *store.DB, b *bus.Bus, logger *zap.Logger) *presence.Watcher {
	return presence.NewWatcher(eph, db, b, string(uid), logger.Named("typing"))
}

// providePublisher falls back to exporting nothing when the broker is not
// configured or not reachable at boot.
func providePublisher(p Params, logger *zap.Logger) export.Publisher {
	ec := p.Config.Export
	if ec.AMQPURL == "" {
		return export.Noop{}
	}
	pub, err := export.NewAMQPPublisher(ec.AMQPURL, ec.Exchange)
	if err != nil {
		logger.Warn("amqp export disabled", zap.Error(err))
		return export.Noop{}
	}
	logger.Info("amqp export enabled", zap.String("exchange", ec.Exchange))
	return pub
}

func provideBridge(p Params, b *bus.Bus, pub export.Publisher, logger *zap.Logger) *export.Bridge {
	return export.NewBridge(b, pub, p.AccountName, logger.Named("export"))
}

func provideSyncService(p Params, uid UserID, db *store.DB, b *bus.Bus, m *status.Machine, orch *chatsync.Orchestrator, engine *live.Engine, q *outbox.Queue, net *netstate.Monitor) *api.SyncService {
	return api.NewSyncService(api.SyncDeps{
		Account:      p.AccountName,
		UserID:       string(uid),
		DB:           db,
		Bus:          b,
		Machine:      m,
		Orchestrator: orch,
		Live:         engine,
		Queue:        q,
		Network:      net,
	})
}

func provideMessageService(db *store.DB, engine *live.Engine, q *outbox.Queue) *api.MessageService {
	return api.NewMessageService(db, engine, q)
}

func providePresenceService(t *presence.Tracker, ts *presence.TypingSet) *api.PresenceService {
	return api.NewPresenceService(t, ts)
}

func provideHTTPHandler(p Params, db *store.DB, b *bus.Bus, m *status.Machine, engine *live.Engine, q *outbox.Queue, logger *zap.Logger) *httpapi.Handler {
	return httpapi.New(httpapi.Deps{
		Account: p.AccountName,
		DB:      db,
		Bus:     b,
		Machine: m,
		Live:    engine,
		Queue:   q,
		Logger:  logger.Named("http"),
	})
}

// provideHTTPServer returns nil when the HTTP surface is disabled.
func provideHTTPServer(p Params, h *httpapi.Handler, logger *zap.Logger) (*httpapi.Server, error) {
	if p.Config.HTTP.Addr == "" {
		return nil, nil
	}
	return httpapi.NewServer(p.Config.HTTP.Addr, h, logger.Named("http"))
}

type lifecycleParams struct {
	fx.In

	Params   Params
	UserID   UserID
	Logger   *zap.Logger
	Lock     *lock.Lock
	DB       *store.DB
	Bus      *bus.Bus
	Machine  *status.Machine
	Network  *netstate.Monitor
	Sync     *chatsync.Orchestrator
	Live     *live.Engine
	Queue    *outbox.Queue
	Tracker  *presence.Tracker
	Typing   *presence.TypingSet
	Watcher  *presence.Watcher
	Bridge   *export.Bridge
	Exporter export.Publisher
	GRPC     *Server
	HTTP     *httpapi.Server
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	var (
		cancel   context.CancelFunc
		wg       sync.WaitGroup
		shutdown func(context.Context) error
	)
	cfg := d.Params.Config
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = observability.SetupTracing(ctx, cfg.Tracing.OTLPEndpoint, "chatsyncd")
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}

			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop

			// Start the event export first so it sees every status change.
			d.Bridge.Start(runCtx)

			go func() {
				if err := d.GRPC.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if d.HTTP != nil {
				d.HTTP.Start()
			}

			// The watcher must be subscribed before listeners start attaching.
			d.Watcher.Start(runCtx)
			if err := d.Live.Start(runCtx, string(d.UserID)); err != nil {
				return err
			}
			d.Queue.Start(runCtx)

			wg.Add(2)
			go func() {
				defer wg.Done()
				d.Tracker.GoOnline(runCtx)
				d.Tracker.Run(runCtx, d.Bus)
			}()
			sup := &supervisor{
				userID:  string(d.UserID),
				machine: d.Machine,
				sync:    d.Sync,
				net:     d.Network,
				bus:     d.Bus,
				logger:  logger.Named("supervisor"),
			}
			go func() { defer wg.Done(); sup.run(runCtx) }()

			d.Network.Poll(runCtx, cfg.Remote.ReachAddr, cfg.Remote.ReachInterval.Duration)
			logger.Info("daemon started", zap.String("user_id", string(d.UserID)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			d.Network.Stop()
			d.Sync.StopBackgroundSync()
			d.Sync.Wait()
			d.Queue.Stop()
			d.Live.Stop()
			d.Watcher.Stop()
			wg.Wait()

			// Presence goes offline explicitly on a clean stop.
			d.Typing.ClearAll(ctx)
			d.Tracker.GoOffline(ctx)

			if d.HTTP != nil {
				if err := d.HTTP.Stop(ctx); err != nil {
					logger.Warn("http shutdown", zap.Error(err))
				}
			}
			d.GRPC.Stop(ctx)
			d.Bridge.Stop()
			if err := d.Exporter.Close(); err != nil {
				logger.Warn("error closing exporter", zap.Error(err))
			}
			if shutdown != nil {
				if err := shutdown(ctx); err != nil {
					logger.Warn("tracing shutdown", zap.Error(err))
				}
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
