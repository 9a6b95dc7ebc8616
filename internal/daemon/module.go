package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/heartline/internal/api"
	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/config"
	"github.com/matheus3301/heartline/internal/conn"
	"github.com/matheus3301/heartline/internal/kv"
	"github.com/matheus3301/heartline/internal/lock"
	"github.com/matheus3301/heartline/internal/logging"
	"github.com/matheus3301/heartline/internal/media"
	"github.com/matheus3301/heartline/internal/outbox"
	"github.com/matheus3301/heartline/internal/presence"
	"github.com/matheus3301/heartline/internal/profile"
	intsync "github.com/matheus3301/heartline/internal/sync"
	"github.com/matheus3301/heartline/internal/timeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Defaults()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideCache,
			provideConnection,
			provideBackend,
			provideTimeline,
			provideSender,
			provideMedia,
			provideCallLog,
			provideCalls,
			providePresence,
			provideSyncEngine,
			providePoller,
			provideSessionService,
			provideMessageService,
			provideCallService,
			providePresenceService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideCache opens the durable conversation cache. It depends on the lock
// so two daemons never share one profile's files.
func provideCache(p Params, _ *lock.Lock, logger *zap.Logger) (kv.Store, error) {
	switch p.Config.Store.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := kv.NewRedis(ctx, kv.RedisOptions{
			Addr:      p.Config.Store.RedisAddr,
			DB:        p.Config.Store.RedisDB,
			Namespace: "heartline:" + p.Profile,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("cache initialized", zap.String("backend", "redis"), zap.String("addr", p.Config.Store.RedisAddr))
		return r, nil
	default:
		path := profile.CacheDBPath(p.Profile)
		db, result, err := kv.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		if result.Changed {
			logger.Info("migrations applied", zap.Uint("version", result.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", result.Version))
		}
		logger.Info("cache initialized", zap.String("backend", "sqlite"), zap.String("path", path))
		return db, nil
	}
}

func provideConnection(p Params, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	c := p.Config.Connection
	return conn.NewManager(conn.WebSocketDialer{URL: p.Config.ServerURL}, conn.Options{
		ConnectTimeout:    c.ConnectTimeout.Std(),
		HeartbeatInterval: c.HeartbeatInterval.Std(),
		Backoff: conn.Backoff{
			Base:        c.BackoffBase.Std(),
			Cap:         c.BackoffCap.Std(),
			MaxAttempts: c.MaxAttempts,
		},
	}, b, logger.Named("conn"))
}

// provideBackend authenticates REST calls with the credential the
// connection currently holds.
func provideBackend(p Params, cm *conn.Manager, logger *zap.Logger) (*backend.Client, error) {
	return backend.New(p.Config.APIURL, cm.Credential, backend.WithLogger(logger.Named("backend")))
}

func provideTimeline(p Params, client *backend.Client, cm *conn.Manager, cache kv.Store, b *bus.Bus, logger *zap.Logger) *timeline.Store {
	t := p.Config.Timeline
	return timeline.New(client, cm, cache, b, cm.SelfID, timeline.Options{
		RecentLimit: t.RecentLimit,
		FullLimit:   t.FullLimit,
		CacheLimit:  t.CacheLimit,
	}, logger.Named("timeline"))
}

func provideSender(p Params, client *backend.Client, tl *timeline.Store, logger *zap.Logger) *outbox.Sender {
	s := outbox.NewSender(client, tl, p.Config.Timeline.SendWorkers, logger.Named("outbox"))
	tl.AttachOutbox(s)
	return s
}

func provideMedia() *media.Loopback {
	return media.NewLoopback()
}

func provideCallLog(client *backend.Client, tl *timeline.Store, logger *zap.Logger) *CallLog {
	return NewCallLog(client, tl, logger.Named("calllog"))
}

func provideCalls(p Params, cm *conn.Manager, client *backend.Client, ms *media.Loopback, rec *CallLog, b *bus.Bus, logger *zap.Logger) *call.Manager {
	c := p.Config.Call
	m := call.NewManager(cm, client, ms, rec, b, cm.SelfID, call.Options{
		RingAfter:       c.RingAfter.Std(),
		NoAnswerAfter:   c.NoAnswerAfter.Std(),
		DuplicateWindow: c.DuplicateWindow.Std(),
	}, logger.Named("call"))
	ms.RemoteID = func(channelID string) string {
		if info, ok := m.Current(); ok && info.ChannelID == channelID {
			return info.RemoteID
		}
		return ""
	}
	return m
}

func providePresence(p Params, cm *conn.Manager, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(cm, b, cm.SelfID, p.Config.Presence.TypingDecay.Std(), logger.Named("presence"))
}

func provideSyncEngine(cm *conn.Manager, tl *timeline.Store, client *backend.Client, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(cm, tl, client, b, cm.SelfID, logger.Named("sync"))
}

func providePoller(p Params, tl *timeline.Store, logger *zap.Logger) *intsync.Poller {
	return intsync.NewPoller(tl, p.Config.Timeline.PollInterval.Std(), logger.Named("poller"))
}

func provideSessionService(p Params, cm *conn.Manager, calls *call.Manager, tl *timeline.Store, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *api.SessionService {
	reset := &logout{timeline: tl, presence: tracker, calls: calls}
	credential := func() string {
		if c := cm.Credential(); c != "" {
			return c
		}
		return p.Config.Credential
	}
	return api.NewSessionService(p.Profile, cm, calls, tl.OpenConversations, reset, credential, b, logger.Named("api"))
}

func provideMessageService(tl *timeline.Store, client *backend.Client, tracker *presence.Tracker, cm *conn.Manager) *api.MessageService {
	return api.NewMessageService(tl, client, tracker, cm.SelfID)
}

func provideCallService(calls *call.Manager) *api.CallService {
	return api.NewCallService(calls)
}

func providePresenceService(tracker *presence.Tracker) *api.PresenceService {
	return api.NewPresenceService(tracker)
}

// logout forgets everything tied to the signed-in user.
type logout struct {
	timeline *timeline.Store
	presence *presence.Tracker
	calls    *call.Manager
}

func (l *logout) Reset(ctx context.Context) error {
	if err := l.calls.End(call.ReasonHangup); err != nil && !errors.Is(err, call.ErrNoCall) {
		return fmt.Errorf("end call: %w", err)
	}
	l.presence.Reset()
	return l.timeline.Purge(ctx)
}

type components struct {
	fx.In

	Params  Params
	Server  *Server
	Lock    *lock.Lock
	Cache   kv.Store
	Conn    *conn.Manager
	Sender  *outbox.Sender
	Engine  *intsync.Engine
	Poller  *intsync.Poller
	Calls   *call.Manager
	CallLog *CallLog
	Tracker *presence.Tracker
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	logger := c.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Handlers go on before the first connect so nothing pushed is missed.
			c.Engine.Start(context.Background())
			c.Calls.Register()
			c.Tracker.Register()
			c.Sender.Start(context.Background())
			c.Poller.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if cred := c.Params.Config.Credential; cred != "" {
				if err := c.Conn.Connect(context.Background(), cred); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
				}
			} else {
				logger.Info("no credential configured, waiting for connect")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Server.Stop(ctx)
			c.Poller.Stop()
			c.Calls.Close()
			c.CallLog.Wait()
			c.Sender.Stop()
			c.Engine.Stop()
			c.Tracker.Close()
			c.Conn.Disconnect(true)
			if err := c.Cache.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
