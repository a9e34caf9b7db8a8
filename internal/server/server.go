package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/JosueRhea/sockudo/internal/config"
	"github.com/JosueRhea/sockudo/internal/core/adapter"
	"github.com/JosueRhea/sockudo/internal/core/apps"
	"github.com/JosueRhea/sockudo/internal/core/channels"
	"github.com/JosueRhea/sockudo/internal/core/connection"
	"github.com/JosueRhea/sockudo/internal/core/limiter"
	"github.com/JosueRhea/sockudo/internal/core/observability/log"
	"github.com/JosueRhea/sockudo/internal/core/protocol"
	"github.com/JosueRhea/sockudo/internal/core/webhooks"
)

// Startup error classes, mapped to process exit codes by the CLI.
var (
	ErrBind       = errors.New("bind failure")
	ErrDependency = errors.New("dependency unreachable")
)

// Server assembles the registry, hub, adapter, webhook pipeline, and
// the two HTTP surfaces (control API and WebSocket gateway).
type Server struct {
	cfg *config.Config
	lg  log.Log

	apps       *apps.Manager
	registry   *channels.Registry
	hub        *connection.Hub
	fanout     adapter.Adapter
	dispatcher *webhooks.Dispatcher

	connectAppLimiter limiter.RateLimiter
	connectIPLimiter  limiter.RateLimiter
	httpAPILimiter    limiter.RateLimiter

	redisClient redis.UniversalClient
	httpServer  *http.Server
}

// New wires every driver named by the config. No network is touched
// until Run.
func New(cfg *config.Config, lg log.Log) (*Server, error) {
	s := &Server{cfg: cfg, lg: lg}

	if cfg.Drivers.Adapter == config.AdapterRedis ||
		cfg.Drivers.Queue == config.QueueRedis ||
		cfg.Drivers.Limiter == config.LimiterRedis {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var store apps.Store
	switch cfg.Drivers.AppStore {
	case config.AppStoreSQLite:
		sqlStore, err := apps.OpenSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "open sqlite app store")
		}
		store = sqlStore
	default:
		store = apps.NewMemoryStore(cfg.Apps)
	}
	manager, err := apps.NewManager(store, cfg.AppCache.Capacity, cfg.AppCache.TTL.Std())
	if err != nil {
		return nil, err
	}
	s.apps = manager

	s.registry = channels.NewRegistry(cfg.ChannelCacheTTL.Std())

	var queue webhooks.Queue
	if cfg.Drivers.Queue == config.QueueRedis {
		queue = webhooks.NewRedisQueue(s.redisClient, cfg.Redis.Prefix, lg)
	} else {
		queue = webhooks.NewMemoryQueue(0, lg)
	}
	sender := webhooks.NewSender(lg, webhooks.SenderConfig{
		AttemptTimeout: cfg.Webhooks.AttemptTimeout.Std(),
		MaxAttempts:    cfg.Webhooks.MaxAttempts,
		Concurrency:    cfg.Webhooks.SenderConcurrency,
	})
	s.dispatcher = webhooks.NewDispatcher(queue, sender, cfg.Webhooks.BatchDuration.Std(), cfg.Webhooks.BatchSize, lg)

	s.hub = connection.NewHub(s.registry, s.dispatcher, s.newLimiter, connection.Config{
		ActivityTimeout:      cfg.ActivityTimeout.Std(),
		SubscriptionCountAll: cfg.Webhooks.SubscriptionCountMode == config.SubscriptionCountAll,
	}, lg)

	if cfg.Drivers.Adapter == config.AdapterRedis {
		s.fanout = adapter.NewRedisAdapter(s.redisClient, s.hub, lg, adapter.RedisAdapterConfig{
			Prefix:            cfg.Redis.Prefix,
			RequestTimeout:    cfg.Adapter.RequestTimeout.Std(),
			HeartbeatInterval: cfg.Adapter.HeartbeatInterval.Std(),
		})
	} else {
		s.fanout = adapter.NewLocalAdapter(s.hub)
	}
	s.hub.SetAdapter(s.fanout)

	s.connectAppLimiter = s.newLimiter(limiter.Config{
		Capacity: cfg.Limits.ConnectPerApp.Capacity,
		Window:   cfg.Limits.ConnectPerApp.Window.Std(),
	})
	s.connectIPLimiter = s.newLimiter(limiter.Config{
		Capacity: cfg.Limits.ConnectPerIP.Capacity,
		Window:   cfg.Limits.ConnectPerIP.Window.Std(),
	})
	s.httpAPILimiter = s.newLimiter(limiter.Config{
		Capacity: cfg.Limits.HTTPAPIPerApp.Capacity,
		Window:   cfg.Limits.HTTPAPIPerApp.Window.Std(),
	})

	return s, nil
}

func (s *Server) newLimiter(lc limiter.Config) limiter.RateLimiter {
	if s.cfg.Drivers.Limiter == config.LimiterRedis {
		return limiter.NewRedisLimiter(s.redisClient, s.cfg.Redis.Prefix+":rate_limit", lc)
	}
	return limiter.NewMemoryLimiter(lc)
}

// Routes builds the HTTP mux serving both surfaces.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /app/{key}", s.handleGateway)

	mux.Handle("POST /apps/{app_id}/events", s.signed(s.handleTrigger))
	mux.Handle("POST /apps/{app_id}/batch_events", s.signed(s.handleBatchTrigger))
	mux.Handle("GET /apps/{app_id}/channels", s.signed(s.handleChannels))
	mux.Handle("GET /apps/{app_id}/channels/{name}", s.signed(s.handleChannel))
	mux.Handle("GET /apps/{app_id}/channels/{name}/users", s.signed(s.handleChannelUsers))
	mux.Handle("POST /apps/{app_id}/users/{user_id}/terminate_connections", s.signed(s.handleTerminateUser))

	return mux
}

// Run starts everything and blocks until ctx is cancelled, then runs
// the graceful shutdown sequence.
func (s *Server) Run(ctx context.Context) error {
	if err := s.fanout.Start(ctx); err != nil {
		return pkgerrors.Wrap(errors.Join(ErrDependency, err), "start adapter")
	}
	s.dispatcher.Start()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return pkgerrors.Wrap(errors.Join(ErrBind, err), "listen "+addr)
	}

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.lg.Info("server listening", log.String("addr", addr))

	group, runCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if serveErr := s.httpServer.Serve(listener); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-runCtx.Done()
		s.shutdown()
		return nil
	})
	return group.Wait()
}

// shutdown stops accepting, disconnects remaining sockets with 4301,
// flushes the webhook batcher, and releases drivers, all within the
// configured grace.
func (s *Server) shutdown() {
	s.lg.Info("shutting down", log.Duration("grace", s.cfg.ShutdownGrace.Std()))
	graceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace.Std())
	defer cancel()

	s.hub.CloseAll(protocol.CloseServerShutdown, "server is shutting down")
	if err := s.httpServer.Shutdown(graceCtx); err != nil {
		s.lg.Warn("http shutdown", log.Error(err))
	}
	flushed := make(chan struct{})
	go func() {
		s.dispatcher.Stop()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-graceCtx.Done():
		s.lg.Warn("webhook flush exceeded shutdown grace")
	}
	if err := s.fanout.Close(); err != nil {
		s.lg.Warn("adapter close", log.Error(err))
	}
	if err := s.apps.Close(); err != nil {
		s.lg.Warn("app registry close", log.Error(err))
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
}
