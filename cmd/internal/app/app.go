// Package app wires the marketchat runtime: config, logging, backends, the
// websocket gateway, the conversation API and the persistence worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"marketchat/cmd/internal/conversation"
	"marketchat/cmd/internal/eventlog"
	"marketchat/cmd/internal/ingest"
	"marketchat/cmd/internal/msgcache"
	"marketchat/cmd/internal/presence"
	"marketchat/cmd/internal/profile"
	"marketchat/cmd/internal/realtime"
	"marketchat/cmd/internal/telemetry"
	"marketchat/cmd/internal/unseen"
	"marketchat/cmd/internal/worker"
)

// App owns every long-lived resource of one process.
type App struct {
	cfg Config
	log Logger

	pool *pgxpool.Pool
	rdb  *redis.Client

	metrics *telemetry.Metrics
	store   conversation.Store
	events  eventlog.Log
	// fanout reads the persisted-message topic from "$" so a new gateway
	// instance does not replay history. Only set for RoleGateway.
	fanout eventlog.Subscriber

	presence presence.Store
	unseen   unseen.Store
	cache    msgcache.Cache

	gateway *realtime.WSGateway
	api     *conversation.Handler
	worker  *worker.Worker
}

// New constructs a fully wired App for cfg.Role.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: telemetry.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initShared(ctx); err != nil {
		return nil, err
	}
	if cfg.RunsGateway() {
		if err := a.initGateway(); err != nil {
			return nil, err
		}
	}
	if cfg.RunsWorker() {
		if err := a.initWorker(); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

// initStore selects Postgres or the in-memory durable store.
func (a *App) initStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = conversation.NewMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	a.pool = pool

	st, err := conversation.NewPostgresStore(pool, conversation.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	if a.cfg.AutoMigrate {
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("db: ensure schema: %w", err)
		}
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "auto_migrate", a.cfg.AutoMigrate)
	return nil
}

// initShared selects Redis or in-memory presence, counters, cache and event log.
func (a *App) initShared(ctx context.Context) error {
	retry := eventlog.RetryPolicy{Initial: a.cfg.RetryInitial, Max: a.cfg.RetryMax}

	if a.cfg.RedisURL == "" {
		a.log.Info("redis.disabled.inmemory_backends")
		a.presence = presence.NewMemoryStore(a.cfg.PresenceTTL, nil)
		a.unseen = unseen.NewMemoryStore()
		a.cache = msgcache.NewMemoryCache()
		a.events = eventlog.NewMemory(a.log, a.cfg.EventLogPartitions, retry)
		return nil
	}

	rdb, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.rdb = rdb

	if a.presence, err = presence.NewRedisStore(rdb, a.cfg.PresenceTTL); err != nil {
		return err
	}
	if a.unseen, err = unseen.NewRedisStore(rdb); err != nil {
		return err
	}
	if a.cache, err = msgcache.NewRedisCache(rdb, a.cfg.CacheTTL); err != nil {
		return err
	}

	consumer := fmt.Sprintf("%s-%d", a.cfg.InstanceID, os.Getpid())
	opts := []eventlog.RedisOption{
		eventlog.WithPartitions(a.cfg.EventLogPartitions),
		eventlog.WithMaxLen(a.cfg.EventLogMaxLen),
		eventlog.WithBlock(a.cfg.EventLogBlock),
		eventlog.WithLease(a.cfg.EventLogLease),
		eventlog.WithRetryPolicy(retry),
		eventlog.WithConsumerName(consumer),
	}
	a.events = eventlog.NewRedisStreams(rdb, a.log, opts...)
	if a.cfg.Role == RoleGateway {
		a.fanout = eventlog.NewRedisStreams(rdb, a.log, append(opts, eventlog.WithGroupStart("$"))...)
	}
	a.log.Info("redis.enabled", "partitions", a.cfg.EventLogPartitions, "consumer", consumer)
	return nil
}

func (a *App) initGateway() error {
	verifier, err := NewVerifier(a.cfg)
	if err != nil {
		return err
	}

	queue := ingest.NewQueue(a.events, a.log, ingest.WithTopic(a.cfg.MessageTopic))

	gw, err := realtime.NewWSGateway(realtime.Deps{
		Verifier: verifier,
		Presence: a.presence,
		Unseen:   a.unseen,
		Ingest:   queue,
		Metrics:  a.metrics,
		Log:      a.log,
	}, realtime.Config{
		OriginRequired:     a.cfg.WSOriginRequired,
		AllowedOrigins:     a.cfg.WSAllowedOrigins,
		InsecureSkipVerify: a.cfg.WSDevInsecure,
		WriteTimeout:       a.cfg.WSWriteTimeout,
		ReadIdleTimeout:    a.cfg.WSReadIdleTimeout,
		SendQueueSize:      a.cfg.WSSendQueue,
		HeartbeatInterval:  a.cfg.WSHeartbeatInterval,
		HeartbeatTimeout:   a.cfg.WSHeartbeatTimeout,
		RateEvents:         a.cfg.WSRateEvents,
		RateWindow:         a.cfg.WSRateWindow,
	})
	if err != nil {
		return err
	}
	a.gateway = gw

	svc, err := conversation.NewService(conversation.Deps{
		Store:    a.store,
		Unseen:   a.unseen,
		Cache:    a.cache,
		Presence: a.presence,
		Profiles: a.profiles(),
		Ingest:   queue,
		Log:      a.log,
	})
	if err != nil {
		return err
	}
	a.api = conversation.NewHandler(svc, verifier, a.log)
	return nil
}

func (a *App) profiles() profile.Directory {
	if a.cfg.ProfileUsersURL == "" {
		a.log.Warn("profile.disabled.accept_all")
		return profile.AcceptAll{}
	}
	return profile.NewHTTPDirectory(a.cfg.ProfileUsersURL, a.cfg.ProfileSellersURL, &http.Client{Timeout: a.cfg.ProfileTimeout})
}

func (a *App) initWorker() error {
	// In one process the worker hands persisted messages straight to the
	// gateway; otherwise they cross processes on the fan-out topic.
	var bc worker.Broadcaster = a.gateway
	if a.gateway == nil {
		bc = worker.NewRelay(a.events, a.cfg.PersistedTopic)
	}

	w, err := worker.New(worker.Deps{
		Store:             a.store,
		Cache:             a.cache,
		Unseen:            a.unseen,
		Notifications:     a.events,
		NotificationTopic: a.cfg.NotificationTopic,
		Broadcaster:       bc,
		Metrics:           a.metrics,
		Log:               a.log,
	})
	if err != nil {
		return err
	}
	a.worker = w
	return nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = telemetry.HTTPMiddleware(a.cfg.ServiceName, h)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run serves HTTP and runs the role's consumers until ctx is done or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"role", a.cfg.Role,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"redis_enabled", a.rdb != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.worker != nil {
		g.Go(func() error {
			return a.worker.Run(gctx, a.events, a.cfg.MessageTopic, a.cfg.WorkerGroup)
		})
	}
	if a.fanout != nil && a.gateway != nil {
		g.Go(func() error {
			return worker.Deliver(gctx, a.fanout, a.cfg.PersistedTopic, "gateway-"+a.cfg.InstanceID, a.gateway, a.log)
		})
	}

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
