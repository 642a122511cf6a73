// Package app wires the courier server runtime: config, logging, storage, HTTP routes and
// the real-time gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/chatapi"
	"courier/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the courier server runtime: it owns the HTTP server, the chat service and the
// real-time session registry.
type App struct {
	cfg Config
	log Logger

	store     chat.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	svc      *chat.Service
	registry *realtime.Registry
	handler  http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenManager(tokenConfig(cfg))
	if err != nil {
		return nil, err
	}

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	closeOnErr := func() {
		if pool != nil {
			pool.Close()
		}
	}

	registry := realtime.NewRegistry(log)
	svc, err := chat.NewService(store, chat.Config{
		BotUserID:           cfg.BotUserID,
		StoreTimeout:        cfg.StoreTimeout,
		DispatchConcurrency: cfg.DispatchConcurrency,
		PreviewMessages:     cfg.PreviewMessages,
	},
		chat.WithNotifier(realtime.NewFanout(registry)),
		chat.WithLogger(log),
	)
	if err != nil {
		closeOnErr()
		return nil, err
	}

	ws, err := realtime.NewGateway(log, svc, tokens, registry, gatewayConfig(cfg))
	if err != nil {
		closeOnErr()
		return nil, err
	}

	chats, err := chatapi.NewHandler(log, svc, chatapi.Config{
		MaxBodyBytes: int64(cfg.MaxBodyBytes),
		AdminRole:    cfg.AdminRole,
	})
	if err != nil {
		closeOnErr()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    pool,
		dbEnabled: pool != nil,
		svc:       svc,
		registry:  registry,
		handler: registerHTTP(routes{
			log:       log,
			cfg:       cfg,
			dbPool:    pool,
			dbEnabled: pool != nil,
			verifier:  tokens,
			ws:        ws,
			chats:     chats,
		}),
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"bot_user_id", a.svc.BotUserID(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	a.registry.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.close()
		return err
	}

	a.close()
	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if c, ok := a.store.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
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

// newStore decides between Postgres-backed persistence and the in-memory dev store.
// The returned pool is nil in memory mode.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return chat.NewMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.DBAutoMigrate {
		if err := chat.ApplySchema(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("db.schema.applied", "schema", cfg.DBSchema)
	}

	// The app owns the pool; PostgresStore.Close is a no-op.
	st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}

func gatewayConfig(cfg Config) realtime.GatewayConfig {
	gw := realtime.DefaultGatewayConfig()
	if origins := splitList(cfg.WSAllowedOrigins); len(origins) > 0 {
		gw.AllowedOrigins = origins
	}
	gw.OriginRequired = cfg.WSOriginRequired
	gw.DevInsecure = cfg.WSDevInsecure
	gw.SendQueueSize = cfg.WSSendQueueSize
	gw.HeartbeatInterval = cfg.WSHeartbeatInterval
	gw.HeartbeatTimeout = cfg.WSHeartbeatTimeout
	gw.RateEvents = cfg.WSRateEvents
	gw.RateWindow = cfg.WSRateWindow
	gw.AdminRole = cfg.AdminRole
	return gw
}
