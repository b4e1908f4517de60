package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/internal/config"
	"chatrelay/internal/database/db_client"
	"chatrelay/internal/http/http_server"
	"chatrelay/internal/persistence"
	"chatrelay/internal/redis/redis_client"
	"chatrelay/internal/relay"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	zap.ReplaceGlobals(Log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if Log, err = newLogger(cfg); err != nil {
		zap.L().Fatal("Failed to build logger", zap.Error(err))
	}
	defer Log.Sync()
	zap.ReplaceGlobals(Log)
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Snapshot stores
	store, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		Log.Fatal("Failed to open snapshot stores", zap.Error(err))
	}
	defer closeStores()

	// 4. Hub, restored from the last snapshot
	hub := relay.NewHub(relay.HubOptions{
		DefaultRoom:     cfg.DefaultRoom,
		DefaultRoomName: cfg.DefaultRoomName,
		AutoJoinOnSend:  cfg.AutoJoinOnSend,
		CreatorAutoJoin: cfg.CreatorAutoJoin,
	})
	if cfg.RestoreOnStart {
		snap, err := store.Load(ctx)
		if err != nil {
			Log.Fatal("Failed to load snapshot", zap.Error(err))
		}
		hub.Restore(snap)
	}

	// 5. Background: snapshot flusher
	flusher := persistence.NewFlusher(store, hub.Snapshot, cfg.FlushInterval)
	hub.SetNotifier(flusher)
	flusher.Start()

	// 6. TCP relay
	relaySrv := relay.NewServer(cfg.ListenAddr, hub, relay.SessionOptions{
		SendQueueSize:    cfg.SendQueueSize,
		MaxLineBytes:     cfg.MaxLineBytes,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		RatePerSecond:    cfg.RateLimitPerSecond,
		RateBurst:        cfg.RateLimitBurst,
	})
	if err := relaySrv.Listen(); err != nil {
		Log.Fatal("Failed to listen", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	relayErr := make(chan error, 1)
	go func() { relayErr <- relaySrv.Serve() }()

	// 7. Admin HTTP + WS gateway
	httpErr := make(chan error, 1)
	var dispose func() error
	if cfg.AdminPort != 0 {
		httpServer := http_server.NewHttpServer(ctx, cfg.AdminPort, hub, relay.NewWSGateway(relaySrv), cfg.ShutdownTimeout)
		if err := httpServer.Listen(); err != nil {
			Log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
		go func() { httpErr <- httpServer.Start() }()
		dispose = httpServer.Dispose
	}

	select {
	case <-ctx.Done():
		Log.Info("Shutdown signal received")
	case err := <-relayErr:
		Log.Error("Relay server stopped", zap.Error(err))
	case err := <-httpErr:
		Log.Error("HTTP server stopped", zap.Error(err))
	}

	// 8. Shutdown: stop accepting, close sessions, final flush, close clients
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if dispose != nil {
		if err := dispose(); err != nil {
			Log.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	}
	if err := relaySrv.Shutdown(shutdownCtx); err != nil {
		Log.Warn("Relay shutdown incomplete", zap.Error(err))
	}
	if err := flusher.Close(); err != nil {
		Log.Error("Final snapshot failed", zap.Error(err))
	}
	Log.Info("Shutdown complete")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// openStores builds one store per configured backend. The returned func
// closes the clients they use.
func openStores(ctx context.Context, cfg *config.Config) (persistence.Store, func(), error) {
	var (
		stores      []persistence.Store
		redisClient *redis.Client
		pgDb        *sql.DB
	)
	closeAll := func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if pgDb != nil {
			_ = pgDb.Close()
		}
	}

	// Fixed order: the first store listed here is the one Load reads from.
	if cfg.UsesBackend(config.BackendFile) {
		stores = append(stores, persistence.NewFileStore(cfg.DataFile))
	}

	if cfg.UsesBackend(config.BackendRedis) {
		rc, err := redis_client.NewRedisClient(redis_client.Options{
			Host:     cfg.RedisHost,
			Port:     int(cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		redisClient = rc
		stores = append(stores, persistence.NewRedisStore(rc, cfg.RedisSnapshotKey))
	}

	if cfg.UsesBackend(config.BackendPostgres) {
		db, err := db_client.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		pgDb = db
		pg := persistence.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		stores = append(stores, pg)
	}

	if len(stores) == 0 {
		return nil, nil, errors.New("no snapshot store configured")
	}
	Log.Info("Snapshot stores ready", zap.Strings("backends", cfg.StoreBackends))
	return persistence.NewMultiStore(stores...), closeAll, nil
}
