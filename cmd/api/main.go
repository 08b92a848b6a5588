package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ecosense/ecosense/backend/internal/config"
	"github.com/ecosense/ecosense/backend/internal/handler"
	"github.com/ecosense/ecosense/backend/internal/handler/ws"
	"github.com/ecosense/ecosense/backend/internal/identity"
	"github.com/ecosense/ecosense/backend/internal/service/device"
	"github.com/ecosense/ecosense/backend/internal/service/history"
	"github.com/ecosense/ecosense/backend/internal/service/isolation"
	"github.com/ecosense/ecosense/backend/internal/service/registry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// External stores: redis when configured, in-memory otherwise.
	var redisClient *redis.Client
	if cfg.Store.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("warning: redis unreachable, falling back to in-memory stores: %v", err)
			redisClient = nil
		}
	}

	var deviceHistory history.DeviceStore
	var userLookup identity.UserLookup
	if redisClient != nil {
		deviceHistory = history.NewRedisDeviceStore(redisClient, cfg.Session.TokenTTL)
		userLookup = identity.NewRedisLookup(redisClient, cfg.Session.TokenTTL)
		log.Println("redis stores initialized")
	} else {
		deviceHistory = history.NewMemoryDeviceStore()
		userLookup = identity.NewMemoryLookup(cfg.Session.TokenTTL)
		log.Println("using in-memory device history and session lookup")
	}

	var userHistory history.UserStore
	sqliteStore, err := history.OpenSQLiteUserStore(cfg.Store.SQLitePath)
	if err != nil {
		log.Printf("warning: sqlite history unavailable, using in-memory user history: %v", err)
		userHistory = history.NewMemoryUserStore()
	} else {
		defer sqliteStore.Close()
		userHistory = sqliteStore
		log.Printf("sqlite user history at %s", cfg.Store.SQLitePath)
	}

	histories := history.NewAdapter(userHistory, deviceHistory)
	resolver := identity.NewResolver(userLookup, cfg.Session.CookieName)
	reg := registry.New()

	// Optional OS-level isolation: the gateway spawns one worker process per
	// device on its first connection, and the device sweep reclaims a
	// device's worker along with its record.
	var deviceCloser device.Closer
	var spawner ws.WorkerSpawner
	if cfg.Isolation.Enabled {
		workers := isolation.NewManager(cfg.Isolation.WorkerBin, cfg.Isolation.BasePort)
		spawner = workers
		deviceCloser = func(deviceID string) {
			if err := workers.Disconnect(deviceID); err != nil && !errors.Is(err, isolation.ErrWorkerNotFound) {
				log.Printf("warning: disconnect worker for device %s: %v", deviceID, err)
			}
		}
		log.Printf("process isolation enabled, workers via %s from port %d", cfg.Isolation.WorkerBin, cfg.Isolation.BasePort)
	}

	devices := device.NewManager(cfg.Device.SweepInterval, cfg.Device.IdleTimeout, deviceCloser)
	go devices.Run(ctx)

	wsHandler := ws.New(reg, histories, resolver, devices, spawner)
	router := handler.NewRouter(wsHandler, reg)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Ecosense realtime backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
