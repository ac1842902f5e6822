package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/api"
	"github.com/feedline/feedsync/internal/cache"
	"github.com/feedline/feedsync/internal/db"
	"github.com/feedline/feedsync/internal/feed"
	"github.com/feedline/feedsync/internal/realtime"
	"github.com/feedline/feedsync/internal/session"
	"github.com/feedline/feedsync/internal/storage"
	"github.com/feedline/feedsync/pkg/config"
	"github.com/feedline/feedsync/pkg/logging"
	"github.com/feedline/feedsync/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting feedsync server")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	database, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()

	sess := session.New()
	if cfg.Session.AccessToken != "" {
		if err := sess.SignIn(cfg.Session.AccessToken); err != nil {
			logger.Fatal("Failed to sign in with configured access token", zap.Error(err))
		}
	}

	// The publisher receives every committed write; the transport feeds the
	// engine. Both are the same broker except for a remote websocket feed.
	var (
		transport realtime.Transport
		publisher realtime.Publisher
		served    realtime.Transport
	)
	switch cfg.Realtime.Transport {
	case "redis":
		rt := realtime.NewRedisTransport(redisCache.Client(), cfg.Realtime.ChannelPrefix)
		transport, publisher, served = rt, rt, rt
	case "websocket":
		settings := realtime.DefaultWebsocketSettings()
		settings.AckTimeout = cfg.Realtime.AckTimeout
		settings.Token = sess.Token
		transport = realtime.NewWebsocketTransport(cfg.Realtime.URL, settings)
		hub := realtime.NewHub()
		publisher, served = hub, hub
	case "hub":
		hub := realtime.NewHub()
		transport, publisher, served = hub, hub, hub
	}
	logger.Info("Realtime transport selected", zap.String("transport", cfg.Realtime.Transport))

	storeOpts := []db.StoreOption{db.WithCache(redisCache, cfg.Redis.ProfileTTL)}
	if publisher != nil {
		storeOpts = append(storeOpts, db.WithPublisher(publisher))
	}
	store := db.NewStore(database, storeOpts...)

	engine := feed.New(store, transport, sess,
		feed.WithUploader(storage.New(&cfg.Storage, sess.Token)),
		feed.WithMaxContentLength(cfg.Feed.MaxContentLength),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("Engine stopped", zap.Error(err))
		}
	}()

	if sess.State() == session.SignedIn {
		mountCtx, mountCancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := engine.MountFeed(mountCtx); err != nil {
			logger.Warn("Initial feed load failed", zap.Error(err))
		}
		mountCancel()
	}

	// Create Gin router
	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	routerOpts := []api.RouterOption{api.WithHealthCheck("database", database.Health)}
	if cfg.Redis.Enabled {
		routerOpts = append(routerOpts, api.WithHealthCheck("redis", redisCache.Health))
	}
	if served != nil {
		routerOpts = append(routerOpts, api.WithRealtimeHandler(realtime.NewWebsocketHandler(served)))
	}

	router := gin.New()
	router.Use(gin.Recovery())
	api.NewRouter(engine, routerOpts...).SetupRoutes(router)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	engine.Stop()
	select {
	case <-engine.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Engine did not stop in time")
	}

	logger.Info("Server exited")
}
