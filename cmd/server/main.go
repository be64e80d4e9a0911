package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/openequity/collab/auth"
	"github.com/openequity/collab/collab"
	"github.com/openequity/collab/internal/config"
	"github.com/openequity/collab/internal/slogging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slogging.Get().Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		slogging.Get().Error("Failed to initialize logging: %v", err)
		os.Exit(1)
	}
	logger := slogging.Get()

	db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN()), &gorm.Config{})
	if err != nil {
		logger.Error("Failed to connect to postgres: %v", err)
		os.Exit(1)
	}

	var limiter collab.RateLimiter
	if cfg.Redis.Host != "" {
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("Failed to connect to redis: %v", err)
			os.Exit(1)
		}
		limiter = collab.NewRedisRateLimiter(redisClient, cfg.WebSocket.MessagesPerMinute, time.Minute)
		logger.Info("Rate limiting backed by redis at %s", cfg.Redis.Addr())
	} else {
		limiter = collab.NewMemoryRateLimiter(cfg.WebSocket.MessagesPerMinute, time.Minute)
		logger.Info("Rate limiting in process, no redis configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSigningKey), cfg.Auth.TokenLeeway)
	if err != nil {
		logger.Error("Failed to create token verifier: %v", err)
		os.Exit(1)
	}

	store := collab.NewSessionStore(collab.NewGormSessionRepository(db), collab.SessionStoreConfig{
		SessionTimeout:        cfg.WebSocket.SessionTimeout,
		LeaveGracePeriod:      cfg.WebSocket.LeaveGracePeriod,
		IdleAfter:             cfg.WebSocket.IdleAfter,
		MaxConnectionsPerUser: cfg.WebSocket.MaxConnectionsPerUser,
	})
	tracker := collab.NewConflictTracker(cfg.WebSocket.ConflictRetention)
	broker := collab.NewBroker()
	validator := collab.NewValidator(cfg.WebSocket.MaxMessageBytes)

	hub := collab.NewHub(store, verifier, limiter, validator, tracker, broker,
		collab.NewGormResourceUpdater(db), collab.NewGormActivitySink(db), collab.HubConfig{
			MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
			MessageLogging: slogging.WebSocketLoggingConfig{
				Enabled:        cfg.Logging.LogWebSocketMessages,
				RedactTokens:   true,
				MaxMessageSize: cfg.WebSocket.MaxMessageBytes,
			},
		})

	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	go store.StartSweeper(sweepCtx, cfg.WebSocket.SweepInterval)
	go func() {
		ticker := time.NewTicker(cfg.WebSocket.ConflictRetention)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := tracker.SweepResolved(); n > 0 {
					logger.Debug("Swept %d resolved conflicts", n)
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws/collab", hub.HandleWS)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	addr := cfg.Server.Interface + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Collaboration server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	stopSweepers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown: %v", err)
	}
}
