package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/markov-tower/internal/adapter/api"
	"github.com/V4T54L/markov-tower/internal/adapter/api/handler"
	"github.com/V4T54L/markov-tower/internal/adapter/cipher"
	"github.com/V4T54L/markov-tower/internal/adapter/metrics"
	mongorepo "github.com/V4T54L/markov-tower/internal/adapter/repository/mongo"
	"github.com/V4T54L/markov-tower/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/markov-tower/internal/adapter/repository/redis"
	"github.com/V4T54L/markov-tower/internal/domain"
	"github.com/V4T54L/markov-tower/internal/pkg/config"
	"github.com/V4T54L/markov-tower/internal/pkg/logger"
	"github.com/V4T54L/markov-tower/internal/usecase"

	_ "github.com/lib/pq" // Keep for postgres driver
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	logger = logger.With("instance_id", instanceID)
	logger.Info("starting worker")

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec, err := cipher.NewCodec(cfg.CryptoSecret)
	if err != nil {
		logger.Error("failed to initialize cipher", "error", err)
		os.Exit(1)
	}

	// --- MongoDB ---
	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI)
	if err != nil {
		logger.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			logger.Error("failed to disconnect from mongodb", "error", err)
		}
	}()
	db := mongoClient.Database(cfg.MongoDatabase)
	if err := mongorepo.EnsureIndexes(ctx, db); err != nil {
		logger.Error("failed to ensure mongodb indexes", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to mongodb", "database", cfg.MongoDatabase)

	// --- Redis ---
	redisClient, err := redisrepo.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to redis")

	// --- Moderation Store ---
	var (
		bans    domain.BanRepository    = mongorepo.NewBanRepository(db)
		optOuts domain.OptOutRepository = mongorepo.NewOptOutRepository(db)
	)
	if cfg.ModerationStore == config.ModerationPostgres {
		pg, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			logger.Error("failed to open postgres connection", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.PingContext(ctx); err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		moderation := postgres.NewModerationRepository(pg, logger)
		if err := moderation.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure postgres schema", "error", err)
			os.Exit(1)
		}
		bans, optOuts = moderation, moderation
		logger.Info("connected to postgres")
	}

	// --- Tenant Cache ---
	m := metrics.NewCacheMetrics(prometheus.DefaultRegisterer)
	banEvents := handler.NewBanEventBroker(ctx, logger)
	cache, err := usecase.NewTenantCache(ctx, usecase.CacheDeps{
		Configs:     mongorepo.NewConfigRepository(db),
		Texts:       mongorepo.NewTextRepository(db),
		Bans:        bans,
		OptOuts:     optOuts,
		Broadcaster: redisrepo.NewBanBroadcaster(redisClient, cfg.BanChannel, logger),
		Codec:       codec,
	}, usecase.CacheConfig{
		SweepInterval: cfg.SweepInterval,
		RetryInterval: cfg.RetryInterval,
		InstanceID:    instanceID,
		Logger:        logger,
		Metrics:       m,
		OnBanEvent:    banEvents.Report,
		StoreOptions: []usecase.StoreOption{
			usecase.WithTextsTTL(cfg.TextsTTL),
			usecase.WithDefaultTextsLimit(cfg.DefaultTextsLimit),
		},
	})
	if err != nil {
		logger.Error("failed to initialize tenant cache", "error", err)
		os.Exit(1)
	}
	cache.Start(ctx)
	defer cache.Stop()

	// --- Admin and Metrics Server ---
	adminServer := &http.Server{
		Addr:         cfg.AdminServerAddr,
		Handler:      api.NewAdminRouter(cache, banEvents, cfg.AdminAPIKey, prometheus.DefaultGatherer, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin & metrics server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down worker...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}

	logger.Info("worker shut down gracefully")
}
