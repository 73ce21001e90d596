package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gridsync/internal/cache"
	"gridsync/internal/client/gridapi"
	"gridsync/internal/config"
	cronrunner "gridsync/internal/cron"
	"gridsync/internal/db"
	"gridsync/internal/engine"
	"gridsync/internal/fallback"
	"gridsync/internal/format"
	"gridsync/internal/handler"
	"gridsync/internal/journal"
	"gridsync/internal/loader"
	"gridsync/internal/logger"
	"gridsync/internal/models"
	"gridsync/internal/snapshot"
	"gridsync/internal/transport"
)

func main() {
	cfgPath := os.Getenv("GS_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("GS_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		eventJournal *journal.Journal
		journalDB    *db.DB
	)
	if cfg.Journal.Enabled && cfg.DB.DSN != "" {
		journalDB, err = db.Open(cfg.DB)
		if err != nil {
			logger.Fatal("journal db open failed", zap.Error(err))
		}
		defer db.Close(journalDB)
		eventJournal, err = journal.New(journalDB.Gorm, logger)
		if err != nil {
			logger.Fatal("journal migrate failed", zap.Error(err))
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Fallback.RedisAddr,
		Password: cfg.Fallback.RedisPassword,
		DB:       cfg.Fallback.RedisDB,
	})
	defer redisClient.Close()

	apiHTTP := &http.Client{Timeout: cfg.API.Timeout}
	apiClient := gridapi.NewClient(apiHTTP, cfg.API.BaseURL)

	formatter := &format.Formatter{
		Settlements: apiClient,
		Payouts:     apiClient,
		Logger:      logger,
	}
	positionCache := cache.New(logger)
	batchLoader := &loader.Loader{
		API:       apiClient,
		Formatter: formatter,
		BatchSize: cfg.Loader.BatchSize,
		Logger:    logger,
	}
	snap := &snapshot.Snapshot{
		Store:     &snapshot.RedisStore{Client: redisClient},
		KeyPrefix: cfg.Snapshot.KeyPrefix,
		TTL:       cfg.Snapshot.TTL,
		Logger:    logger,
	}

	registry := transport.NewRegistry()
	defer registry.Teardown()
	ws := registry.Get(transport.Options{
		URL:               cfg.Transport.URL,
		ConnectTimeout:    cfg.Transport.ConnectTimeout,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		BackoffBase:       cfg.Transport.BackoffBase,
		BackoffMax:        cfg.Transport.BackoffMax,
		MaxReconnects:     cfg.Transport.MaxReconnects,
		Logger:            logger,
	})

	fallbackAddress := cfg.Engine.Address
	if cfg.Engine.GlobalFeed {
		fallbackAddress = ""
	}
	fb := &fallback.Channel{
		Client:      redisClient,
		ChannelName: cfg.Fallback.Channel,
		Address:     fallbackAddress,
		Logger:      logger,
	}

	sync := engine.New(engine.Options{
		Address:               cfg.Engine.Address,
		ActivateFallbackAfter: cfg.Fallback.ActivateAfter,
		QueueSize:             cfg.Engine.QueueSize,
		Filter:                subscribeFilter(cfg),
	})
	sync.Transport = ws
	sync.Fallback = fb
	sync.Formatter = formatter
	sync.Cache = positionCache
	sync.Loader = batchLoader
	sync.Snapshot = snap
	sync.Journal = eventJournal
	sync.Logger = logger

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	healthHandler := &handler.HealthHandler{}
	if journalDB != nil {
		healthHandler.DB = journalDB.Gorm
	}
	healthHandler.Register(router)
	syncHandler := &handler.SyncHandler{Engine: sync}
	syncHandler.Register(router)

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, ctx)
		persistSpec := "@every " + cfg.Snapshot.PersistInterval.String()
		if _, err := cronRunner.Add(persistSpec, func(ctx context.Context) {
			if err := sync.PersistPageZero(ctx); err != nil {
				logger.Warn("cron snapshot persist failed", zap.Error(err))
			}
		}); err != nil {
			logger.Warn("cron register snapshot persist failed", zap.Error(err))
		}
		if eventJournal != nil {
			pruneSpec := "@every " + cfg.Journal.PruneInterval.String()
			retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
			if _, err := cronRunner.Add(pruneSpec, func(ctx context.Context) {
				n, err := eventJournal.Prune(ctx, time.Now().UTC().Add(-retention))
				if err != nil {
					logger.Warn("journal prune failed", zap.Error(err))
					return
				}
				if n > 0 {
					logger.Info("journal pruned", zap.Int64("rows", n))
				}
			}); err != nil {
				logger.Warn("cron register journal prune failed", zap.Error(err))
			}
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	go func() {
		if err := sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("sync engine stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func subscribeFilter(cfg config.Config) models.SubscribeFilter {
	filter := models.SubscribeFilter{
		Tables: []string{"bets", "settlements", "payouts"},
		Events: []models.EventType{models.EventInsert, models.EventUpdate, models.EventDelete},
	}
	if !cfg.Engine.GlobalFeed && cfg.Engine.Address != "" {
		// Own-view subscriptions still watch all tables; the backend
		// scopes bet rows by address server-side.
		filter.Tables = []string{"bets:" + cfg.Engine.Address, "settlements", "payouts"}
	}
	return filter
}
