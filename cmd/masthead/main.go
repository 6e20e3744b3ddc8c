package main

import (
	"context"
	"database/sql"

	"masthead/internal/broker"
	"masthead/internal/config"
	"masthead/internal/handlers"
	"masthead/internal/jobs"
	"masthead/internal/resolver"
	"masthead/internal/store"
	pkgconfig "masthead/pkg/config"
	"masthead/pkg/database"
	"masthead/pkg/logging"
	"masthead/pkg/monitoring"
	"masthead/pkg/redis"
	"masthead/pkg/server"
	"masthead/pkg/version"
)

func main() {
	// Initialize logger
	logger := logging.NewLoggerWithService("masthead")

	// Load environment variables
	pkgconfig.LoadEnv(logger)

	logger.WithField("service", "masthead").Info("Starting Masthead Session Broker")

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	res := resolver.New(cfg.ResolverConfig(), logger)
	brk := broker.New(cfg.BrokerConfig(), res, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("masthead", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("masthead", version.Version, version.GitCommit)

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"HDHOMERUN_BASE_URL": cfg.HDHomeRunBaseURL,
	}))

	ctx := context.Background()

	mastheadMetrics := handlers.NewMastheadMetrics(metricsCollector, brk)

	// Optional session persistence. Postgres wins when both are configured;
	// Redis doubles as the session event bus either way.
	var db *sql.DB
	switch {
	case cfg.DatabaseURL != "":
		dbConfig := database.DefaultConfig()
		dbConfig.URL = cfg.DatabaseURL
		db = database.MustConnect(dbConfig, logger)
		defer db.Close()

		pgStore := store.NewPostgresSessionStore(db, logger)
		pgStore.SetMetrics(&store.QueryMetrics{
			Queries:  mastheadMetrics.DBQueries,
			Duration: mastheadMetrics.DBDuration,
		})
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to ensure session schema")
		}
		brk.SetStore(pgStore)
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	case cfg.RedisAddr != "":
		redisClient, err := redis.NewUniversalClient(ctx, redis.Config{
			Mode:  redis.ModeSingle,
			Addrs: []string{cfg.RedisAddr},
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()

		brk.SetStore(store.NewRedisSessionStore(redisClient, logger))
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	default:
		logger.Info("No session store configured, broker state is in-memory only")
	}

	// Re-seat sessions that survived the last restart.
	if err := brk.Rehydrate(ctx); err != nil {
		logger.WithError(err).Warn("Session rehydration failed, starting empty")
	}

	// Reclaim sessions whose players stopped heartbeating.
	livenessJob := jobs.NewLivenessJob(jobs.LivenessConfig{
		Broker:   brk,
		Logger:   logger,
		Interval: cfg.SweepInterval,
		OnSweep: func(reclaimed int) {
			mastheadMetrics.SweptSessions.WithLabelValues().Add(float64(reclaimed))
		},
	})
	livenessJob.Start()
	defer livenessJob.Stop()

	// Initialize handlers
	handlers.Init(logger, brk, mastheadMetrics)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "masthead", healthChecker, metricsCollector)

	v1 := router.Group("/v1")
	{
		v1.POST("/channels/request", handlers.HandleChannelRequest)
		v1.POST("/sessions/:id/heartbeat", handlers.HandleHeartbeat)
		v1.POST("/sessions/:id/release", handlers.HandleRelease)
		v1.DELETE("/sessions/:id", handlers.HandleRelease)
		v1.POST("/queue/withdraw", handlers.HandleWithdraw)
		v1.GET("/status", handlers.HandleStatus)
		v1.POST("/tuners/:id/failed", handlers.HandleTunerFailed)
		v1.POST("/tuners/:id/recovered", handlers.HandleTunerRecovered)
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("masthead", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
