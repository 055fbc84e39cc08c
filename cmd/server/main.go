package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/config"
	"github.com/creatorhub/pipeline-service/internal/alert"
	"github.com/creatorhub/pipeline-service/internal/database"
	"github.com/creatorhub/pipeline-service/internal/handlers"
	"github.com/creatorhub/pipeline-service/internal/jobs"
	"github.com/creatorhub/pipeline-service/internal/middleware"
	"github.com/creatorhub/pipeline-service/internal/pipeline"
	"github.com/creatorhub/pipeline-service/internal/pipelinequeue"
	"github.com/creatorhub/pipeline-service/internal/runs"
	"github.com/creatorhub/pipeline-service/internal/stubs"
	"github.com/creatorhub/pipeline-service/internal/sweepers"
	"github.com/creatorhub/pipeline-service/internal/telemetry"
	"github.com/creatorhub/pipeline-service/internal/webhooks"
	"github.com/creatorhub/pipeline-service/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	logger.Info().Msg("Starting pipeline service")

	dbURL := config.GetDatabaseURL()
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL not set")
	}

	ctx := context.Background()
	if err := database.Connect(
		ctx,
		dbURL,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.MaxConnLifetime,
		cfg.Database.MaxConnIdleTime,
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	logger.Info().Msg("Database connected")

	if err := database.RunMigrations(ctx, database.Pool()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	shutdownTelemetry := telemetry.MustInit(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	pool := database.Pool()

	// Job and pipeline plumbing. Everything coordinates through the
	// database so any number of server or cron invocations can overlap.
	notifier := alert.NewNotifier(cfg.Alert.WebhookURL, cfg.Alert.Timeout, *logger)
	registry := runs.NewRegistry(pool, notifier, *logger)
	guard := runs.NewGuard(pool)
	deadLetters := runs.NewDeadLetterStore(pool)

	queue := pipelinequeue.New(pool, pipelinequeue.BackoffPolicy{
		Base: cfg.Queue.BaseBackoff,
		Cap:  cfg.Queue.MaxBackoff,
	})

	jobStore := jobs.NewStore(pool)
	jobStack := stubs.NewJobStack(*logger)
	dispatcher := &jobs.Dispatcher{
		Importer:    jobStack,
		Transcripts: jobStack,
		Embeddings:  jobStack,
		Mail:        jobStack,
	}
	jobRunner := jobs.NewRunner(jobStore, dispatcher, *logger)

	contentStore := pipeline.NewStore(pool)
	contentStack := stubs.NewContentStack(*logger)
	body := pipeline.New(pipeline.Deps{
		Store:           contentStore,
		Guard:           guard,
		Runs:            registry,
		Scraper:         contentStack,
		Transcriber:     contentStack,
		Cleaner:         contentStack,
		Clusterer:       contentStack,
		Extractor:       contentStack,
		MinContentItems: cfg.Pipeline.MinContentItems,
		Logger:          *logger,
	})

	processor := worker.NewProcessor(queue, registry, guard, body, jobRunner, worker.Config{
		LeaseSeconds: cfg.Queue.LeaseSeconds,
		BatchLimit:   cfg.Queue.BatchLimit,
		ImportLimit:  cfg.Queue.ImportBatchLimit,
	}, *logger)

	webhookProcessor := webhooks.NewProcessor(pool, jobStore, cfg.Webhook.StripeSecret, cfg.Webhook.SignatureTolerance, *logger)
	webhookLimiter := middleware.NewWindowLimiter(pool, time.Minute, cfg.Webhook.RateLimitPerMinute, *logger)

	sweeper := sweepers.NewPipelineSweeper(queue, registry, guard, webhookLimiter, *logger, 5*time.Minute, cfg.Pipeline.HeartbeatStaleAfter)
	go sweeper.Start(ctx)

	if cfg.Logging.Level == "info" || cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	setupMiddleware(router, logger)

	processHandler := handlers.NewProcessHandler(processor, *logger)
	stripeHandler := handlers.NewStripeWebhookHandler(webhookProcessor, *logger)
	pipelineHandler := handlers.NewPipelineHandler(contentStore, guard, queue, *logger)
	runsHandler := handlers.NewRunsHandler(registry, *logger)
	deadLettersHandler := handlers.NewDeadLettersHandler(deadLetters, guard, queue, *logger)

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/stripe",
		middleware.RateLimitMiddleware(webhookLimiter, "stripe_webhook"),
		stripeHandler.Handle,
	)

	router.POST("/jobs/process",
		middleware.CronAuthMiddleware(cfg.CronSecret),
		processHandler.Process,
	)

	internal := router.Group("/internal")
	internal.Use(middleware.CronAuthMiddleware(cfg.CronSecret))
	{
		internal.GET("/health", handlers.HealthCheck)

		pipelineGroup := internal.Group("/pipeline")
		{
			pipelineGroup.POST("/creators/:creatorId/start", pipelineHandler.Start)
			pipelineGroup.GET("/creators/:creatorId/status", pipelineHandler.Status)
			pipelineGroup.GET("/runs", runsHandler.List)
			pipelineGroup.GET("/runs/:runId", runsHandler.Get)
			pipelineGroup.GET("/dead-letters", deadLettersHandler.List)
			pipelineGroup.POST("/dead-letters/:runId/replay", deadLettersHandler.Replay)
			pipelineGroup.POST("/dead-letters/:runId/ignore", deadLettersHandler.Ignore)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited")
}

func initLogger(cfg config.LoggingConfig) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "pipeline-service").Logger()
	return &logger
}

func setupMiddleware(router *gin.Engine, logger *zerolog.Logger) {
	router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		end := time.Now()
		latency := end.Sub(start)

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	})
}
