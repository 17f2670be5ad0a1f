package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"leadnurture/config"
	controller "leadnurture/controllers"
	"leadnurture/delivery"
	"leadnurture/metrics"
	"leadnurture/middleware"
	"leadnurture/models"
	"leadnurture/nurture"
	"leadnurture/routes"
	"leadnurture/utils"
	"leadnurture/worker"
)

const version = "1.0.0"

func main() {
	issueToken := flag.String("issue-token", "", "create the creator with this email if needed, print an access token and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	logger := utils.ConfigureLogger(cfg.LogLevel, cfg.Environment)

	if cfg.SentryDSN != "" {
		if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment, version); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	if *issueToken != "" {
		creator, err := models.EnsureCreator(config.DB, *issueToken)
		if err != nil {
			logger.Fatalf("Failed to provision creator: %v", err)
		}
		token, err := utils.GenerateJWTToken(creator, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			logger.Fatalf("Failed to sign token: %v", err)
		}
		fmt.Println(token)
		return
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Nurturing engine
	catalog, err := nurture.NewCatalog(config.DB, logger)
	if err != nil {
		logger.Fatalf("Invalid sequence catalog: %v", err)
	}
	store := nurture.NewGormStore(config.DB)
	leads := nurture.NewGormLeads(config.DB)

	trigger := nurture.NewTriggerEngine(catalog, store, leads, logger, nurture.WithTriggerMetrics(m))
	policy := nurture.NewCancellationPolicy(store, logger, nurture.WithCancelMetrics(m))
	runner := nurture.NewRunner(catalog, store, newSender(cfg.Delivery, leads, logger), nurture.RunnerConfig{
		SendTimeout:     cfg.Runner.SendTimeout,
		MaxAttempts:     cfg.Runner.MaxAttempts,
		RetryBackoff:    cfg.Runner.RetryBackoff,
		MaxRetryBackoff: cfg.Runner.MaxRetryBackoff,
		ClaimTTL:        cfg.Runner.ClaimTTL,
		Concurrency:     cfg.Runner.Concurrency,
		DefaultLimit:    cfg.Runner.BatchSize,
	}, logger, nurture.WithRunnerMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize and start the nurture worker
	nurtureWorker := worker.NewNurtureWorker(runner, cfg.Runner.Schedule, cfg.Runner.BatchSize, logger)
	if err := nurtureWorker.Start(ctx); err != nil {
		logger.Fatalf("Failed to start nurture worker: %v", err)
	}

	limiterStorage := middleware.NewRateLimitStorage(cfg.Redis)
	if rs, ok := limiterStorage.(*middleware.RedisStorage); ok {
		if err := rs.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable, run limiter falls back to memory")
			limiterStorage = nil
		}
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "leadnurture",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.Runner.SendTimeout,
	})
	app.Use(recover.New())
	app.Use(middleware.CORS(cfg.CORSOrigins))

	nurtureController := controller.NewNurtureController(catalog, store, trigger, policy, runner, logger)
	leadController := controller.NewLeadController(config.DB, leads, store, logger)
	routes.SetupRoutes(app, config.DB, nurtureController, leadController, routes.Options{
		JWTSecret:      cfg.JWTSecret,
		RunRateLimit:   cfg.RateLimitRun,
		LimiterStorage: limiterStorage,
		Gatherer:       prometheus.DefaultGatherer,
		Version:        version,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit

		logger.Info("Shutting down...")
		cancel()
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logger.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	// Let an in-flight cron run finish its store writes
	nurtureWorker.Stop()
	utils.FlushSentry(2 * time.Second)
}

// newSender routes steps by platform. In log mode every step is only logged.
func newSender(cfg config.DeliveryConfig, leads nurture.LeadDirectory, logger logrus.FieldLogger) nurture.Sender {
	if cfg.Mode != "live" {
		logger.Warn("DELIVERY_MODE=log: steps are logged, not delivered")
		return delivery.NewLogSender(logger)
	}

	gateway := delivery.NewWebhookSender(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayTimeout)
	router := delivery.NewRouter().
		Handle("instagram", gateway).
		Handle("telegram", gateway).
		Handle("whatsapp", gateway).
		Fallback(gateway)

	if cfg.SMTPHost != "" {
		router.Handle("email", delivery.NewEmailSender(delivery.EmailConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
			Subject:   cfg.EmailSubject,
		}, leads))
	}
	return router
}
