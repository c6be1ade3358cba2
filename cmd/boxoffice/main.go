package main

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/stepperslife/settlement/internal/handlers"
	"github.com/stepperslife/settlement/internal/mollie"
	"github.com/stepperslife/settlement/internal/whish"
	"github.com/stepperslife/settlement/pkg/auth"
	"github.com/stepperslife/settlement/pkg/config"
	"github.com/stepperslife/settlement/pkg/database"
	"github.com/stepperslife/settlement/pkg/kafka"
	"github.com/stepperslife/settlement/pkg/logging"
	"github.com/stepperslife/settlement/pkg/monitoring"
	"github.com/stepperslife/settlement/pkg/server"
	"github.com/stepperslife/settlement/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("boxoffice")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Boxoffice (Settlement API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("boxoffice", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("boxoffice", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom settlement metrics
	metrics := &handlers.BoxofficeMetrics{
		FeeQuotes:         metricsCollector.NewCounter("fee_quotes_total", "Fee quotes computed", []string{"pricing_model"}),
		OrderTransitions:  metricsCollector.NewCounter("order_transitions_total", "Order state transitions", []string{"to_status", "source"}),
		WebhookEvents:     metricsCollector.NewCounter("webhook_events_total", "Webhook events processed", []string{"provider"}),
		SignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total", "Webhook signature verification failures", []string{"provider"}),
		CreditOperations:  metricsCollector.NewCounter("credit_operations_total", "Credit ledger operations", []string{"operation"}),
		CommissionEntries: metricsCollector.NewCounter("commission_entries_total", "Commission entries recorded", []string{"kind"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Optional integrations; the service runs without any of them.
	var producer *kafka.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		p, err := kafka.NewProducer(strings.Split(brokers, ","), "boxoffice", logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka producer unavailable, settlement events disabled")
		} else {
			producer = p
			defer producer.Close()
			healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.Client()))
		}
	}

	var redisClient *redis.Client
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.WithError(err).Warn("Invalid REDIS_URL, payment config cache disabled")
		} else {
			redisClient = redis.NewClient(opts)
			defer redisClient.Close()
		}
	}

	var mollieClient *mollie.Client
	if apiKey := config.GetEnv("MOLLIE_API_KEY", ""); apiKey != "" {
		mc, err := mollie.NewClient(mollie.Config{
			APIKey:        apiKey,
			WebhookSecret: config.GetEnv("MOLLIE_WEBHOOK_SECRET", ""),
			Logger:        logger,
		})
		if err != nil {
			logger.WithError(err).Warn("Mollie client unavailable, Mollie checkout disabled")
		} else {
			mollieClient = mc
		}
	}

	var whishClient *whish.Client
	if config.GetEnv("WHISH_CHANNEL", "") != "" {
		wc, err := whish.NewClient(whish.Config{
			BaseURL:        config.GetEnv("WHISH_BASE_URL", ""),
			Channel:        config.GetEnv("WHISH_CHANNEL", ""),
			Secret:         config.GetEnv("WHISH_SECRET", ""),
			WebsiteURL:     config.GetEnv("WHISH_WEBSITE_URL", ""),
			CallbackSecret: config.GetEnv("WHISH_CALLBACK_SECRET", ""),
			Logger:         logger,
		})
		if err != nil {
			logger.WithError(err).Warn("Whish client unavailable, Whish checkout disabled")
		} else {
			whishClient = wc
		}
	}

	// Initialize handlers
	handlers.Init(db, logger, metrics, handlers.Clients{
		Producer: producer,
		Redis:    redisClient,
		Mollie:   mollieClient,
		Whish:    whishClient,
	})

	// Initialize and start JobManager for stale-order reconciliation
	jobManager := handlers.NewJobManager(db, logger, whishClient)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background reconciliation active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "boxoffice", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/boxoffice/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/fees/quote", handlers.GetFeeQuote)
			protected.GET("/fees/compare", handlers.GetFeeComparison)
			protected.GET("/credits/balance", handlers.GetCreditBalance)
			protected.GET("/credits/prepay-check", handlers.CheckPrepay)
			protected.GET("/orders/:order_id", handlers.GetOrder)
			protected.GET("/events/:event_id/roster", handlers.GetEventRoster)
			protected.GET("/events/:event_id/commissions", handlers.GetEventCommissions)
			protected.POST("/roster/copy", handlers.PostCopyRoster)
		}

		// Webhook endpoints (no auth required)
		router.POST("/webhooks/stripe", handlers.StripeWebhook)
		router.POST("/webhooks/mollie", handlers.MollieWebhook)
		router.POST("/webhooks/whish", handlers.WhishWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/orders", handlers.PostCreateOrder)
			serviceAPI.POST("/orders/:order_id/consume-credits", handlers.PostConsumeCredits)
			serviceAPI.POST("/credits/purchase", handlers.PostPurchaseCredits)
			serviceAPI.POST("/admin/credits/:organizer_id/reset", handlers.PostResetCreditAccount)
			serviceAPI.POST("/admin/credits/:organizer_id/mark-free-used", handlers.PostMarkFreeAllotmentUsed)
			serviceAPI.POST("/events/:event_id/payment-config/invalidate", handlers.PostInvalidatePaymentConfig)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("boxoffice", "18007")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
