/**
 * @description
 * This is the main entry point for the billing-service. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, the Flutterwave gateway client, the message broker
 * producer and consumers, the reconciliation sweep, and the HTTP server.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: Optional .env loading for local development.
 * - github.com/redis/go-redis/v9: Redis client for the initiation rate limit.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/flutterwave, pkg/mailer, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/subpay/billing-service/internal/api"
	"github.com/subpay/billing-service/internal/app"
	"github.com/subpay/billing-service/internal/config"
	"github.com/subpay/billing-service/internal/store"
	"github.com/subpay/billing-service/pkg/flutterwave"
	"github.com/subpay/billing-service/pkg/mailer"
	"github.com/subpay/billing-service/pkg/rabbitmq"
)

func main() {
	// Load a local .env if present; real deployments use environment variables.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.FlutterwaveSecretKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway secret key must be configured\" env=FLUTTERWAVE_SECRET_KEY")
	}
	if strings.TrimSpace(cfg.FlutterwaveWebhookHash) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook hash must be configured\" env=FLUTTERWAVE_WEBHOOK_HASH")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting billing-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// The producer is allowed to fail at startup: reconciliation still
	// records terminal statuses and the sweep re-dispatches activations once
	// the broker returns.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	gatewayClient := flutterwave.NewClient(cfg.FlutterwaveBaseURL, cfg.FlutterwaveSecretKey)

	var redisClient *redis.Client
	if cfg.InitializeRateLimitPerMin > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; initiation rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; initiation rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; initiation rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	repository := store.NewPostgresRepository(dbpool)

	billingService := app.NewService(
		repository,
		gatewayClient,
		producer,
		cfg.BillingEventsExchange,
		cfg.CallbackBaseURL,
	)

	var limiter *app.RedisRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	billingHandlers := api.NewBillingHandlers(
		billingService,
		limiter,
		cfg.InitializeRateLimitPerMin,
		cfg.FrontendOrigin,
		cfg.FlutterwaveWebhookHash,
	)
	router := api.BillingRoutes(billingHandlers, cfg.JWTSecret, cfg.FrontendOrigin)

	// Workers consume from durable queues bound to the billing events
	// exchange. Activation grants subscriptions; receipt emails customers.
	smtpMailer := mailer.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
	activationConsumer := app.NewActivationConsumer(repository, producer, cfg.BillingEventsExchange, cfg.SubscriptionPeriodDays)
	receiptConsumer := app.NewReceiptConsumer(repository, smtpMailer)

	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	activationBindings := map[string]func([]byte) bool{
		app.RoutingKeyActivationRequested: activationConsumer.HandleMessage,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.BillingEventsExchange, cfg.ActivationQueue, activationBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"activation consumer start failed\" err=%v", err)
	}

	receiptBindings := map[string]func([]byte) bool{
		app.RoutingKeyReceiptRequested: receiptConsumer.HandleMessage,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.BillingEventsExchange, cfg.ReceiptQueue, receiptBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"receipt consumer start failed\" err=%v", err)
	}

	// The sweep catches payments whose callbacks never arrived.
	sweeper := app.NewSweeper(
		billingService,
		repository,
		cfg.SweepSchedule,
		time.Duration(cfg.SweepPendingMaxAgeMin)*time.Minute,
		cfg.SweepBatchLimit,
	)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweep scheduler start failed\" err=%v", err)
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Let an in-flight sweep run finish before exiting.
	<-sweeper.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
