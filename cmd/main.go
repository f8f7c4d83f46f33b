/**
 * @description
 * This is the main entry point for the escrow service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the payment processor client, message brokers, repositories, the
 * core application service, the reconciliation scheduler, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: Scheduled reconciliation sweeps.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/stripeclient: Client for the payment processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/bootsground/escrow-service/internal/api"
	"github.com/bootsground/escrow-service/internal/app"
	"github.com/bootsground/escrow-service/internal/config"
	"github.com/bootsground/escrow-service/internal/store"
	rmrabbit "github.com/bootsground/escrow-service/pkg/rabbitmq"
	"github.com/bootsground/escrow-service/pkg/stripeclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.ProcessorAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"processor api key must be configured\" env=PROCESSOR_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish escrow lifecycle events.
	// Broker unavailability degrades to a no-op publisher; escrow transitions
	// must not depend on the broker being up.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment processor API.
	processorClient := stripeclient.NewClient(cfg.ProcessorAPIBaseURL, cfg.ProcessorAPIKey)

	var redisClient *redis.Client
	if cfg.FundingRateLimit > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	escrowService := app.NewService(
		repository,
		processorClient,
		producer,
		cfg.PlatformFeePercent,
		cfg.OnboardingReturnURL,
		cfg.OnboardingRefreshURL,
	)
	if redisClient != nil {
		escrowService.ConfigureRateLimit(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.FundingRateLimit,
		)
	}

	// Initialize the API handlers.
	if strings.TrimSpace(cfg.ProcessorWebhookSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"processor webhook secret not configured; confirmation webhooks will not be signature-checked\" env=PROCESSOR_WEBHOOK_SECRET")
	}
	escrowHandlers := api.NewEscrowHandlers(escrowService, cfg.ProcessorWebhookSecret)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.EscrowRoutes(escrowHandlers, api.AuthConfig{
		JWKSURL:  cfg.AuthJWKSURL,
		Audience: cfg.AuthAudience,
		Issuer:   cfg.AuthIssuer,
	}))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the processor status consumer: bind intent outcome events and
	// ensure graceful shutdown. Consumer unavailability is non-fatal because
	// the synchronous confirmation path and the reconciliation sweep converge
	// without it.
	processorConsumer := app.NewProcessorEventConsumer(escrowService)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relying on poll reconciliation\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.EventsExchange, cfg.ProcessorEventQueue, processorConsumer.Bindings()); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"processor consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"processor event consumer started\"")
	}

	// Schedule the reconciliation sweep for ambiguous payment outcomes.
	cronLogger := cron.PrintfLogger(log.New(os.Stdout, "", log.LstdFlags))
	scheduler := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	if _, err := scheduler.AddFunc(cfg.ReconcileCron, func() {
		sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancelSweep()
		if _, err := escrowService.ReconcilePayments(sweepCtx, cfg.ReconcileBatchSize); err != nil {
			log.Printf("level=error component=reconciler msg=\"sweep failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconciliation schedule invalid\" schedule=%q err=%v", cfg.ReconcileCron, err)
	}
	scheduler.Start()
	log.Printf("level=info component=bootstrap msg=\"reconciliation sweep scheduled\" schedule=%q", cfg.ReconcileCron)

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

	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
