package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-fulfillment/internal/api"
	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/fulfillment"
	"ms-fulfillment/internal/gateway"
	"ms-fulfillment/internal/inventory"
	inventorydb "ms-fulfillment/internal/inventory/db"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/metrics"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/payment/services"
	"ms-fulfillment/internal/payment/storage"
	"ms-fulfillment/internal/purchase"
	purchasedb "ms-fulfillment/internal/purchase/db"
	"ms-fulfillment/internal/reconcile"
	rediswrap "ms-fulfillment/internal/redis"
	"ms-fulfillment/internal/sse"
	"ms-fulfillment/internal/sweeper"
	ticketdb "ms-fulfillment/internal/tickets/db"
	qr "ms-fulfillment/internal/tickets/qr_generator"
	tickets "ms-fulfillment/internal/tickets/service"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newLogger(cfg config.LogConfig) *logger.Logger {
	log, err := logger.New(logger.Options{
		Service:  "fulfillment",
		Dir:      cfg.Dir,
		MinLevel: logger.ParseLevel(cfg.Level),
		Color:    true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v, falling back to defaults\n", err)
		return logger.NewLogger()
	}
	return log
}

// connectRedis never fails startup: without Redis the leases are skipped
// with a warning and the conditional updates keep the data consistent.
func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Redis at %s unreachable, leases will be skipped until it recovers: %v", cfg.Addr, err))
		return client
	}
	log.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	return client
}

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log := newLogger(cfg.Log)
	defer log.Close()

	log.Info("APP", "Starting Fulfillment Service initialization")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	redisClient := connectRedis(ctx, cfg.Redis, log)
	defer redisClient.Close()
	leases := rediswrap.NewRedis(redisClient, cfg.Fulfillment.LockTTL, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(registry)

	events := kafka.NopEventPublisher(log)
	var dispatcher notify.Dispatcher = &notify.LogDispatcher{Logger: log}
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, cfg.Kafka.Topics.All(), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			log.Info("KAFKA", "Required topics ensured successfully")
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		events = kafka.NewEventPublisher(producer, cfg.Kafka.Topics, log)
		dispatcher = notify.NewKafkaDispatcher(producer, cfg.Kafka.Topics.Notifications, log)
		log.Info("KAFKA", fmt.Sprintf("Kafka producer initialized for %v", cfg.Kafka.Brokers))
	} else {
		log.Warn("KAFKA", "Kafka disabled, lifecycle events are dropped and ticket bundles are only logged")
	}
	events.Metrics = collector

	stripeGateway, err := gateway.NewStripeGateway(cfg.Stripe, log)
	if err != nil {
		log.Fatal("STRIPE", err.Error())
	}

	emitter := sse.NewPurchaseEventEmitter()
	purchaseDB := &purchasedb.DB{Bun: bunDB}
	payments := storage.NewBunStore(bunDB, log)
	ledger := inventory.NewLedger(&inventorydb.DB{Bun: bunDB}, log)
	ticketService := tickets.NewTicketService(&ticketdb.DB{Bun: bunDB}, qr.NewQRGenerator(cfg.Fulfillment.TicketSecret), log)

	confirmer := fulfillment.NewService(purchaseDB, ledger, ticketService, dispatcher, payments, cfg.Fulfillment.OversellPolicy, log)
	confirmer.Leases = leases
	confirmer.Events = events
	confirmer.Emitter = emitter

	orchestrator := services.NewOrchestrator(payments, purchaseDB, stripeGateway, confirmer, cfg.Stripe.Timeout, log)
	orchestrator.Leases = leases
	orchestrator.Events = events

	purchaseService := purchase.NewPurchaseService(purchaseDB, payments, ticketService, cfg.Stripe.Currency, cfg.Fulfillment.MaxTicketsPerOrder, log)
	purchaseService.Events = events
	purchaseService.Emitter = emitter

	sweep := sweeper.New(purchaseDB, confirmer, cfg.Fulfillment, log)
	sweep.Payments = payments
	sweep.Gateway = stripeGateway
	sweep.Applier = orchestrator
	sweep.Leases = leases
	sweep.Events = events
	sweep.Emitter = emitter
	sweep.Metrics = collector

	handler := &api.Handler{
		Purchases:   purchaseService,
		Payments:    orchestrator,
		Webhooks:    reconcile.NewListener(stripeGateway, payments, orchestrator, log),
		Fulfillment: confirmer,
		Tickets:     ticketService,
		Inventory:   ledger,
		Updates:     emitter,
		HealthChecks: map[string]api.HealthCheck{
			"database": payments.HealthCheck,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Metrics:        collector,
		Logger:         log,
	}
	if cfg.Server.RateLimit > 0 {
		handler.Limiter = api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateLimitBurst, 10*time.Minute)
	}

	log.Info("HTTP", "Setting up router and middleware")
	// No WriteTimeout: purchase event streams stay open.
	server := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     api.NewRouter(handler),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		if err := sweep.Run(ctx); err != nil {
			log.Error("SWEEPER", fmt.Sprintf("Sweeper stopped: %v", err))
		}
	}()

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Fulfillment Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Fulfillment Service shutdown complete")
	}
}
