package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/shipping"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/txn"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	paymentsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
	defer paymentsProducer.Close()
	dlqProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentsDLQ)
	defer dlqProducer.Close()
	fulfillmentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment)
	defer fulfillmentProducer.Close()

	eventPublisher := broker.NewEventPublisher(paymentsProducer, fulfillmentProducer)

	var outboxSink worker.Publisher = eventPublisher
	if cfg.Broker.Outbox == "rabbitmq" {
		rabbit, err := broker.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbit.Close()
		outboxSink = rabbit
	}

	exec := txn.NewExecutor(db, txn.Config{
		MaxAttempts:    cfg.Saga.MaxAttempts,
		BaseDelay:      cfg.Saga.BaseDelay,
		MaxDelay:       cfg.Saga.MaxDelay,
		AttemptTimeout: cfg.Saga.AttemptTimeout,
	}, logger)

	carrier := shipping.NewIdempotentPort(
		shipping.NewShippoCarrier(cfg.Carrier.BaseURL, cfg.Carrier.APIKey, cfg.Carrier.Timeout),
		db,
		cfg.Carrier.Timeout,
		logger,
	)

	sagaOrchestrator := service.NewSagaOrchestrator(db, exec, carrier, redisClient, redisClient, service.SagaConfig{
		LockTTL:   cfg.Saga.LockTTL,
		MarkerTTL: cfg.Saga.MarkerTTL,
	})
	orderService := service.NewOrderService(db, sagaOrchestrator)
	paymentService := service.NewPaymentService(cfg.Stripe.WebhookSecret, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup, broker.RetryPolicy{
		InitialInterval: cfg.Kafka.RetryInitial,
		MaxInterval:     cfg.Kafka.RetryMax,
	})
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, sagaOrchestrator, dlqProducer)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil {
			logger.Error("Payment worker error", zap.Error(err))
		}
	}()

	relay := worker.NewOutboxRelay(exec, outboxSink, cfg.Saga.OutboxBatch, cfg.Saga.OutboxInterval)
	go relay.Start(workerCtx)

	sweeper := worker.NewShipmentSweeper(db, sagaOrchestrator, redisClient, worker.SweeperConfig{
		Interval:  cfg.Saga.SweepInterval,
		Grace:     cfg.Saga.SweepGrace,
		BatchSize: cfg.Saga.SweepBatch,
	})
	go sweeper.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, paymentService, sagaOrchestrator, map[string]api.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return db.GetDB().PingContext(ctx) },
		"redis":    redisClient.Ping,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := paymentWorker.Stop(); err != nil {
		logger.Warn("Payment worker stop failed", zap.Error(err))
	}

	logger.Info("Server exited")
}
