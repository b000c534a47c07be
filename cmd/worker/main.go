package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/config"
	"escrowflow/internal/mqhandler"
	"escrowflow/internal/payment"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/reconcile"
	"escrowflow/internal/service/workflow"
	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/db"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/mq"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/outbox"
	"escrowflow/pkg/redis"
	"escrowflow/pkg/util"
)

const paymentCallbackQueue = "payment.callback.q"

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	log := logger.NewLogger(cfg.Server.LogLevel)
	defer log.Sync()

	log.Info("Starting escrowflow worker...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName: "escrowflow-worker",
		Endpoint:    cfg.Otel.Endpoint,
		Enabled:     cfg.Otel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownTracing()

	// DB
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer pool.Close()

	// Redis holds the reconciliation attempt counters.
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer rdb.Close()

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := repository.NewPostgresStore(pool, log)
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig())
	gateway := payment.NewHTTPGateway(cfg.Payment, breaker, log)
	engine := workflow.NewEngine(store, gateway, workflow.Config{
		Currency:             cfg.Payment.Currency,
		DefaultFeePercentage: cfg.Fee.Default,
	}, log)

	// Outbox Dispatcher
	dispatcher := outbox.NewDispatcher(pool, outbox.NewRepository(pool), publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	go dispatcher.Start(ctx)

	// Consumer for gateway callbacks relayed over the broker
	log.Info("Initializing payment callback consumer", zap.String("queue", paymentCallbackQueue))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, paymentCallbackQueue, contractsmq.PaymentCallbackRoutingKey, log)
	if err != nil {
		log.Fatal("Failed to init payment callback consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(mqhandler.NewPaymentCallbackHandler(engine, log).HandlePaymentCallback)
	consumer.SetDeadLetter(publisher)
	go func() {
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Fatal("Payment callback consumer failed", zap.Error(err))
		}
	}()

	// Reconciliation
	job := reconcile.NewJob(store, gateway, engine, util.NewRetryCounter(rdb, 24*time.Hour), reconcile.Config{
		Interval:    cfg.Workflow.ReconcileInterval,
		Grace:       cfg.Workflow.ReconcileGrace,
		MaxAttempts: cfg.Workflow.MaxReconcileAttempts,
		BatchSize:   cfg.Workflow.ReconcileBatchSize,
	}, log)
	go job.Run(ctx)

	log.Info("escrowflow worker is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down escrowflow worker gracefully...")
	cancel()
	log.Info("escrowflow worker shutdown complete")
}
