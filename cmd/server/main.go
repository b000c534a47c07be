package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"escrowflow/internal/config"
	"escrowflow/internal/httpserver"
	"escrowflow/internal/payment"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/documents"
	"escrowflow/internal/service/feesetting"
	"escrowflow/internal/service/workflow"
	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/db"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/outbox"
	"escrowflow/pkg/redis"
	"escrowflow/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	log := logger.NewLogger(cfg.Server.LogLevel)
	defer log.Sync()

	log.Info("Starting escrowflow server...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("port", cfg.Server.Port),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName: "escrowflow-server",
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

	if cfg.AutoMigrate {
		results, err := repository.Migrate(context.Background(), pool)
		if err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
		log.Info("Migrations applied", zap.Int("count", len(results)))
	}

	// Redis is only used for webhook dedup; run without it if unreachable.
	var rdb *goredis.Client
	if client, err := redis.NewRedisClient(cfg.Redis); err != nil {
		log.Warn("Redis unavailable, webhook dedup disabled", zap.Error(err))
		_ = client.Close()
	} else {
		rdb = client
		defer rdb.Close()
	}
	deduper := util.NewDeduper(rdb, cfg.Workflow.DedupTTL, log)

	store := repository.NewPostgresStore(pool, log)
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig())
	gateway := payment.NewHTTPGateway(cfg.Payment, breaker, log)

	engine := workflow.NewEngine(store, gateway, workflow.Config{
		Currency:             cfg.Payment.Currency,
		DefaultFeePercentage: cfg.Fee.Default,
	}, log)

	router := httpserver.NewRouter(httpserver.Deps{
		Engine:        engine,
		Documents:     documents.NewService(store, log),
		Fees:          feesetting.NewService(store, cfg.Fee.Default, log),
		Outbox:        outbox.NewRepository(pool),
		Dedup:         deduper,
		DB:            pool,
		JWTSecret:     cfg.JWT.Secret,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Logger:        log,
	})
	srv := httpserver.NewServer(cfg.Server.Port, router, 15*time.Second, cfg.Payment.Timeout+15*time.Second)

	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down escrowflow server gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("escrowflow server shutdown complete")
}
