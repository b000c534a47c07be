package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"escrowflow/internal/config"
	"escrowflow/internal/payment"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/workflow"
	"escrowflow/pkg/circuitbreaker"
	pkgconfig "escrowflow/pkg/config"
	"escrowflow/pkg/db"
	"escrowflow/pkg/logger"
)

// runtime is what every subcommand needs: config, a logger and the database.
type runtime struct {
	cfg  *config.Config
	log  *zap.Logger
	pool *pgxpool.Pool
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	env, _ := cmd.Flags().GetString("env")
	if env == "" {
		env = pkgconfig.GetConfigEnv()
	}
	dir, _ := cmd.Flags().GetString("config-dir")
	if dir == "" {
		dir = pkgconfig.GetEnv("CONFIG_DIR", "config")
	}
	cfg, err := config.LoadFrom(env, dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.NewLogger(cfg.Server.LogLevel)
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &runtime{cfg: cfg, log: log, pool: pool}, nil
}

func (r *runtime) Close() {
	r.pool.Close()
	_ = r.log.Sync()
}

func (r *runtime) store() *repository.PostgresStore {
	return repository.NewPostgresStore(r.pool, r.log)
}

func (r *runtime) gateway() payment.Gateway {
	return payment.NewHTTPGateway(r.cfg.Payment, circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()), r.log)
}

func (r *runtime) engine() *workflow.Engine {
	return workflow.NewEngine(r.store(), r.gateway(), workflow.Config{
		Currency:             r.cfg.Payment.Currency,
		DefaultFeePercentage: r.cfg.Fee.Default,
	}, r.log)
}

// withRuntime wraps a RunE body with runtime setup and teardown.
func withRuntime(fn func(ctx context.Context, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd.Context(), rt, args)
	}
}
