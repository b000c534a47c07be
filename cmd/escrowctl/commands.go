package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"escrowflow/internal/authz"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/feesetting"
	"escrowflow/internal/service/reconcile"
	"escrowflow/pkg/outbox"
	"escrowflow/pkg/redis"
	"escrowflow/pkg/util"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
			results, err := repository.Migrate(ctx, rt.pool)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("Schema is up to date")
			}
			for _, res := range results {
				fmt.Printf("applied %05d %s (%s)\n", res.Source.Version, res.Source.Path, res.Duration)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
			statuses, err := repository.MigrationStatus(ctx, rt.pool)
			if err != nil {
				return err
			}
			for _, st := range statuses {
				applied := "-"
				if !st.AppliedAt.IsZero() {
					applied = st.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%05d  %-8s  %s  %s\n", st.Source.Version, st.State, applied, st.Source.Path)
			}
			return nil
		}),
	})
	return cmd
}

func feeCmd() *cobra.Command {
	var adminID int64

	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Inspect or change the platform fee",
	}
	cmd.PersistentFlags().Int64Var(&adminID, "admin-id", 0, "admin user id recorded on the change")

	admin := func() authz.Actor { return authz.Actor{UserID: adminID, Role: authz.RoleAdmin} }

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current platform fee percentage",
		RunE: withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
			fs, err := feesetting.NewService(rt.store(), rt.cfg.Fee.Default, rt.log).Current(ctx, admin())
			if err != nil {
				return err
			}
			fmt.Printf("platform fee: %s%% (version %d)\n", fs.Percentage, fs.ID)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set [percentage]",
		Short: "Record a new platform fee percentage (5 to 8, two decimals)",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			if adminID <= 0 {
				return fmt.Errorf("--admin-id is required")
			}
			pct, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid percentage %q: %w", args[0], err)
			}
			fs, err := feesetting.NewService(rt.store(), rt.cfg.Fee.Default, rt.log).Update(ctx, admin(), pct)
			if err != nil {
				return err
			}
			fmt.Printf("platform fee set to %s%% (version %d)\n", fs.Percentage, fs.ID)
			return nil
		}),
	})
	return cmd
}

func outboxCmd() *cobra.Command {
	var (
		id    int64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Operate on the event outbox",
	}
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Re-queue failed outbox events",
		Long: `Re-queue failed outbox events for the dispatcher.

With --id a single event is replayed; otherwise up to --limit failed
events are.`,
		RunE: withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
			repo := outbox.NewRepository(rt.pool)
			if id > 0 {
				if err := repo.Replay(ctx, id); err != nil {
					return err
				}
				fmt.Printf("replayed event %d\n", id)
				return nil
			}
			n, err := repo.ReplayFailed(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Printf("replayed %d events\n", n)
			return nil
		}),
	}
	replay.Flags().Int64Var(&id, "id", 0, "replay a single event")
	replay.Flags().IntVar(&limit, "limit", 100, "maximum number of failed events to replay")
	cmd.AddCommand(replay)
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle payments whose gateway outcome never arrived",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation pass",
		RunE: withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
			rdb, err := redis.NewRedisClient(rt.cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			store := rt.store()
			job := reconcile.NewJob(store, rt.gateway(), rt.engine(), util.NewRetryCounter(rdb, 24*time.Hour), reconcile.Config{
				Grace:       rt.cfg.Workflow.ReconcileGrace,
				MaxAttempts: rt.cfg.Workflow.MaxReconcileAttempts,
				BatchSize:   rt.cfg.Workflow.ReconcileBatchSize,
			}, rt.log)
			sum, err := job.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("checked=%d confirmed=%d failed=%d pending=%d errors=%d\n",
				sum.Checked, sum.Confirmed, sum.Failed, sum.Pending, sum.Errors)
			return nil
		}),
	})
	return cmd
}
