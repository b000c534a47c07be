package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/pkg/metrics"
)

// Publisher is the broker side of the dispatcher.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Dispatcher moves committed outbox rows onto the message broker.
type Dispatcher struct {
	db         *pgxpool.Pool
	repo       *Repository
	publisher  Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

func NewDispatcher(db *pgxpool.Pool, repo *Repository, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start runs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting outbox dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				d.logger.Error("Outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce publishes one batch. Claimed rows stay locked until the batch
// commits, so concurrent workers never publish the same event twice.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (err error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	events, err := d.repo.ClaimPending(ctx, tx, d.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if pubErr := d.publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload); pubErr != nil {
			d.logger.Error("Failed to publish event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(pubErr),
			)
			status, markErr := d.repo.MarkAsFailed(ctx, tx, event, d.maxRetries)
			if markErr != nil {
				return markErr
			}
			if status == StatusFailed {
				metrics.IncrementOutbox("failed")
			} else {
				metrics.IncrementOutbox("retry")
			}
			continue
		}

		if err = d.repo.MarkAsSent(ctx, tx, event.ID); err != nil {
			return err
		}
		metrics.IncrementOutbox("sent")
	}
	return nil
}
