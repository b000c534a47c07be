// Package reconcile settles payments whose outcome never arrived. It asks
// the gateway about every open payment that has been quiet for longer than
// the grace period and applies the answer through the workflow engine.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"escrowflow/internal/model"
	"escrowflow/internal/payment"
	"escrowflow/internal/repository"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/util"
)

const jobName = "reconcile_payment"

// Resolver applies a gateway outcome to a payment.
type Resolver interface {
	ResolvePayment(ctx context.Context, paymentID int64, outcome payment.Outcome, reference, reason string) (*model.Payment, error)
}

// RetryCounter counts lookups that came back pending.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type Config struct {
	Interval time.Duration
	// Grace must exceed the gateway timeout, or an in-flight call could be
	// declared unknown and failed.
	Grace       time.Duration
	MaxAttempts int
	BatchSize   int
}

type Summary struct {
	Checked   int
	Confirmed int
	Failed    int
	Pending   int
	Errors    int
}

type Job struct {
	payments repository.Reader
	gateway  payment.Gateway
	resolver Resolver
	counter  RetryCounter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewJob(payments repository.Reader, gateway payment.Gateway, resolver Resolver, counter RetryCounter, cfg Config, logger *zap.Logger) *Job {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Job{
		payments: payments,
		gateway:  gateway,
		resolver: resolver,
		counter:  counter,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "reconcile")),
		now:      time.Now,
	}
}

func (j *Job) WithClock(now func() time.Time) *Job {
	j.now = now
	return j
}

// Run reconciles every Interval until ctx is done.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info("Reconcile job started", zap.Duration("interval", j.cfg.Interval))
	for {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("Reconcile run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			j.logger.Info("Reconcile job stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch of stale payments.
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	stale, err := j.payments.ListStalePayments(ctx, j.now().Add(-j.cfg.Grace), j.cfg.BatchSize)
	if err != nil {
		return sum, err
	}
	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		outcome := j.reconcile(ctx, &stale[i])
		metrics.IncrementReconciled(outcome)
		switch outcome {
		case "confirmed":
			sum.Confirmed++
		case "failed", "expired":
			sum.Failed++
		case "pending":
			sum.Pending++
		default:
			sum.Errors++
		}
	}
	if sum.Checked > 0 {
		j.logger.Info("Reconcile run completed",
			zap.Int("checked", sum.Checked),
			zap.Int("confirmed", sum.Confirmed),
			zap.Int("failed", sum.Failed),
			zap.Int("pending", sum.Pending),
			zap.Int("errors", sum.Errors),
		)
	}
	return sum, ctx.Err()
}

func (j *Job) reconcile(ctx context.Context, p *model.Payment) string {
	log := j.logger.With(
		zap.Int64("payment_id", p.ID),
		zap.String("kind", string(p.Kind)),
		zap.String("status", string(p.Status)),
	)
	key := util.FormatRetryKey(jobName, p.ID)

	res, err := j.gateway.Lookup(ctx, p.IdempotencyKey)
	switch {
	case errors.Is(err, payment.ErrUnknownOperation):
		// The gateway never received the request.
		return j.resolve(ctx, log, p, key, payment.OutcomeFailed, "", "gateway has no record of the operation", "failed")
	case err != nil:
		log.Warn("Gateway lookup failed", zap.Error(err))
		return "error"
	}

	switch res.Outcome {
	case payment.OutcomeSuccess:
		return j.resolve(ctx, log, p, key, payment.OutcomeSuccess, res.Reference, "", "confirmed")
	case payment.OutcomeFailed:
		return j.resolve(ctx, log, p, key, payment.OutcomeFailed, res.Reference, "gateway reported failure", "failed")
	}

	attempts, err := j.counter.IncrementAndGet(ctx, key)
	if err != nil {
		log.Warn("Failed to count reconcile attempt", zap.Error(err))
		return "pending"
	}
	if attempts < int64(j.cfg.MaxAttempts) {
		log.Debug("Payment still pending at gateway", zap.Int64("attempts", attempts))
		return "pending"
	}
	log.Warn("Reconcile attempts exhausted", zap.Int64("attempts", attempts))
	return j.resolve(ctx, log, p, key, payment.OutcomeFailed, res.Reference, "reconcile attempts exhausted", "expired")
}

func (j *Job) resolve(ctx context.Context, log *zap.Logger, p *model.Payment, key string, outcome payment.Outcome, reference, reason, label string) string {
	if _, err := j.resolver.ResolvePayment(ctx, p.ID, outcome, reference, reason); err != nil {
		log.Error("Failed to resolve payment", zap.String("outcome", string(outcome)), zap.Error(err))
		return "error"
	}
	if err := j.counter.Reset(ctx, key); err != nil {
		log.Debug("Failed to reset reconcile counter", zap.Error(err))
	}
	log.Info("Payment reconciled", zap.String("outcome", label))
	return label
}
