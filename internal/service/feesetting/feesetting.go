// Package feesetting manages the global platform fee. Every change is a new
// version; escrows keep the version they were funded under.
package feesetting

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/fee"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/observe"
)

type Service struct {
	store      repository.Store
	defaultPct decimal.Decimal
	logger     *zap.Logger
}

func NewService(store repository.Store, defaultPct decimal.Decimal, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		defaultPct: defaultPct,
		logger:     logger.With(zap.String("component", "feesetting")),
	}
}

// Current returns the fee in effect. Before any update it reports the
// configured default with a zero ID.
func (s *Service) Current(ctx context.Context, actor authz.Actor) (_ *model.FeeSetting, err error) {
	ctx, done := observe.Begin(ctx, s.logger, "feesetting", "fee.view", actor)
	defer done(&err)

	if err := authz.Check(actor, authz.FeeView, authz.Subject{}); err != nil {
		return nil, err
	}
	cur, err := s.store.CurrentFeeSetting(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.FeeSetting{Percentage: s.defaultPct}, nil
	}
	return cur, err
}

// Update records a new fee version. Out-of-range values are rejected, never
// clamped.
func (s *Service) Update(ctx context.Context, actor authz.Actor, pct decimal.Decimal) (_ *model.FeeSetting, err error) {
	ctx, done := observe.Begin(ctx, s.logger, "feesetting", "fee.update", actor)
	defer done(&err)

	if err := authz.Check(actor, authz.FeeUpdate, authz.Subject{}); err != nil {
		return nil, err
	}
	if err := fee.ValidatePercentage(pct); err != nil {
		return nil, apperror.Validation("platform_fee_percentage", err.Error())
	}

	setting := &model.FeeSetting{Percentage: pct, SetBy: actor.UserID}
	err = s.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		previous := s.defaultPct
		if cur, err := tx.CurrentFeeSetting(ctx); err == nil {
			previous = cur.Percentage
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := tx.InsertFeeSetting(ctx, setting); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, model.Event{
			Type:          model.EventPlatformFeeUpdated,
			AggregateType: "fee_setting",
			AggregateID:   setting.ID,
			ActorID:       actor.UserID,
			Payload:       map[string]any{"previous": previous, "percentage": pct},
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Platform fee updated",
		zap.String("percentage", pct.String()),
		zap.Int64("fee_setting_id", setting.ID),
		zap.Int64("actor_id", actor.UserID),
	)
	return setting, nil
}
