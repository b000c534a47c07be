// Package workflow is the milestone and escrow state machine. Every
// transition runs as one unit of work against the ledger store. Money
// movements are split around the gateway call: an intent is persisted first
// and the outcome is applied in a second unit of work.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/payment"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/observe"
	"escrowflow/pkg/logger"
)

type Config struct {
	Currency string
	// DefaultFeePercentage seeds the fee setting when none exists yet.
	DefaultFeePercentage decimal.Decimal
}

type Engine struct {
	store   repository.Store
	gateway payment.Gateway
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	newKey  func() string
}

func NewEngine(store repository.Store, gateway payment.Gateway, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Currency == "" {
		cfg.Currency = "IDR"
	}
	if cfg.DefaultFeePercentage.IsZero() {
		cfg.DefaultFeePercentage = decimal.RequireFromString("6.5")
	}
	return &Engine{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "workflow")),
		now:     time.Now,
		newKey:  uuid.NewString,
	}
}

// WithClock replaces the clock used for verified_at, finalized_at and
// similar timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) begin(ctx context.Context, action string, actor authz.Actor) (context.Context, func(*error)) {
	return observe.Begin(ctx, e.logger, "workflow", action, actor)
}

func (e *Engine) logTransition(ctx context.Context, action string, actor authz.Actor, m *model.Milestone, from model.MilestoneStatus) {
	logger.WithTrace(ctx, e.logger).Info("Milestone transition",
		zap.String("action", action),
		zap.Int64("milestone_id", m.ID),
		zap.Int64("project_id", m.ProjectID),
		zap.Int64("actor_id", actor.UserID),
		zap.String("from", string(from)),
		zap.String("to", string(m.Status)),
	)
}

func subjectOf(p *model.Project) authz.Subject {
	return authz.Subject{ClientID: p.ClientID, CompanyID: p.CompanyID}
}

func loadProject(ctx context.Context, r repository.Reader, id int64) (*model.Project, error) {
	p, err := r.GetProject(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.NotFound("project", id)
	}
	return p, err
}

// loadMilestone returns the milestone and its project.
func loadMilestone(ctx context.Context, r repository.Reader, id int64) (*model.Milestone, *model.Project, error) {
	m, err := r.GetMilestone(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, apperror.NotFound("milestone", id)
	}
	if err != nil {
		return nil, nil, err
	}
	p, err := loadProject(ctx, r, m.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return m, p, nil
}

// loadEscrow returns the milestone's escrow, or InvalidTransition when the
// milestone was never funded.
func loadEscrow(ctx context.Context, r repository.Reader, m *model.Milestone) (*model.Escrow, error) {
	esc, err := r.GetEscrowByMilestone(ctx, m.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.InvalidTransition("milestone %d has no escrow; it is %s and has not been funded", m.ID, m.Status)
	}
	return esc, err
}

func event(t model.EventType, aggregate string, id, projectID int64, actor authz.Actor, payload any) model.Event {
	return model.Event{
		Type:          t,
		AggregateType: aggregate,
		AggregateID:   id,
		ProjectID:     projectID,
		ActorID:       actor.UserID,
		Payload:       payload,
	}
}

// appendEvents stops at the first failure.
func appendEvents(ctx context.Context, tx repository.Tx, events ...model.Event) error {
	for _, ev := range events {
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func transitionPayload(from, to model.MilestoneStatus) map[string]any {
	return map[string]any{"from": from, "to": to}
}

// systemActor attributes gateway-driven changes.
var systemActor = authz.Actor{}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
