package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/fee"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
)

// CreateProjectInput converts a paid consultation into a project.
type CreateProjectInput struct {
	ConsultationID int64
	CompanyID      int64
	Title          string
	Description    string
	Location       string
	BudgetMin      decimal.Decimal
	BudgetMax      decimal.Decimal
}

func (in CreateProjectInput) validate() error {
	f := apperror.FieldErrors{}
	if in.ConsultationID <= 0 {
		f.Add("consultation_id", "is required")
	}
	if in.CompanyID <= 0 {
		f.Add("company_id", "is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		f.Add("title", "is required")
	}
	if in.BudgetMin.IsNegative() {
		f.Add("budget_min", "must not be negative")
	}
	if in.BudgetMax.LessThan(in.BudgetMin) {
		f.Add("budget_max", "must not be less than budget_min")
	}
	return f.Err()
}

func (e *Engine) CreateProject(ctx context.Context, actor authz.Actor, in CreateProjectInput) (_ *model.Project, err error) {
	ctx, done := e.begin(ctx, "project.create", actor)
	defer done(&err)

	if err := authz.Check(actor, authz.ProjectCreate, authz.Subject{ClientID: actor.UserID}); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	p := &model.Project{
		ClientID:       actor.UserID,
		CompanyID:      in.CompanyID,
		ConsultationID: in.ConsultationID,
		Title:          strings.TrimSpace(in.Title),
		Slug:           slug.Make(in.Title),
		Description:    in.Description,
		Location:       in.Location,
		BudgetMin:      in.BudgetMin,
		BudgetMax:      in.BudgetMax,
		Status:         model.ProjectDraft,
		Documents:      map[model.DocumentType]string{},
	}
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetProjectByConsultation(ctx, in.ConsultationID); err == nil {
			return apperror.New(apperror.KindConflict, "consultation %d was already converted into a project", in.ConsultationID)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := tx.InsertProject(ctx, p); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event(model.EventProjectCreated, "project", p.ID, p.ID, actor,
			map[string]any{"consultation_id": p.ConsultationID, "company_id": p.CompanyID}))
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) GetProject(ctx context.Context, actor authz.Actor, projectID int64) (_ *model.Project, err error) {
	ctx, done := e.begin(ctx, "project.view", actor)
	defer done(&err)

	p, err := loadProject(ctx, e.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ProjectView, subjectOf(p)); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) ListMilestones(ctx context.Context, actor authz.Actor, projectID int64) (_ []model.Milestone, err error) {
	ctx, done := e.begin(ctx, "milestone.list", actor)
	defer done(&err)

	p, err := loadProject(ctx, e.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ProjectView, subjectOf(p)); err != nil {
		return nil, err
	}
	return e.store.ListMilestones(ctx, projectID)
}

// MilestoneDetail is a milestone with its evidence and escrow, if funded.
type MilestoneDetail struct {
	Milestone model.Milestone
	Project   model.Project
	Evidence  []model.Evidence
	Escrow    *model.Escrow
}

func (e *Engine) GetMilestone(ctx context.Context, actor authz.Actor, milestoneID int64) (_ *MilestoneDetail, err error) {
	ctx, done := e.begin(ctx, "milestone.view", actor)
	defer done(&err)

	m, p, err := loadMilestone(ctx, e.store, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ProjectView, subjectOf(p)); err != nil {
		return nil, err
	}
	evidence, err := e.store.ListEvidence(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	detail := &MilestoneDetail{Milestone: *m, Project: *p, Evidence: evidence}
	esc, err := e.store.GetEscrowByMilestone(ctx, m.ID)
	switch {
	case err == nil:
		detail.Escrow = esc
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	return detail, nil
}

func (e *Engine) GetEscrow(ctx context.Context, actor authz.Actor, milestoneID int64) (_ *model.Escrow, err error) {
	ctx, done := e.begin(ctx, "escrow.view", actor)
	defer done(&err)

	m, p, err := loadMilestone(ctx, e.store, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ProjectView, subjectOf(p)); err != nil {
		return nil, err
	}
	esc, err := e.store.GetEscrowByMilestone(ctx, m.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.New(apperror.KindNotFound, "milestone %d has no escrow", m.ID)
	}
	return esc, err
}

func (e *Engine) ListTransactions(ctx context.Context, actor authz.Actor, projectID int64) (_ []model.Transaction, err error) {
	ctx, done := e.begin(ctx, "transaction.list", actor)
	defer done(&err)

	p, err := loadProject(ctx, e.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ProjectView, subjectOf(p)); err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, projectID)
}

func (e *Engine) ListDisputes(ctx context.Context, actor authz.Actor, projectID int64) (_ []model.Dispute, err error) {
	ctx, done := e.begin(ctx, "dispute.list", actor)
	defer done(&err)

	p, err := loadProject(ctx, e.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ProjectView, subjectOf(p)); err != nil {
		return nil, err
	}
	return e.store.ListDisputes(ctx, projectID)
}

type MilestoneInput struct {
	Title         string
	Description   string
	Amount        decimal.Decimal
	SequenceOrder int
}

func validateBatch(in []MilestoneInput) error {
	f := apperror.FieldErrors{}
	if len(in) == 0 {
		f.Add("milestones", "at least one milestone is required")
		return f.Err()
	}
	seen := map[int]int{}
	for i, m := range in {
		field := fmt.Sprintf("milestones[%d]", i)
		if strings.TrimSpace(m.Title) == "" {
			f.Add(field+".title", "is required")
		}
		if err := fee.ValidateAmount(m.Amount); err != nil {
			f.Add(field+".amount", err.Error())
		}
		if m.SequenceOrder < 1 {
			f.Add(field+".sequence_order", "must be at least 1")
			continue
		}
		if first, dup := seen[m.SequenceOrder]; dup {
			f.Add(field+".sequence_order", fmt.Sprintf("duplicates milestones[%d].sequence_order", first))
			continue
		}
		seen[m.SequenceOrder] = i
	}
	return f.Err()
}

// CreateMilestones adds the project's milestone plan in one batch. The
// batch is all-or-nothing and only accepted while the project is a draft
// without milestones.
func (e *Engine) CreateMilestones(ctx context.Context, actor authz.Actor, projectID int64, in []MilestoneInput) (_ []model.Milestone, err error) {
	ctx, done := e.begin(ctx, "milestone.create", actor)
	defer done(&err)

	var created []model.Milestone
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := loadProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.MilestoneCreate, subjectOf(p)); err != nil {
			return err
		}
		if err := validateBatch(in); err != nil {
			return err
		}
		if p.Status != model.ProjectDraft {
			return apperror.InvalidTransition("project is %s; milestones can only be created while draft", p.Status)
		}
		existing, err := tx.ListMilestones(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperror.InvalidTransition("project already has %d milestones", len(existing))
		}

		created = make([]model.Milestone, 0, len(in))
		for _, item := range in {
			m := &model.Milestone{
				ProjectID:     p.ID,
				Title:         strings.TrimSpace(item.Title),
				Description:   item.Description,
				Amount:        item.Amount,
				SequenceOrder: item.SequenceOrder,
				Status:        model.MilestonePending,
				Revision:      1,
			}
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return err
			}
			created = append(created, *m)
		}
		// Touching the project serializes concurrent batches.
		if err := tx.UpdateProject(ctx, p); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event(model.EventMilestonesCreated, "project", p.ID, p.ID, actor,
			map[string]any{"count": len(created)}))
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// VerifyMilestone records the client's sign-off on a milestone's scope. The
// project becomes active once every milestone is verified; activation is
// never undone.
func (e *Engine) VerifyMilestone(ctx context.Context, actor authz.Actor, milestoneID int64) (_ *model.Milestone, err error) {
	ctx, done := e.begin(ctx, "milestone.verify", actor)
	defer done(&err)

	var out *model.Milestone
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, p, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.MilestoneVerify, subjectOf(p)); err != nil {
			return err
		}
		if p.Status != model.ProjectDraft {
			return apperror.InvalidTransition("project is %s; milestones can only be verified while draft", p.Status)
		}
		if m.VerifiedAt != nil {
			return apperror.New(apperror.KindConflict, "milestone %d is already verified", m.ID)
		}

		now := e.now()
		verifiedBy := actor.UserID
		m.VerifiedAt = &now
		m.VerifiedBy = &verifiedBy
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, event(model.EventMilestoneVerified, "milestone", m.ID, p.ID, actor, nil)); err != nil {
			return err
		}

		milestones, err := tx.ListMilestones(ctx, p.ID)
		if err != nil {
			return err
		}
		allVerified := len(milestones) > 0
		for _, other := range milestones {
			if other.VerifiedAt == nil {
				allVerified = false
				break
			}
		}
		// The project row is always written so two verifications racing for
		// the last milestone cannot both miss activation.
		if allVerified {
			p.Status = model.ProjectActive
			p.ActivatedAt = &now
		}
		if err := tx.UpdateProject(ctx, p); err != nil {
			return err
		}
		if allVerified {
			if err := tx.AppendEvent(ctx, event(model.EventProjectActivated, "project", p.ID, p.ID, actor, nil)); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
