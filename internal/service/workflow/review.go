package workflow

import (
	"context"
	"fmt"
	"strings"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
)

type EvidenceInput struct {
	Kind        model.EvidenceKind
	URL         string
	Content     string
	Description string
}

func validateEvidence(items []EvidenceInput, f apperror.FieldErrors) {
	for i, item := range items {
		field := fmt.Sprintf("evidence[%d]", i)
		switch {
		case !item.Kind.Valid():
			f.Add(field+".kind", "must be one of image, video, text")
		case item.Kind == model.EvidenceText && strings.TrimSpace(item.Content) == "":
			f.Add(field+".content", "is required for text evidence")
		case item.Kind != model.EvidenceText && strings.TrimSpace(item.URL) == "":
			f.Add(field+".url", fmt.Sprintf("is required for %s evidence", item.Kind))
		}
	}
}

func (e *Engine) insertEvidence(ctx context.Context, tx repository.Tx, m *model.Milestone, actor authz.Actor, items []EvidenceInput) ([]model.Evidence, error) {
	out := make([]model.Evidence, 0, len(items))
	for _, item := range items {
		ev := &model.Evidence{
			MilestoneID: m.ID,
			Revision:    m.Revision,
			Kind:        item.Kind,
			URL:         strings.TrimSpace(item.URL),
			Content:     item.Content,
			Description: item.Description,
			CreatedBy:   actor.UserID,
		}
		if err := tx.InsertEvidence(ctx, ev); err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if len(out) > 0 {
		if err := tx.AppendEvent(ctx, event(model.EventEvidenceAdded, "milestone", m.ID, m.ProjectID, actor,
			map[string]any{"count": len(out), "revision": m.Revision})); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddEvidence attaches work evidence to a funded or rejected milestone. It
// counts towards the milestone's current revision.
func (e *Engine) AddEvidence(ctx context.Context, actor authz.Actor, milestoneID int64, items []EvidenceInput) (_ []model.Evidence, err error) {
	ctx, done := e.begin(ctx, "milestone.evidence", actor)
	defer done(&err)

	var out []model.Evidence
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, p, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.MilestoneEvidence, subjectOf(p)); err != nil {
			return err
		}
		f := apperror.FieldErrors{}
		if len(items) == 0 {
			f.Add("evidence", "at least one item is required")
		}
		validateEvidence(items, f)
		if err := f.Err(); err != nil {
			return err
		}
		if m.Status != model.MilestoneFunded && m.Status != model.MilestoneRejected {
			return apperror.InvalidTransition("milestone is %s; evidence can only be added while funded or rejected", m.Status)
		}
		out, err = e.insertEvidence(ctx, tx, m, actor, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type SubmitInput struct {
	Notes string
	// Evidence is attached before the submission is checked.
	Evidence []EvidenceInput
}

// SubmitMilestone hands a funded milestone, or a rejected one being revised,
// to the client for review. The current revision needs at least one evidence
// item.
func (e *Engine) SubmitMilestone(ctx context.Context, actor authz.Actor, milestoneID int64, in SubmitInput) (_ *model.Milestone, err error) {
	ctx, done := e.begin(ctx, "milestone.submit", actor)
	defer done(&err)

	var out *model.Milestone
	var from model.MilestoneStatus
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, p, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.MilestoneSubmit, subjectOf(p)); err != nil {
			return err
		}
		f := apperror.FieldErrors{}
		validateEvidence(in.Evidence, f)
		if err := f.Err(); err != nil {
			return err
		}
		switch m.Status {
		case model.MilestoneFunded, model.MilestoneRejected:
		case model.MilestoneSubmitted:
			return apperror.New(apperror.KindConflict, "milestone %d is already submitted", m.ID)
		default:
			return apperror.InvalidTransition("milestone is %s; only funded or rejected milestones can be submitted", m.Status)
		}

		if _, err := e.insertEvidence(ctx, tx, m, actor, in.Evidence); err != nil {
			return err
		}
		n, err := tx.CountEvidence(ctx, m.ID, m.Revision)
		if err != nil {
			return err
		}
		if n == 0 {
			if m.Status == model.MilestoneRejected {
				return apperror.InvalidTransition("milestone was rejected; attach new evidence before resubmitting")
			}
			return apperror.InvalidTransition("milestone has no evidence; attach at least one item before submitting")
		}

		from = m.Status
		m.Status = model.MilestoneSubmitted
		if in.Notes != "" {
			m.CompanyNotes = in.Notes
		}
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		payload := transitionPayload(from, m.Status)
		payload["revision"] = m.Revision
		out = m
		return tx.AppendEvent(ctx, event(model.EventMilestoneSubmitted, "milestone", m.ID, p.ID, actor, payload))
	})
	if err != nil {
		return nil, err
	}
	e.logTransition(ctx, "submit", actor, out, from)
	return out, nil
}

// reviewable guards approve and reject: both need a submitted milestone.
func reviewable(m *model.Milestone, target model.MilestoneStatus, verb string) error {
	switch m.Status {
	case model.MilestoneSubmitted:
		return nil
	case target:
		return apperror.New(apperror.KindConflict, "milestone %d is already %s", m.ID, target)
	}
	return apperror.InvalidTransition("milestone is %s, not submitted; only submitted milestones can be %s", m.Status, verb)
}

func (e *Engine) ApproveMilestone(ctx context.Context, actor authz.Actor, milestoneID int64, notes string) (_ *model.Milestone, err error) {
	ctx, done := e.begin(ctx, "milestone.approve", actor)
	defer done(&err)

	var out *model.Milestone
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, p, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.MilestoneApprove, subjectOf(p)); err != nil {
			return err
		}
		if err := reviewable(m, model.MilestoneApproved, "approved"); err != nil {
			return err
		}
		m.Status = model.MilestoneApproved
		if notes != "" {
			m.ClientNotes = notes
		}
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		out = m
		return tx.AppendEvent(ctx, event(model.EventMilestoneApproved, "milestone", m.ID, p.ID, actor,
			transitionPayload(model.MilestoneSubmitted, m.Status)))
	})
	if err != nil {
		return nil, err
	}
	e.logTransition(ctx, "approve", actor, out, model.MilestoneSubmitted)
	return out, nil
}

type RejectResult struct {
	Milestone model.Milestone
	Dispute   model.Dispute
}

// RejectMilestone sends a submitted milestone back for revision and opens a
// dispute carrying the reason.
func (e *Engine) RejectMilestone(ctx context.Context, actor authz.Actor, milestoneID int64, reason string) (_ *RejectResult, err error) {
	ctx, done := e.begin(ctx, "milestone.reject", actor)
	defer done(&err)

	reason = strings.TrimSpace(reason)
	var out RejectResult
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, p, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.MilestoneReject, subjectOf(p)); err != nil {
			return err
		}
		if reason == "" {
			return apperror.Validation("reason", "a reason is required to reject a milestone")
		}
		if err := reviewable(m, model.MilestoneRejected, "rejected"); err != nil {
			return err
		}
		m.Status = model.MilestoneRejected
		m.ClientNotes = reason
		m.Revision++
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		d, err := e.openDispute(ctx, tx, p, m, actor, reason)
		if err != nil {
			return err
		}
		payload := transitionPayload(model.MilestoneSubmitted, m.Status)
		payload["reason"] = reason
		payload["dispute_id"] = d.ID
		if err := tx.AppendEvent(ctx, event(model.EventMilestoneRejected, "milestone", m.ID, p.ID, actor, payload)); err != nil {
			return err
		}
		out = RejectResult{Milestone: *m, Dispute: *d}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logTransition(ctx, "reject", actor, &out.Milestone, model.MilestoneSubmitted)
	return &out, nil
}

// OpenDispute flags a submitted milestone for admin attention without
// rejecting it. The milestone status is left as is.
func (e *Engine) OpenDispute(ctx context.Context, actor authz.Actor, milestoneID int64, reason string) (_ *model.Dispute, err error) {
	ctx, done := e.begin(ctx, "milestone.dispute", actor)
	defer done(&err)

	reason = strings.TrimSpace(reason)
	var out *model.Dispute
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, p, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.MilestoneDispute, subjectOf(p)); err != nil {
			return err
		}
		if reason == "" {
			return apperror.Validation("reason", "a reason is required to open a dispute")
		}
		if m.Status != model.MilestoneSubmitted {
			return apperror.InvalidTransition("milestone is %s; disputes can only be opened on submitted milestones", m.Status)
		}
		disputes, err := tx.ListDisputes(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, d := range disputes {
			if d.MilestoneID != nil && *d.MilestoneID == m.ID && d.Status != model.DisputeResolved {
				return apperror.New(apperror.KindConflict, "milestone %d already has an active dispute (%d)", m.ID, d.ID)
			}
		}
		// Writing the milestone row makes two racing disputes collide.
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		out, err = e.openDispute(ctx, tx, p, m, actor, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) openDispute(ctx context.Context, tx repository.Tx, p *model.Project, m *model.Milestone, actor authz.Actor, reason string) (*model.Dispute, error) {
	milestoneID := m.ID
	d := &model.Dispute{
		ProjectID:   p.ID,
		MilestoneID: &milestoneID,
		RaisedBy:    actor.UserID,
		Reason:      reason,
		Status:      model.DisputeOpen,
	}
	if err := tx.InsertDispute(ctx, d); err != nil {
		return nil, err
	}
	if p.Status == model.ProjectActive {
		p.Status = model.ProjectDisputed
		if err := tx.UpdateProject(ctx, p); err != nil {
			return nil, err
		}
	}
	if err := tx.AppendEvent(ctx, event(model.EventDisputeOpened, "dispute", d.ID, p.ID, actor,
		map[string]any{"milestone_id": m.ID, "reason": reason})); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) loadDispute(ctx context.Context, tx repository.Tx, actor authz.Actor, disputeID int64) (*model.Dispute, *model.Project, error) {
	d, err := tx.GetDispute(ctx, disputeID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, apperror.NotFound("dispute", disputeID)
		}
		return nil, nil, err
	}
	p, err := loadProject(ctx, tx, d.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if err := authz.Check(actor, authz.DisputeResolve, subjectOf(p)); err != nil {
		return nil, nil, err
	}
	return d, p, nil
}

// ResolveDispute closes an open or escalated dispute. The project returns to
// active when no other dispute is outstanding.
func (e *Engine) ResolveDispute(ctx context.Context, actor authz.Actor, disputeID int64, notes string) (_ *model.Dispute, err error) {
	ctx, done := e.begin(ctx, "dispute.resolve", actor)
	defer done(&err)

	notes = strings.TrimSpace(notes)
	var out *model.Dispute
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		d, p, err := e.loadDispute(ctx, tx, actor, disputeID)
		if err != nil {
			return err
		}
		if notes == "" {
			return apperror.Validation("resolution_notes", "resolution notes are required")
		}
		if d.Status == model.DisputeResolved {
			return apperror.New(apperror.KindAlreadyFinalized, "dispute %d is already resolved", d.ID)
		}
		resolvedBy := actor.UserID
		d.Status = model.DisputeResolved
		d.ResolutionNotes = notes
		d.ResolvedBy = &resolvedBy
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		active, err := tx.CountActiveDisputes(ctx, p.ID)
		if err != nil {
			return err
		}
		if active == 0 && p.Status == model.ProjectDisputed {
			p.Status = model.ProjectActive
			if err := tx.UpdateProject(ctx, p); err != nil {
				return err
			}
		}
		out = d
		return tx.AppendEvent(ctx, event(model.EventDisputeResolved, "dispute", d.ID, p.ID, actor,
			map[string]any{"resolution_notes": notes}))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) EscalateDispute(ctx context.Context, actor authz.Actor, disputeID int64) (_ *model.Dispute, err error) {
	ctx, done := e.begin(ctx, "dispute.escalate", actor)
	defer done(&err)

	var out *model.Dispute
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		d, p, err := e.loadDispute(ctx, tx, actor, disputeID)
		if err != nil {
			return err
		}
		switch d.Status {
		case model.DisputeOpen:
		case model.DisputeEscalated:
			return apperror.New(apperror.KindConflict, "dispute %d is already escalated", d.ID)
		default:
			return apperror.New(apperror.KindAlreadyFinalized, "dispute %d is already resolved", d.ID)
		}
		d.Status = model.DisputeEscalated
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d
		return tx.AppendEvent(ctx, event(model.EventDisputeEscalated, "dispute", d.ID, p.ID, actor, nil))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
