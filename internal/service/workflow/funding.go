package workflow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/fee"
	"escrowflow/internal/model"
	"escrowflow/internal/payment"
	"escrowflow/internal/repository"
	"escrowflow/pkg/logger"
)

// FundResult carries the hosted payment page the client is sent to.
type FundResult struct {
	Payment    model.Payment
	PaymentURL string
	Reference  string
}

// FundMilestone opens a payment session for a verified pending milestone.
// The milestone stays pending until the gateway confirms the payment.
func (e *Engine) FundMilestone(ctx context.Context, actor authz.Actor, milestoneID int64) (_ *FundResult, err error) {
	ctx, done := e.begin(ctx, "milestone.fund", actor)
	defer done(&err)

	var p model.Payment
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, proj, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.MilestoneFund, subjectOf(proj)); err != nil {
			return err
		}
		if proj.Status == model.ProjectCompleted || proj.Status == model.ProjectCancelled {
			return apperror.InvalidTransition("project is %s; no further milestones can be funded", proj.Status)
		}
		switch m.Status {
		case model.MilestonePending:
		case model.MilestoneFunded:
			return apperror.New(apperror.KindConflict, "milestone %d is already funded", m.ID)
		default:
			return apperror.InvalidTransition("milestone is %s; only pending milestones can be funded", m.Status)
		}
		if m.VerifiedAt == nil {
			return apperror.InvalidTransition("milestone %d has not been verified by the client; verify it before funding", m.ID)
		}
		if _, err := tx.FindOpenPayment(ctx, m.ID, model.PaymentFund); err == nil {
			return apperror.New(apperror.KindConflict, "a payment for milestone %d is already in progress", m.ID)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		setting, err := e.currentFee(ctx, tx)
		if err != nil {
			return err
		}
		p = model.Payment{
			ProjectID:      proj.ID,
			MilestoneID:    m.ID,
			Kind:           model.PaymentFund,
			Amount:         m.Amount,
			Currency:       e.cfg.Currency,
			IdempotencyKey: e.newKey(),
			Status:         model.PaymentIntent,
			FeeSettingID:   setting.ID,
			FeePercentage:  setting.Percentage,
			InitiatedBy:    actor.UserID,
		}
		if err := tx.InsertPayment(ctx, &p); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event(model.EventFundInitiated, "milestone", m.ID, proj.ID, actor,
			map[string]any{"payment_id": p.ID, "amount": p.Amount, "fee_percentage": p.FeePercentage}))
	})
	if err != nil {
		return nil, err
	}

	session, callErr := e.gateway.Initiate(ctx, payment.InitiateRequest{
		Amount:         p.Amount,
		Currency:       p.Currency,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       paymentMetadata(&p),
	})

	// The outcome is recorded even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	var out model.Payment
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.Status != model.PaymentIntent {
			out = *cur
			return nil
		}
		switch {
		case callErr == nil:
			cur.Reference = session.Reference
			cur.PaymentURL = session.PaymentURL
			cur.Status = model.PaymentAwaitingCallback
		case payment.IsDefinitive(callErr):
			cur.Status = model.PaymentFailed
			cur.LastError = callErr.Error()
			if err := tx.AppendEvent(ctx, event(model.EventPaymentFailed, "payment", cur.ID, cur.ProjectID, actor,
				map[string]any{"kind": cur.Kind, "error": cur.LastError})); err != nil {
				return err
			}
		default:
			cur.Status = model.PaymentPendingConfirmation
			cur.LastError = callErr.Error()
		}
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}
		out = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, gatewayError(callErr, "fund")
	}
	return &FundResult{Payment: out, PaymentURL: out.PaymentURL, Reference: out.Reference}, nil
}

// currentFee reads the fee version in effect, seeding the default when the
// table is empty.
func (e *Engine) currentFee(ctx context.Context, tx repository.Tx) (*model.FeeSetting, error) {
	setting, err := tx.CurrentFeeSetting(ctx)
	if err == nil {
		return setting, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	setting = &model.FeeSetting{Percentage: e.cfg.DefaultFeePercentage}
	if err := tx.InsertFeeSetting(ctx, setting); err != nil {
		return nil, err
	}
	return setting, nil
}

func paymentMetadata(p *model.Payment) map[string]string {
	return map[string]string{
		"payment_id":   strconv.FormatInt(p.ID, 10),
		"milestone_id": strconv.FormatInt(p.MilestoneID, 10),
		"project_id":   strconv.FormatInt(p.ProjectID, 10),
		"kind":         string(p.Kind),
	}
}

func gatewayError(err error, op string) error {
	if payment.IsDefinitive(err) {
		return apperror.Wrap(apperror.KindGatewayUnavailable, err, "payment gateway could not %s; nothing was applied, retry later", op)
	}
	return apperror.Wrap(apperror.KindGatewayUnavailable, err, "payment gateway outcome unknown for %s; it will be reconciled", op)
}

// Confirmation is a gateway report on a payment.
type Confirmation struct {
	Reference string
	Outcome   payment.Outcome
	Reason    string
}

// ConfirmPayment applies a gateway callback. A reference that was already
// settled is returned unchanged, so repeated deliveries are harmless.
func (e *Engine) ConfirmPayment(ctx context.Context, c Confirmation) (_ *model.Payment, err error) {
	ctx, done := e.begin(ctx, "payment.confirm", systemActor)
	defer done(&err)

	f := apperror.FieldErrors{}
	if strings.TrimSpace(c.Reference) == "" {
		f.Add("reference", "is required")
	}
	if _, ok := payment.ParseOutcome(string(c.Outcome)); !ok {
		f.Add("status", "must be one of success, failed, pending")
	}
	if err := f.Err(); err != nil {
		return nil, err
	}

	var out model.Payment
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetPaymentByReference(ctx, c.Reference)
		if errors.Is(err, repository.ErrNotFound) {
			return apperror.New(apperror.KindNotFound, "no payment with reference %q", c.Reference)
		}
		if err != nil {
			return err
		}
		if err := e.applyOutcome(ctx, tx, p, c.Outcome, c.Reason); err != nil {
			return err
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolvePayment settles a payment by id. The reconciliation job uses it for
// payments whose reference may never have been recorded.
func (e *Engine) ResolvePayment(ctx context.Context, paymentID int64, outcome payment.Outcome, reference, reason string) (_ *model.Payment, err error) {
	ctx, done := e.begin(ctx, "payment.resolve", systemActor)
	defer done(&err)

	var out model.Payment
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperror.NotFound("payment", paymentID)
		}
		if err != nil {
			return err
		}
		if p.Reference == "" && reference != "" && p.Status.Open() {
			p.Reference = reference
		}
		if err := e.applyOutcome(ctx, tx, p, outcome, reason); err != nil {
			return err
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// applyOutcome is a no-op for settled payments and for pending outcomes.
func (e *Engine) applyOutcome(ctx context.Context, tx repository.Tx, p *model.Payment, outcome payment.Outcome, reason string) error {
	if !p.Status.Open() {
		if (outcome == payment.OutcomeSuccess) != (p.Status == model.PaymentConfirmed) && outcome != payment.OutcomePending {
			logger.WithTrace(ctx, e.logger).Warn("Payment outcome disagrees with settled status",
				zap.Int64("payment_id", p.ID),
				zap.String("status", string(p.Status)),
				zap.String("outcome", string(outcome)),
			)
		}
		return nil
	}
	switch outcome {
	case payment.OutcomeSuccess:
		return e.settleSuccess(ctx, tx, p)
	case payment.OutcomeFailed:
		return e.settleFailure(ctx, tx, p, reason)
	}
	if p.Status == model.PaymentIntent {
		p.Status = model.PaymentAwaitingCallback
		return tx.UpdatePayment(ctx, p)
	}
	return nil
}

func (e *Engine) settleSuccess(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	now := e.now()
	m, proj, err := loadMilestone(ctx, tx, p.MilestoneID)
	if err != nil {
		return err
	}

	switch p.Kind {
	case model.PaymentFund:
		b := fee.Compute(p.Amount, p.FeePercentage)
		esc := &model.Escrow{
			MilestoneID:           m.ID,
			ProjectID:             proj.ID,
			Amount:                b.Amount,
			PlatformFee:           b.Fee,
			PlatformFeePercentage: b.Percentage,
			NetAmount:             b.Net,
			FeeSettingID:          p.FeeSettingID,
			Status:                model.EscrowHeld,
		}
		if err := tx.InsertEscrow(ctx, esc); err != nil {
			return err
		}
		from := m.Status
		m.Status = model.MilestoneFunded
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		p.EscrowID = &esc.ID
		if err := e.confirm(ctx, tx, p, esc, model.TxEscrowHold); err != nil {
			return err
		}
		payload := transitionPayload(from, m.Status)
		payload["escrow_id"] = esc.ID
		payload["platform_fee"] = esc.PlatformFee
		payload["net_amount"] = esc.NetAmount
		if err := tx.AppendEvent(ctx, event(model.EventMilestoneFunded, "milestone", m.ID, proj.ID, systemActor, payload)); err != nil {
			return err
		}
		e.logTransition(ctx, "fund", systemActor, m, from)
		return nil

	case model.PaymentRelease:
		esc, err := e.lockedEscrow(ctx, tx, p)
		if err != nil {
			return err
		}
		esc.Status = model.EscrowReleased
		esc.PendingOperation = ""
		esc.FinalizedAt = &now
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		if err := e.confirm(ctx, tx, p, esc, model.TxEscrowRelease); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ProjectID:   esc.ProjectID,
			MilestoneID: esc.MilestoneID,
			EscrowID:    esc.ID,
			PaymentID:   p.ID,
			Type:        model.TxPlatformFee,
			Amount:      esc.PlatformFee,
			Reference:   p.Reference,
		}); err != nil {
			return err
		}
		if err := processReleaseRequest(ctx, tx, esc.ID, now); err != nil {
			return err
		}
		from := m.Status
		m.Status = model.MilestoneReleased
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, event(model.EventEscrowReleased, "escrow", esc.ID, esc.ProjectID, systemActor,
			map[string]any{
				"payment_id":   p.ID,
				"net_amount":   esc.NetAmount,
				"platform_fee": esc.PlatformFee,
				"override":     p.Override,
				"account_id":   p.AccountID,
			})); err != nil {
			return err
		}
		e.logTransition(ctx, "release", systemActor, m, from)
		if err := e.closeMilestoneDisputes(ctx, tx, proj, m.ID, p.InitiatedBy); err != nil {
			return err
		}
		return e.completeIfReleased(ctx, tx, proj)

	case model.PaymentRefund:
		esc, err := e.lockedEscrow(ctx, tx, p)
		if err != nil {
			return err
		}
		esc.Status = model.EscrowRefunded
		esc.PendingOperation = ""
		esc.FinalizedAt = &now
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		if err := e.confirm(ctx, tx, p, esc, model.TxEscrowRefund); err != nil {
			return err
		}
		if err := processReleaseRequest(ctx, tx, esc.ID, now); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event(model.EventEscrowRefunded, "escrow", esc.ID, esc.ProjectID, systemActor,
			map[string]any{"payment_id": p.ID, "amount": esc.Amount, "reason": p.Reason}))
	}
	return apperror.New(apperror.KindInternal, "unknown payment kind %q", p.Kind)
}

// confirm marks p confirmed and books its ledger transaction. Releases
// book the net amount; holds and refunds book the full amount.
func (e *Engine) confirm(ctx context.Context, tx repository.Tx, p *model.Payment, esc *model.Escrow, t model.TransactionType) error {
	p.Status = model.PaymentConfirmed
	p.LastError = ""
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}
	tr := &model.Transaction{
		ProjectID:   esc.ProjectID,
		MilestoneID: esc.MilestoneID,
		EscrowID:    esc.ID,
		PaymentID:   p.ID,
		Type:        t,
		Reference:   p.Reference,
	}
	switch t {
	case model.TxEscrowRelease:
		tr.Amount = esc.NetAmount
	default:
		tr.Amount = esc.Amount
	}
	return tx.InsertTransaction(ctx, tr)
}

func (e *Engine) settleFailure(ctx context.Context, tx repository.Tx, p *model.Payment, reason string) error {
	if p.Kind != model.PaymentFund {
		esc, err := e.lockedEscrow(ctx, tx, p)
		if err != nil {
			return err
		}
		esc.PendingOperation = ""
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
	}
	p.Status = model.PaymentFailed
	if reason != "" {
		p.LastError = reason
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, event(model.EventPaymentFailed, "payment", p.ID, p.ProjectID, systemActor,
		map[string]any{"kind": p.Kind, "reason": reason}))
}

// lockedEscrow loads the escrow a release or refund payment operates on.
func (e *Engine) lockedEscrow(ctx context.Context, tx repository.Tx, p *model.Payment) (*model.Escrow, error) {
	if p.EscrowID == nil {
		return nil, apperror.New(apperror.KindInternal, "%s payment %d has no escrow", p.Kind, p.ID)
	}
	esc, err := tx.GetEscrow(ctx, *p.EscrowID)
	if err != nil {
		return nil, err
	}
	if esc.PendingOperation != p.Kind {
		return nil, apperror.New(apperror.KindInternal, "escrow %d is not locked for %s", esc.ID, p.Kind)
	}
	return esc, nil
}

// processReleaseRequest takes the escrow's queued release request, if any,
// off the admin queue once the escrow is finalized either way.
func processReleaseRequest(ctx context.Context, tx repository.Tx, escrowID int64, at time.Time) error {
	req, err := tx.FindPendingReleaseRequest(ctx, escrowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.MarkReleaseRequestProcessed(ctx, req.ID, at)
}

// closeMilestoneDisputes resolves the disputes still active on a milestone
// whose escrow was paid out, and returns a disputed project to active when
// none remain.
func (e *Engine) closeMilestoneDisputes(ctx context.Context, tx repository.Tx, proj *model.Project, milestoneID, by int64) error {
	disputes, err := tx.ListDisputes(ctx, proj.ID)
	if err != nil {
		return err
	}
	for i := range disputes {
		d := &disputes[i]
		if d.MilestoneID == nil || *d.MilestoneID != milestoneID || d.Status == model.DisputeResolved {
			continue
		}
		resolvedBy := by
		d.Status = model.DisputeResolved
		d.ResolutionNotes = "escrow released"
		d.ResolvedBy = &resolvedBy
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, event(model.EventDisputeResolved, "dispute", d.ID, proj.ID, systemActor,
			map[string]any{"resolution_notes": d.ResolutionNotes, "milestone_id": milestoneID})); err != nil {
			return err
		}
	}
	if proj.Status != model.ProjectDisputed {
		return nil
	}
	active, err := tx.CountActiveDisputes(ctx, proj.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}
	proj.Status = model.ProjectActive
	return tx.UpdateProject(ctx, proj)
}

// completeIfReleased moves the project to completed once every milestone has
// been paid out.
func (e *Engine) completeIfReleased(ctx context.Context, tx repository.Tx, proj *model.Project) error {
	milestones, err := tx.ListMilestones(ctx, proj.ID)
	if err != nil {
		return err
	}
	if len(milestones) == 0 {
		return nil
	}
	for _, m := range milestones {
		if m.Status != model.MilestoneReleased {
			return nil
		}
	}
	proj.Status = model.ProjectCompleted
	if err := tx.UpdateProject(ctx, proj); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, event(model.EventProjectCompleted, "project", proj.ID, proj.ID, systemActor, nil))
}
