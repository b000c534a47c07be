package workflow

import (
	"context"
	"errors"
	"strings"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/payment"
	"escrowflow/internal/repository"
)

// RequestRelease queues an approved milestone's escrow for admin payout.
func (e *Engine) RequestRelease(ctx context.Context, actor authz.Actor, milestoneID int64, accountID string) (_ *model.ReleaseRequest, err error) {
	ctx, done := e.begin(ctx, "escrow.request_release", actor)
	defer done(&err)

	var out *model.ReleaseRequest
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, p, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.EscrowRequestRelease, subjectOf(p)); err != nil {
			return err
		}
		esc, err := loadEscrow(ctx, tx, m)
		if err != nil {
			return err
		}
		if esc.Status.Terminal() {
			return apperror.New(apperror.KindAlreadyFinalized, "escrow %d is already %s", esc.ID, esc.Status)
		}
		if m.Status != model.MilestoneApproved {
			return apperror.InvalidTransition("milestone is %s, not approved; release can be requested once the client approves it", m.Status)
		}
		if existing, err := tx.FindPendingReleaseRequest(ctx, esc.ID); err == nil {
			return apperror.New(apperror.KindDuplicatePending, "release request %d is already pending for escrow %d", existing.ID, esc.ID)
		} else if !isNotFound(err) {
			return err
		}

		req := &model.ReleaseRequest{
			EscrowID:    esc.ID,
			MilestoneID: m.ID,
			ProjectID:   p.ID,
			RequestedBy: actor.UserID,
			AccountID:   strings.TrimSpace(accountID),
			Status:      model.ReleaseRequestPending,
		}
		if err := tx.InsertReleaseRequest(ctx, req); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return apperror.Wrap(apperror.KindDuplicatePending, err, "a release request is already pending for escrow %d", esc.ID)
			}
			return err
		}
		out = req
		return tx.AppendEvent(ctx, event(model.EventReleaseRequested, "escrow", esc.ID, p.ID, actor,
			map[string]any{"release_request_id": req.ID, "account_id": req.AccountID}))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListReleaseRequests returns the admin payout queue, oldest first.
func (e *Engine) ListReleaseRequests(ctx context.Context, actor authz.Actor, limit int) (_ []model.ReleaseRequest, err error) {
	ctx, done := e.begin(ctx, "release.queue", actor)
	defer done(&err)

	if err := authz.Check(actor, authz.ReleaseQueue, authz.Subject{}); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.store.ListPendingReleaseRequests(ctx, limit)
}

type ReleaseInput struct {
	// Override releases regardless of the milestone's review status.
	Override         bool
	RecipientAccount string
}

type RefundInput struct {
	Reason string
	// AccountID is where the client wants the money; empty means the
	// original payment source.
	AccountID string
}

// SettlementResult is the state after a release or refund attempt. Payment
// may still be open when the gateway settles asynchronously.
type SettlementResult struct {
	Payment model.Payment
	Escrow  model.Escrow
}

// ReleaseEscrow pays the escrow's net amount out to the company.
func (e *Engine) ReleaseEscrow(ctx context.Context, actor authz.Actor, milestoneID int64, in ReleaseInput) (_ *SettlementResult, err error) {
	ctx, done := e.begin(ctx, "escrow.release", actor)
	defer done(&err)

	var p model.Payment
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, proj, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.EscrowRelease, subjectOf(proj)); err != nil {
			return err
		}
		esc, err := loadEscrow(ctx, tx, m)
		if err != nil {
			return err
		}
		if err := operable(esc); err != nil {
			return err
		}
		if !in.Override && m.Status != model.MilestoneApproved {
			return apperror.InvalidTransition("milestone is %s, not approved; use override to release anyway", m.Status)
		}

		account := strings.TrimSpace(in.RecipientAccount)
		if account == "" {
			req, err := tx.FindPendingReleaseRequest(ctx, esc.ID)
			switch {
			case err == nil:
				account = req.AccountID
			case !isNotFound(err):
				return err
			}
		}
		if account == "" {
			return apperror.Validation("recipient_account", "a recipient account is required when the company has not supplied one")
		}

		esc.PendingOperation = model.PaymentRelease
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		escrowID := esc.ID
		p = model.Payment{
			ProjectID:      proj.ID,
			MilestoneID:    m.ID,
			EscrowID:       &escrowID,
			Kind:           model.PaymentRelease,
			Amount:         esc.NetAmount,
			Currency:       e.cfg.Currency,
			IdempotencyKey: e.newKey(),
			Status:         model.PaymentIntent,
			Override:       in.Override,
			AccountID:      account,
			FeeSettingID:   esc.FeeSettingID,
			FeePercentage:  esc.PlatformFeePercentage,
			InitiatedBy:    actor.UserID,
		}
		if err := tx.InsertPayment(ctx, &p); err != nil {
			return err
		}
		events := []model.Event{event(model.EventReleaseInitiated, "escrow", esc.ID, proj.ID, actor,
			map[string]any{"payment_id": p.ID, "net_amount": esc.NetAmount, "override": in.Override})}
		if in.Override {
			events = append(events, event(model.EventAdminOverrideRelease, "escrow", esc.ID, proj.ID, actor,
				map[string]any{"payment_id": p.ID, "milestone_status": m.Status}))
		}
		return appendEvents(ctx, tx, events...)
	})
	if err != nil {
		return nil, err
	}
	return e.transfer(ctx, &p, "release")
}

// RefundEscrow returns the escrow's full amount to the client.
func (e *Engine) RefundEscrow(ctx context.Context, actor authz.Actor, milestoneID int64, in RefundInput) (_ *SettlementResult, err error) {
	ctx, done := e.begin(ctx, "escrow.refund", actor)
	defer done(&err)

	reason := strings.TrimSpace(in.Reason)
	var p model.Payment
	err = e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, proj, err := loadMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.EscrowRefund, subjectOf(proj)); err != nil {
			return err
		}
		if reason == "" {
			return apperror.Validation("reason", "a reason is required to refund an escrow")
		}
		esc, err := loadEscrow(ctx, tx, m)
		if err != nil {
			return err
		}
		if err := operable(esc); err != nil {
			return err
		}

		esc.PendingOperation = model.PaymentRefund
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		escrowID := esc.ID
		p = model.Payment{
			ProjectID:      proj.ID,
			MilestoneID:    m.ID,
			EscrowID:       &escrowID,
			Kind:           model.PaymentRefund,
			Amount:         esc.Amount,
			Currency:       e.cfg.Currency,
			IdempotencyKey: e.newKey(),
			Status:         model.PaymentIntent,
			AccountID:      strings.TrimSpace(in.AccountID),
			Reason:         reason,
			FeeSettingID:   esc.FeeSettingID,
			FeePercentage:  esc.PlatformFeePercentage,
			InitiatedBy:    actor.UserID,
		}
		if err := tx.InsertPayment(ctx, &p); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event(model.EventRefundInitiated, "escrow", esc.ID, proj.ID, actor,
			map[string]any{"payment_id": p.ID, "amount": esc.Amount, "reason": reason}))
	})
	if err != nil {
		return nil, err
	}
	return e.transfer(ctx, &p, "refund")
}

// operable rejects escrows that are finalized or already mid-operation.
func operable(esc *model.Escrow) error {
	if esc.Status.Terminal() {
		return apperror.New(apperror.KindAlreadyFinalized, "escrow %d is already %s", esc.ID, esc.Status)
	}
	if esc.PendingOperation != "" {
		return apperror.New(apperror.KindConflict, "a %s of escrow %d is already in progress", esc.PendingOperation, esc.ID)
	}
	return nil
}

// transfer calls the gateway for a persisted release or refund intent and
// records what came back.
func (e *Engine) transfer(ctx context.Context, p *model.Payment, op string) (*SettlementResult, error) {
	result, callErr := e.gateway.Transfer(ctx, payment.TransferRequest{
		Amount:         p.Amount,
		Currency:       p.Currency,
		AccountID:      p.AccountID,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       paymentMetadata(p),
	})

	ctx = context.WithoutCancel(ctx)
	var out SettlementResult
	err := e.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.Status == model.PaymentIntent {
			switch {
			case callErr == nil:
				cur.Reference = result.Reference
				switch result.Outcome {
				case payment.OutcomeSuccess:
					err = e.settleSuccess(ctx, tx, cur)
				case payment.OutcomeFailed:
					err = e.settleFailure(ctx, tx, cur, "declined by gateway")
				default:
					cur.Status = model.PaymentAwaitingCallback
					err = tx.UpdatePayment(ctx, cur)
				}
			case payment.IsDefinitive(callErr):
				err = e.settleFailure(ctx, tx, cur, callErr.Error())
			default:
				cur.Status = model.PaymentPendingConfirmation
				cur.LastError = callErr.Error()
				err = tx.UpdatePayment(ctx, cur)
			}
			if err != nil {
				return err
			}
		}
		esc, err := tx.GetEscrow(ctx, *cur.EscrowID)
		if err != nil {
			return err
		}
		out = SettlementResult{Payment: *cur, Escrow: *esc}
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch {
	case callErr != nil:
		return nil, gatewayError(callErr, op)
	case result.Outcome == payment.OutcomeFailed:
		return nil, apperror.New(apperror.KindGatewayUnavailable, "payment gateway declined the %s; the escrow is still held", op)
	}
	return &out, nil
}
