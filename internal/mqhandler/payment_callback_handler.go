package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperror"
	"escrowflow/internal/model"
	"escrowflow/internal/payment"
	"escrowflow/internal/service/workflow"
	"escrowflow/pkg/mq"
)

// PaymentConfirmer applies a gateway outcome to the payment it references.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, c workflow.Confirmation) (*model.Payment, error)
}

type PaymentCallbackHandler struct {
	confirmer PaymentConfirmer
	logger    *zap.Logger
}

func NewPaymentCallbackHandler(confirmer PaymentConfirmer, logger *zap.Logger) *PaymentCallbackHandler {
	return &PaymentCallbackHandler{confirmer: confirmer, logger: logger}
}

// HandlePaymentCallback applies one payment.callback message. Redelivery
// is harmless because settled payments are left unchanged.
//
// Malformed messages and unknown references go to the DLQ; the
// reconciliation job settles any payment whose callback was lost that way.
func (h *PaymentCallbackHandler) HandlePaymentCallback(ctx context.Context, raw json.RawMessage) error {
	var p contractsmq.PaymentCallbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal payment callback payload", zap.Error(err))
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	}

	h.logger.Info("Processing payment callback",
		zap.String("reference", p.Reference),
		zap.String("status", p.Status),
	)

	pay, err := h.confirmer.ConfirmPayment(ctx, workflow.Confirmation{
		Reference: p.Reference,
		Outcome:   payment.Outcome(p.Status),
		Reason:    p.Reason,
	})
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindNotFound:
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	}
	if err != nil {
		h.logger.Error("Failed to apply payment callback", zap.String("reference", p.Reference), zap.Error(err))
		return err
	}

	h.logger.Debug("Payment callback applied",
		zap.Int64("payment_id", pay.ID),
		zap.String("payment_status", string(pay.Status)),
	)
	return nil
}
