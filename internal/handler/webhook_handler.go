package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperror"
	"escrowflow/internal/model"
	"escrowflow/internal/payment"
	"escrowflow/internal/service/workflow"
	"escrowflow/pkg/util"
)

const (
	SignatureHeader = "X-Signature"
	webhookScope    = "payment_webhook"
	maxWebhookBody  = 64 << 10
)

// PaymentConfirmer applies a gateway outcome to the payment it references.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, c workflow.Confirmation) (*model.Payment, error)
}

type WebhookHandler struct {
	confirmer PaymentConfirmer
	secret    []byte
	dedup     *util.Deduper
	logger    *zap.Logger
}

// NewWebhookHandler builds the gateway callback endpoint. dedup may be nil.
func NewWebhookHandler(confirmer PaymentConfirmer, secret string, dedup *util.Deduper, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{confirmer: confirmer, secret: []byte(secret), dedup: dedup, logger: logger}
}

// Sign returns the hex HMAC-SHA256 of body under secret, as expected in
// the X-Signature header.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// PaymentCallback receives gateway outcomes.
// POST /payments/webhook
func (h *WebhookHandler) PaymentCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		Fail(c, apperror.Validation("body", "unreadable body"))
		return
	}
	got, err := hex.DecodeString(c.GetHeader(SignatureHeader))
	want, _ := hex.DecodeString(Sign(h.secret, body))
	if err != nil || !hmac.Equal(got, want) {
		h.logger.Warn("Rejected webhook with bad signature", zap.String("remote", c.ClientIP()))
		Fail(c, apperror.New(apperror.KindUnauthenticated, "invalid signature"))
		return
	}

	var msg contractsmq.PaymentCallbackPayload
	if err := json.Unmarshal(body, &msg); err != nil {
		Fail(c, apperror.Validation("body", "invalid json"))
		return
	}

	ctx := c.Request.Context()
	key := msg.Reference + ":" + msg.Status
	if !h.dedup.AcquireOnce(ctx, webhookScope, key) {
		respond(c, http.StatusOK, "duplicate ignored", nil)
		return
	}

	p, err := h.confirmer.ConfirmPayment(ctx, workflow.Confirmation{
		Reference: msg.Reference,
		Outcome:   payment.Outcome(msg.Status),
		Reason:    msg.Reason,
	})
	if err != nil {
		h.dedup.Release(ctx, webhookScope, key)
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "payment updated", gin.H{"reference": p.Reference, "status": p.Status})
}
