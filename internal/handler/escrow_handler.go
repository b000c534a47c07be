package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/authz"
	"escrowflow/internal/service/workflow"
	"escrowflow/internal/view"
)

type EscrowHandler struct {
	engine *workflow.Engine
	logger *zap.Logger
}

func NewEscrowHandler(engine *workflow.Engine, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{engine: engine, logger: logger}
}

// GET /escrow/milestones/:id
func (h *EscrowHandler) Get(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	esc, err := h.engine.GetEscrow(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", view.NewEscrow(esc, a.Role))
}

type releaseRequest struct {
	Override         bool   `json:"override"`
	RecipientAccount string `json:"recipient_account"`
	AccountID        string `json:"account_id"`
}

// Release executes the transfer for admins and queues a release request
// for companies. Other roles get the engine's authorization error.
// POST /escrow/milestones/:id/release
func (h *EscrowHandler) Release(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req releaseRequest
	if !bind(c, &req, true) {
		return
	}

	if a.Role == authz.RoleCompany {
		rr, err := h.engine.RequestRelease(c.Request.Context(), a, id, req.AccountID)
		if err != nil {
			Fail(c, err)
			return
		}
		respond(c, http.StatusAccepted, "release requested", rr)
		return
	}

	res, err := h.engine.ReleaseEscrow(c.Request.Context(), a, id, workflow.ReleaseInput{
		Override:         req.Override,
		RecipientAccount: req.RecipientAccount,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, settlementStatus(res), "release processed", view.NewSettlement(res, a.Role))
}

type refundRequest struct {
	Reason    string `json:"reason"`
	AccountID string `json:"account_id"`
}

// POST /escrow/milestones/:id/refund
func (h *EscrowHandler) Refund(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req refundRequest
	if !bind(c, &req, true) {
		return
	}
	res, err := h.engine.RefundEscrow(c.Request.Context(), a, id, workflow.RefundInput{
		Reason:    req.Reason,
		AccountID: req.AccountID,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, settlementStatus(res), "refund processed", view.NewSettlement(res, a.Role))
}

// settlementStatus is 202 while the gateway has not yet settled the transfer.
func settlementStatus(res *workflow.SettlementResult) int {
	if res.Escrow.PendingOperation != "" {
		return http.StatusAccepted
	}
	return http.StatusOK
}
