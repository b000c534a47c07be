package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/service/feesetting"
	"escrowflow/internal/service/workflow"
	"escrowflow/pkg/outbox"
)

// OutboxReplayer re-queues outbox events that exhausted their retries.
type OutboxReplayer interface {
	Replay(ctx context.Context, id int64) error
	ReplayFailed(ctx context.Context, limit int) (int64, error)
}

type AdminHandler struct {
	engine *workflow.Engine
	fees   *feesetting.Service
	outbox OutboxReplayer
	logger *zap.Logger
}

func NewAdminHandler(engine *workflow.Engine, fees *feesetting.Service, outbox OutboxReplayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{engine: engine, fees: fees, outbox: outbox, logger: logger}
}

// GET /platform-fee, GET /admin/platform-fee
func (h *AdminHandler) CurrentFee(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	fs, err := h.fees.Current(c.Request.Context(), a)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", fs)
}

type feeRequest struct {
	Percentage decimal.Decimal `json:"platform_fee_percentage"`
}

// PUT /admin/platform-fee
func (h *AdminHandler) UpdateFee(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req feeRequest
	if !bind(c, &req, false) {
		return
	}
	fs, err := h.fees.Update(c.Request.Context(), a, req.Percentage)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "platform fee updated", fs)
}

// ReleaseQueue lists pending company release requests, oldest first.
// GET /admin/release-requests?limit=100
func (h *AdminHandler) ReleaseQueue(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	rs, err := h.engine.ListReleaseRequests(c.Request.Context(), a, limit)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", rs)
}

// POST /admin/disputes/:id/resolve
func (h *AdminHandler) ResolveDispute(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req notesRequest
	if !bind(c, &req, false) {
		return
	}
	d, err := h.engine.ResolveDispute(c.Request.Context(), a, id, req.Notes)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "dispute resolved", d)
}

// POST /admin/disputes/:id/escalate
func (h *AdminHandler) EscalateDispute(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.engine.EscalateDispute(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "dispute escalated", d)
}

// ReplayOutboxEvent re-queues a single failed event.
// POST /admin/outbox/replay?id=xxx
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if err := authz.Check(a, authz.OutboxReplay, authz.Subject{}); err != nil {
		Fail(c, err)
		return
	}
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil || id <= 0 {
		Fail(c, apperror.Validation("id", "must be a positive integer"))
		return
	}
	if err := h.outbox.Replay(c.Request.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			Fail(c, apperror.NotFound("outbox event", id))
			return
		}
		h.logger.Error("Failed to replay event", zap.Int64("event_id", id), zap.Error(err))
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "replayed", gin.H{"event_id": id})
}

// ReplayFailedEvents re-queues up to limit failed events.
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if err := authz.Check(a, authz.OutboxReplay, authz.Subject{}); err != nil {
		Fail(c, err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	n, err := h.outbox.ReplayFailed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "completed", gin.H{"replayed": n, "limit": limit})
}
