package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/model"
	"escrowflow/internal/service/workflow"
	"escrowflow/internal/view"
)

type MilestoneHandler struct {
	engine *workflow.Engine
	logger *zap.Logger
}

func NewMilestoneHandler(engine *workflow.Engine, logger *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{engine: engine, logger: logger}
}

type evidenceRequest struct {
	Kind        model.EvidenceKind `json:"kind"`
	URL         string             `json:"url"`
	Content     string             `json:"content"`
	Description string             `json:"description"`
}

func toEvidence(items []evidenceRequest) []workflow.EvidenceInput {
	out := make([]workflow.EvidenceInput, len(items))
	for i, e := range items {
		out[i] = workflow.EvidenceInput{Kind: e.Kind, URL: e.URL, Content: e.Content, Description: e.Description}
	}
	return out
}

// GET /milestones/:id
func (h *MilestoneHandler) Get(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.engine.GetMilestone(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", view.NewMilestoneDetail(d, a.Role))
}

// POST /milestones/:id/verify
func (h *MilestoneHandler) Verify(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	m, err := h.engine.VerifyMilestone(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "milestone verified", view.NewMilestone(*m))
}

type fundResponse struct {
	Payment    view.Payment `json:"payment"`
	PaymentURL string       `json:"payment_url"`
	Reference  string       `json:"reference"`
}

// Fund starts a payment for the milestone. The escrow exists only once
// the gateway confirms.
// POST /milestones/:id/fund
func (h *MilestoneHandler) Fund(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.engine.FundMilestone(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, "payment initiated", fundResponse{
		Payment:    view.NewPayment(&res.Payment, a.Role),
		PaymentURL: res.PaymentURL,
		Reference:  res.Reference,
	})
}

type evidenceBatchRequest struct {
	Evidence []evidenceRequest `json:"evidence"`
}

// POST /milestones/:id/evidence
func (h *MilestoneHandler) AddEvidence(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req evidenceBatchRequest
	if !bind(c, &req, false) {
		return
	}
	ev, err := h.engine.AddEvidence(c.Request.Context(), a, id, toEvidence(req.Evidence))
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "evidence added", ev)
}

type submitRequest struct {
	Notes    string            `json:"notes"`
	Evidence []evidenceRequest `json:"evidence"`
}

// POST /milestones/:id/submit
func (h *MilestoneHandler) Submit(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req submitRequest
	if !bind(c, &req, true) {
		return
	}
	m, err := h.engine.SubmitMilestone(c.Request.Context(), a, id, workflow.SubmitInput{
		Notes:    req.Notes,
		Evidence: toEvidence(req.Evidence),
	})
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "milestone submitted", view.NewMilestone(*m))
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// POST /milestones/:id/approve
func (h *MilestoneHandler) Approve(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req notesRequest
	if !bind(c, &req, true) {
		return
	}
	m, err := h.engine.ApproveMilestone(c.Request.Context(), a, id, req.Notes)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "milestone approved", view.NewMilestone(*m))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type rejectResponse struct {
	Milestone view.Milestone `json:"milestone"`
	Dispute   model.Dispute  `json:"dispute"`
}

// POST /milestones/:id/reject
func (h *MilestoneHandler) Reject(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !bind(c, &req, true) {
		return
	}
	res, err := h.engine.RejectMilestone(c.Request.Context(), a, id, req.Reason)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "milestone rejected", rejectResponse{
		Milestone: view.NewMilestone(res.Milestone),
		Dispute:   res.Dispute,
	})
}

// POST /milestones/:id/dispute
func (h *MilestoneHandler) Dispute(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !bind(c, &req, true) {
		return
	}
	d, err := h.engine.OpenDispute(c.Request.Context(), a, id, req.Reason)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "dispute opened", d)
}
