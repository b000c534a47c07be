package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/internal/service/workflow"
	"escrowflow/internal/view"
)

type ProjectHandler struct {
	engine *workflow.Engine
	logger *zap.Logger
}

func NewProjectHandler(engine *workflow.Engine, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{engine: engine, logger: logger}
}

type createProjectRequest struct {
	ConsultationID int64           `json:"consultation_id"`
	CompanyID      int64           `json:"company_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Location       string          `json:"location"`
	BudgetMin      decimal.Decimal `json:"budget_min"`
	BudgetMax      decimal.Decimal `json:"budget_max"`
}

// Create opens a draft project from an accepted consultation.
// POST /projects
func (h *ProjectHandler) Create(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req createProjectRequest
	if !bind(c, &req, false) {
		return
	}
	p, err := h.engine.CreateProject(c.Request.Context(), a, workflow.CreateProjectInput{
		ConsultationID: req.ConsultationID,
		CompanyID:      req.CompanyID,
		Title:          req.Title,
		Description:    req.Description,
		Location:       req.Location,
		BudgetMin:      req.BudgetMin,
		BudgetMax:      req.BudgetMax,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "project created", p)
}

// GET /projects/:id
func (h *ProjectHandler) Get(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := h.engine.GetProject(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", p)
}

type milestoneRequest struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	SequenceOrder int             `json:"sequence_order"`
}

type createMilestonesRequest struct {
	Milestones []milestoneRequest `json:"milestones"`
}

// CreateMilestones defines the whole milestone plan in one batch.
// POST /projects/:id/milestones
func (h *ProjectHandler) CreateMilestones(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req createMilestonesRequest
	if !bind(c, &req, false) {
		return
	}
	in := make([]workflow.MilestoneInput, len(req.Milestones))
	for i, m := range req.Milestones {
		in[i] = workflow.MilestoneInput{
			Title:         m.Title,
			Description:   m.Description,
			Amount:        m.Amount,
			SequenceOrder: m.SequenceOrder,
		}
	}
	ms, err := h.engine.CreateMilestones(c.Request.Context(), a, id, in)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "milestones created", view.NewMilestones(ms))
}

// GET /projects/:id/milestones
func (h *ProjectHandler) ListMilestones(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ms, err := h.engine.ListMilestones(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", view.NewMilestones(ms))
}

// GET /projects/:id/transactions
func (h *ProjectHandler) ListTransactions(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	txs, err := h.engine.ListTransactions(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", view.NewTransactions(txs, a.Role))
}

// GET /projects/:id/disputes
func (h *ProjectHandler) ListDisputes(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ds, err := h.engine.ListDisputes(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", ds)
}
