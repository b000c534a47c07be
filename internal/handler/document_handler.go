package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/service/documents"
)

type DocumentHandler struct {
	docs   *documents.Service
	logger *zap.Logger
}

func NewDocumentHandler(docs *documents.Service, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, logger: logger}
}

type updateRequestBody struct {
	DocumentType    model.DocumentType `json:"document_type"`
	ExtraDocumentID *int64             `json:"extra_document_id"`
	Reason          string             `json:"reason"`
}

// RequestUpdate asks the client for permission to overwrite a document.
// POST /projects/:id/document-update-requests
func (h *DocumentHandler) RequestUpdate(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateRequestBody
	if !bind(c, &req, false) {
		return
	}
	r, err := h.docs.RequestUpdate(c.Request.Context(), a, id, documents.RequestInput{
		DocumentType:    req.DocumentType,
		ExtraDocumentID: req.ExtraDocumentID,
		Reason:          req.Reason,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "update request created", r)
}

// GET /projects/:id/document-update-requests
func (h *DocumentHandler) ListRequests(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rs, err := h.docs.ListRequests(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", rs)
}

// POST /document-update-requests/:id/grant
func (h *DocumentHandler) Grant(c *gin.Context) {
	h.resolve(c, h.docs.Grant, "request granted")
}

// POST /document-update-requests/:id/deny
func (h *DocumentHandler) Deny(c *gin.Context) {
	h.resolve(c, h.docs.Deny, "request denied")
}

type resolveFunc func(ctx context.Context, actor authz.Actor, requestID int64) (*model.DocumentUpdateRequest, error)

func (h *DocumentHandler) resolve(c *gin.Context, fn resolveFunc, msg string) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := fn(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, msg, r)
}

type documentBody struct {
	URL string `json:"url"`
}

// SetDocument fills a fixed slot. Overwriting a set slot consumes a
// granted update request.
// PUT /projects/:id/documents/:type
func (h *DocumentHandler) SetDocument(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req documentBody
	if !bind(c, &req, false) {
		return
	}
	p, err := h.docs.SetDocument(c.Request.Context(), a, id, model.DocumentType(c.Param("type")), req.URL)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "document saved", p)
}

type extraDocumentBody struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// POST /projects/:id/extra-documents
func (h *DocumentHandler) AddExtra(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req extraDocumentBody
	if !bind(c, &req, false) {
		return
	}
	d, err := h.docs.AddExtraDocument(c.Request.Context(), a, id, req.Name, req.URL)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "document added", d)
}

// PUT /projects/:id/extra-documents/:docId
func (h *DocumentHandler) UpdateExtra(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	docID, ok := pathID(c, "docId")
	if !ok {
		return
	}
	var req documentBody
	if !bind(c, &req, false) {
		return
	}
	d, err := h.docs.UpdateExtraDocument(c.Request.Context(), a, id, docID, req.URL)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "document updated", d)
}

// GET /projects/:id/extra-documents
func (h *DocumentHandler) ListExtra(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ds, err := h.docs.ListExtraDocuments(c.Request.Context(), a, id)
	if err != nil {
		Fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", ds)
}
