package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProjectStatus string

const (
	ProjectDraft     ProjectStatus = "draft"
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectDisputed  ProjectStatus = "disputed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// DocumentType is one of the fixed document slots of a project, or
// DocumentExtra for an ad-hoc document referenced by id.
type DocumentType string

const (
	DocumentPreviewImage  DocumentType = "preview_image"
	DocumentArchitectural DocumentType = "architectural_drawing"
	DocumentStructural    DocumentType = "structural_drawing"
	DocumentElectrical    DocumentType = "electrical_drawing"
	DocumentPlumbing      DocumentType = "plumbing_drawing"
	DocumentExtra         DocumentType = "extra_document"
)

var DocumentSlots = []DocumentType{
	DocumentPreviewImage,
	DocumentArchitectural,
	DocumentStructural,
	DocumentElectrical,
	DocumentPlumbing,
}

func (t DocumentType) IsSlot() bool {
	for _, s := range DocumentSlots {
		if s == t {
			return true
		}
	}
	return false
}

func (t DocumentType) Valid() bool {
	return t == DocumentExtra || t.IsSlot()
}

type Project struct {
	ID             int64           `json:"id"`
	ClientID       int64           `json:"client_id"`
	CompanyID      int64           `json:"company_id"`
	ConsultationID int64           `json:"consultation_id"`
	Title          string          `json:"title"`
	Slug           string          `json:"slug"`
	Description    string          `json:"description"`
	Location       string          `json:"location"`
	BudgetMin      decimal.Decimal `json:"budget_min"`
	BudgetMax      decimal.Decimal `json:"budget_max"`
	Status         ProjectStatus   `json:"status"`
	// Documents holds the URL set for each fixed slot.
	Documents   map[DocumentType]string `json:"documents"`
	ActivatedAt *time.Time              `json:"activated_at,omitempty"`
	Version     int64                   `json:"version"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

func (p *Project) Clone() *Project {
	c := *p
	c.Documents = make(map[DocumentType]string, len(p.Documents))
	for k, v := range p.Documents {
		c.Documents[k] = v
	}
	return &c
}

type ExtraDocument struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	UploadedBy int64     `json:"uploaded_by"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type RequestStatus string

const (
	RequestPending RequestStatus = "pending"
	RequestGranted RequestStatus = "granted"
	RequestDenied  RequestStatus = "denied"
)

// DocumentUpdateRequest gates one overwrite of an already-set document.
// A granted request is spent once ConsumedAt is set.
type DocumentUpdateRequest struct {
	ID              int64         `json:"id"`
	ProjectID       int64         `json:"project_id"`
	DocumentType    DocumentType  `json:"document_type"`
	ExtraDocumentID *int64        `json:"extra_document_id,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Status          RequestStatus `json:"status"`
	RequestedBy     int64         `json:"requested_by"`
	ResolvedBy      *int64        `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	ConsumedAt      *time.Time    `json:"consumed_at,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeEscalated DisputeStatus = "escalated"
)

type Dispute struct {
	ID              int64         `json:"id"`
	ProjectID       int64         `json:"project_id"`
	MilestoneID     *int64        `json:"milestone_id,omitempty"`
	RaisedBy        int64         `json:"raised_by"`
	Reason          string        `json:"reason"`
	Status          DisputeStatus `json:"status"`
	ResolutionNotes string        `json:"resolution_notes,omitempty"`
	ResolvedBy      *int64        `json:"resolved_by,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
