package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneFunded    MilestoneStatus = "funded"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
	MilestoneReleased  MilestoneStatus = "released"
)

type Milestone struct {
	ID            int64           `json:"id"`
	ProjectID     int64           `json:"project_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	SequenceOrder int             `json:"sequence_order"`
	Status        MilestoneStatus `json:"status"`
	VerifiedAt    *time.Time      `json:"verified_at,omitempty"`
	VerifiedBy    *int64          `json:"verified_by,omitempty"`
	ClientNotes   string          `json:"client_notes,omitempty"`
	CompanyNotes  string          `json:"company_notes,omitempty"`
	// Revision counts submission rounds. Rejection opens a new round that
	// needs fresh evidence before resubmission.
	Revision  int       `json:"revision"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EvidenceKind string

const (
	EvidenceImage EvidenceKind = "image"
	EvidenceVideo EvidenceKind = "video"
	EvidenceText  EvidenceKind = "text"
)

func (k EvidenceKind) Valid() bool {
	return k == EvidenceImage || k == EvidenceVideo || k == EvidenceText
}

type Evidence struct {
	ID          int64        `json:"id"`
	MilestoneID int64        `json:"milestone_id"`
	Revision    int          `json:"revision"`
	Kind        EvidenceKind `json:"kind"`
	URL         string       `json:"url,omitempty"`
	Content     string       `json:"content,omitempty"`
	Description string       `json:"description,omitempty"`
	CreatedBy   int64        `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
}
