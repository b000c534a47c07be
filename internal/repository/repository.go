// Package repository is the ledger store: the single source of truth for
// projects, milestones, escrows and their satellite records.
package repository

import (
	"context"
	"errors"
	"time"

	"escrowflow/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStale is returned by versioned updates when the row changed since
	// it was read.
	ErrStale = errors.New("stale record version")
	// ErrDuplicate is a uniqueness violation.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is a serialization failure between concurrent transactions.
	ErrConflict = errors.New("concurrent transaction conflict")
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	GetProjectByConsultation(ctx context.Context, consultationID int64) (*model.Project, error)
	ListExtraDocuments(ctx context.Context, projectID int64) ([]model.ExtraDocument, error)
	GetExtraDocument(ctx context.Context, id int64) (*model.ExtraDocument, error)

	GetMilestone(ctx context.Context, id int64) (*model.Milestone, error)
	ListMilestones(ctx context.Context, projectID int64) ([]model.Milestone, error)
	ListEvidence(ctx context.Context, milestoneID int64) ([]model.Evidence, error)
	CountEvidence(ctx context.Context, milestoneID int64, revision int) (int, error)

	GetEscrow(ctx context.Context, id int64) (*model.Escrow, error)
	GetEscrowByMilestone(ctx context.Context, milestoneID int64) (*model.Escrow, error)

	GetDispute(ctx context.Context, id int64) (*model.Dispute, error)
	ListDisputes(ctx context.Context, projectID int64) ([]model.Dispute, error)
	CountActiveDisputes(ctx context.Context, projectID int64) (int, error)

	GetDocumentRequest(ctx context.Context, id int64) (*model.DocumentUpdateRequest, error)
	ListDocumentRequests(ctx context.Context, projectID int64) ([]model.DocumentUpdateRequest, error)
	// FindUnconsumedGrant returns the granted, not yet used request for the
	// document key, or ErrNotFound.
	FindUnconsumedGrant(ctx context.Context, projectID int64, docType model.DocumentType, extraDocumentID *int64) (*model.DocumentUpdateRequest, error)

	GetReleaseRequest(ctx context.Context, id int64) (*model.ReleaseRequest, error)
	FindPendingReleaseRequest(ctx context.Context, escrowID int64) (*model.ReleaseRequest, error)
	ListPendingReleaseRequests(ctx context.Context, limit int) ([]model.ReleaseRequest, error)

	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error)
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (*model.Payment, error)
	// FindOpenPayment returns the milestone's payment of kind that has not
	// reached a terminal status, or ErrNotFound.
	FindOpenPayment(ctx context.Context, milestoneID int64, kind model.PaymentKind) (*model.Payment, error)
	// ListStalePayments returns open payments last touched before olderThan.
	ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]model.Payment, error)

	ListTransactions(ctx context.Context, projectID int64) ([]model.Transaction, error)

	// CurrentFeeSetting returns the newest fee version, or ErrNotFound.
	CurrentFeeSetting(ctx context.Context) (*model.FeeSetting, error)
}

// Tx is a unit of work. Inserts assign ID, Version and timestamps to the
// passed record. Updates succeed only when the record's Version matches the
// stored one, then bump it; otherwise they return ErrStale.
type Tx interface {
	Reader

	InsertProject(ctx context.Context, p *model.Project) error
	UpdateProject(ctx context.Context, p *model.Project) error
	InsertExtraDocument(ctx context.Context, d *model.ExtraDocument) error
	UpdateExtraDocument(ctx context.Context, d *model.ExtraDocument) error

	InsertMilestone(ctx context.Context, m *model.Milestone) error
	UpdateMilestone(ctx context.Context, m *model.Milestone) error
	InsertEvidence(ctx context.Context, e *model.Evidence) error

	InsertEscrow(ctx context.Context, e *model.Escrow) error
	UpdateEscrow(ctx context.Context, e *model.Escrow) error

	InsertDispute(ctx context.Context, d *model.Dispute) error
	UpdateDispute(ctx context.Context, d *model.Dispute) error

	InsertDocumentRequest(ctx context.Context, r *model.DocumentUpdateRequest) error
	UpdateDocumentRequest(ctx context.Context, r *model.DocumentUpdateRequest) error

	InsertReleaseRequest(ctx context.Context, r *model.ReleaseRequest) error
	MarkReleaseRequestProcessed(ctx context.Context, id int64, at time.Time) error

	InsertPayment(ctx context.Context, p *model.Payment) error
	UpdatePayment(ctx context.Context, p *model.Payment) error

	InsertTransaction(ctx context.Context, t *model.Transaction) error
	InsertFeeSetting(ctx context.Context, f *model.FeeSetting) error

	// AppendEvent records an audit event that is delivered after commit.
	AppendEvent(ctx context.Context, e model.Event) error
}

type Store interface {
	Reader
	// Atomic runs fn in one serializable unit of work. fn's error rolls it
	// back and is returned unchanged.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
