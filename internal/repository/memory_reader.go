package repository

import (
	"context"
	"time"

	"escrowflow/internal/model"
)

// Committed-state reads. Each call sees one consistent snapshot.

func (s *MemoryStore) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return s.state().GetProject(ctx, id)
}

func (s *MemoryStore) GetProjectByConsultation(ctx context.Context, consultationID int64) (*model.Project, error) {
	return s.state().GetProjectByConsultation(ctx, consultationID)
}

func (s *MemoryStore) ListExtraDocuments(ctx context.Context, projectID int64) ([]model.ExtraDocument, error) {
	return s.state().ListExtraDocuments(ctx, projectID)
}

func (s *MemoryStore) GetExtraDocument(ctx context.Context, id int64) (*model.ExtraDocument, error) {
	return s.state().GetExtraDocument(ctx, id)
}

func (s *MemoryStore) GetMilestone(ctx context.Context, id int64) (*model.Milestone, error) {
	return s.state().GetMilestone(ctx, id)
}

func (s *MemoryStore) ListMilestones(ctx context.Context, projectID int64) ([]model.Milestone, error) {
	return s.state().ListMilestones(ctx, projectID)
}

func (s *MemoryStore) ListEvidence(ctx context.Context, milestoneID int64) ([]model.Evidence, error) {
	return s.state().ListEvidence(ctx, milestoneID)
}

func (s *MemoryStore) CountEvidence(ctx context.Context, milestoneID int64, revision int) (int, error) {
	return s.state().CountEvidence(ctx, milestoneID, revision)
}

func (s *MemoryStore) GetEscrow(ctx context.Context, id int64) (*model.Escrow, error) {
	return s.state().GetEscrow(ctx, id)
}

func (s *MemoryStore) GetEscrowByMilestone(ctx context.Context, milestoneID int64) (*model.Escrow, error) {
	return s.state().GetEscrowByMilestone(ctx, milestoneID)
}

func (s *MemoryStore) GetDispute(ctx context.Context, id int64) (*model.Dispute, error) {
	return s.state().GetDispute(ctx, id)
}

func (s *MemoryStore) ListDisputes(ctx context.Context, projectID int64) ([]model.Dispute, error) {
	return s.state().ListDisputes(ctx, projectID)
}

func (s *MemoryStore) CountActiveDisputes(ctx context.Context, projectID int64) (int, error) {
	return s.state().CountActiveDisputes(ctx, projectID)
}

func (s *MemoryStore) GetDocumentRequest(ctx context.Context, id int64) (*model.DocumentUpdateRequest, error) {
	return s.state().GetDocumentRequest(ctx, id)
}

func (s *MemoryStore) ListDocumentRequests(ctx context.Context, projectID int64) ([]model.DocumentUpdateRequest, error) {
	return s.state().ListDocumentRequests(ctx, projectID)
}

func (s *MemoryStore) FindUnconsumedGrant(ctx context.Context, projectID int64, docType model.DocumentType, extraDocumentID *int64) (*model.DocumentUpdateRequest, error) {
	return s.state().FindUnconsumedGrant(ctx, projectID, docType, extraDocumentID)
}

func (s *MemoryStore) GetReleaseRequest(ctx context.Context, id int64) (*model.ReleaseRequest, error) {
	return s.state().GetReleaseRequest(ctx, id)
}

func (s *MemoryStore) FindPendingReleaseRequest(ctx context.Context, escrowID int64) (*model.ReleaseRequest, error) {
	return s.state().FindPendingReleaseRequest(ctx, escrowID)
}

func (s *MemoryStore) ListPendingReleaseRequests(ctx context.Context, limit int) ([]model.ReleaseRequest, error) {
	return s.state().ListPendingReleaseRequests(ctx, limit)
}

func (s *MemoryStore) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return s.state().GetPayment(ctx, id)
}

func (s *MemoryStore) GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	return s.state().GetPaymentByReference(ctx, reference)
}

func (s *MemoryStore) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*model.Payment, error) {
	return s.state().GetPaymentByKey(ctx, idempotencyKey)
}

func (s *MemoryStore) FindOpenPayment(ctx context.Context, milestoneID int64, kind model.PaymentKind) (*model.Payment, error) {
	return s.state().FindOpenPayment(ctx, milestoneID, kind)
}

func (s *MemoryStore) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]model.Payment, error) {
	return s.state().ListStalePayments(ctx, olderThan, limit)
}

func (s *MemoryStore) ListTransactions(ctx context.Context, projectID int64) ([]model.Transaction, error) {
	return s.state().ListTransactions(ctx, projectID)
}

func (s *MemoryStore) CurrentFeeSetting(ctx context.Context) (*model.FeeSetting, error) {
	return s.state().CurrentFeeSetting(ctx)
}
