package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	mqcontracts "escrowflow/contracts/mq"
	"escrowflow/internal/model"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/outbox"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore runs every unit of work at REPEATABLE READ. Concurrent
// writers to the same row fail with a serialization error, surfaced as
// ErrConflict; versioned updates catch the remaining lost updates.
type PostgresStore struct {
	pgReader
	pool   *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pgReader: pgReader{q: pool},
		pool:     pool,
		outbox:   outbox.NewRepository(pool),
		logger:   logger,
	}
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	ctx, span := otel.DBSpan(ctx, "atomic")
	defer func() { otel.End(span, err) }()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapError(err))
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
	}()

	if err = fn(ctx, &pgTx{pgReader: pgReader{q: tx}, tx: tx, outbox: s.outbox}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

// mapError translates driver errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

func getOne[T any](ctx context.Context, q querier, scan func(rowScanner) (*T, error), sql string, args ...any) (*T, error) {
	v, err := scan(q.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return v, nil
}

func getMany[T any](ctx context.Context, q querier, scan func(rowScanner) (*T, error), sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *v)
	}
	return out, mapError(rows.Err())
}

func count(ctx context.Context, q querier, sql string, args ...any) (int, error) {
	var n int
	if err := q.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// Row mappings

const projectColumns = `id, client_id, company_id, consultation_id, title, slug, description, location,
	budget_min, budget_max, status, documents, activated_at, version, created_at, updated_at`

func scanProject(r rowScanner) (*model.Project, error) {
	var p model.Project
	err := r.Scan(&p.ID, &p.ClientID, &p.CompanyID, &p.ConsultationID, &p.Title, &p.Slug,
		&p.Description, &p.Location, &p.BudgetMin, &p.BudgetMax, &p.Status, &p.Documents,
		&p.ActivatedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if p.Documents == nil {
		p.Documents = map[model.DocumentType]string{}
	}
	return &p, err
}

const extraDocumentColumns = `id, project_id, name, url, uploaded_by, version, created_at, updated_at`

func scanExtraDocument(r rowScanner) (*model.ExtraDocument, error) {
	var d model.ExtraDocument
	err := r.Scan(&d.ID, &d.ProjectID, &d.Name, &d.URL, &d.UploadedBy, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

const milestoneColumns = `id, project_id, title, description, amount, sequence_order, status,
	verified_at, verified_by, client_notes, company_notes, revision, version, created_at, updated_at`

func scanMilestone(r rowScanner) (*model.Milestone, error) {
	var m model.Milestone
	err := r.Scan(&m.ID, &m.ProjectID, &m.Title, &m.Description, &m.Amount, &m.SequenceOrder,
		&m.Status, &m.VerifiedAt, &m.VerifiedBy, &m.ClientNotes, &m.CompanyNotes, &m.Revision,
		&m.Version, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

const evidenceColumns = `id, milestone_id, revision, kind, url, content, description, created_by, created_at`

func scanEvidence(r rowScanner) (*model.Evidence, error) {
	var e model.Evidence
	err := r.Scan(&e.ID, &e.MilestoneID, &e.Revision, &e.Kind, &e.URL, &e.Content, &e.Description,
		&e.CreatedBy, &e.CreatedAt)
	return &e, err
}

const escrowColumns = `id, milestone_id, project_id, amount, platform_fee, platform_fee_percentage,
	net_amount, fee_setting_id, status, pending_operation, finalized_at, version, created_at, updated_at`

func scanEscrow(r rowScanner) (*model.Escrow, error) {
	var e model.Escrow
	err := r.Scan(&e.ID, &e.MilestoneID, &e.ProjectID, &e.Amount, &e.PlatformFee,
		&e.PlatformFeePercentage, &e.NetAmount, &e.FeeSettingID, &e.Status, &e.PendingOperation,
		&e.FinalizedAt, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

const disputeColumns = `id, project_id, milestone_id, raised_by, reason, status, resolution_notes,
	resolved_by, version, created_at, updated_at`

func scanDispute(r rowScanner) (*model.Dispute, error) {
	var d model.Dispute
	err := r.Scan(&d.ID, &d.ProjectID, &d.MilestoneID, &d.RaisedBy, &d.Reason, &d.Status,
		&d.ResolutionNotes, &d.ResolvedBy, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

const documentRequestColumns = `id, project_id, document_type, extra_document_id, reason, status,
	requested_by, resolved_by, resolved_at, consumed_at, version, created_at, updated_at`

func scanDocumentRequest(r rowScanner) (*model.DocumentUpdateRequest, error) {
	var d model.DocumentUpdateRequest
	err := r.Scan(&d.ID, &d.ProjectID, &d.DocumentType, &d.ExtraDocumentID, &d.Reason, &d.Status,
		&d.RequestedBy, &d.ResolvedBy, &d.ResolvedAt, &d.ConsumedAt, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

const releaseRequestColumns = `id, escrow_id, milestone_id, project_id, requested_by, account_id,
	status, processed_at, created_at`

func scanReleaseRequest(r rowScanner) (*model.ReleaseRequest, error) {
	var rr model.ReleaseRequest
	err := r.Scan(&rr.ID, &rr.EscrowID, &rr.MilestoneID, &rr.ProjectID, &rr.RequestedBy,
		&rr.AccountID, &rr.Status, &rr.ProcessedAt, &rr.CreatedAt)
	return &rr, err
}

const paymentColumns = `id, project_id, milestone_id, escrow_id, kind, amount, currency, idempotency_key,
	COALESCE(reference, ''), payment_url, status, override, account_id, reason, COALESCE(fee_setting_id, 0),
	fee_percentage, initiated_by, attempts, last_error, version, created_at, updated_at`

func scanPayment(r rowScanner) (*model.Payment, error) {
	var p model.Payment
	err := r.Scan(&p.ID, &p.ProjectID, &p.MilestoneID, &p.EscrowID, &p.Kind, &p.Amount, &p.Currency,
		&p.IdempotencyKey, &p.Reference, &p.PaymentURL, &p.Status, &p.Override, &p.AccountID,
		&p.Reason, &p.FeeSettingID, &p.FeePercentage, &p.InitiatedBy, &p.Attempts, &p.LastError,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

const transactionColumns = `id, project_id, milestone_id, escrow_id, payment_id, type, amount, reference, created_at`

func scanTransaction(r rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	err := r.Scan(&t.ID, &t.ProjectID, &t.MilestoneID, &t.EscrowID, &t.PaymentID, &t.Type, &t.Amount,
		&t.Reference, &t.CreatedAt)
	return &t, err
}

func scanFeeSetting(r rowScanner) (*model.FeeSetting, error) {
	var f model.FeeSetting
	err := r.Scan(&f.ID, &f.Percentage, &f.SetBy, &f.CreatedAt)
	return &f, err
}

func nullIfZero(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// pgReader implements Reader over a pool or a transaction.
type pgReader struct {
	q querier
}

func (r pgReader) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return getOne(ctx, r.q, scanProject, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
}

func (r pgReader) GetProjectByConsultation(ctx context.Context, consultationID int64) (*model.Project, error) {
	return getOne(ctx, r.q, scanProject,
		`SELECT `+projectColumns+` FROM projects WHERE consultation_id = $1`, consultationID)
}

func (r pgReader) ListExtraDocuments(ctx context.Context, projectID int64) ([]model.ExtraDocument, error) {
	return getMany(ctx, r.q, scanExtraDocument,
		`SELECT `+extraDocumentColumns+` FROM extra_documents WHERE project_id = $1 ORDER BY id`, projectID)
}

func (r pgReader) GetExtraDocument(ctx context.Context, id int64) (*model.ExtraDocument, error) {
	return getOne(ctx, r.q, scanExtraDocument,
		`SELECT `+extraDocumentColumns+` FROM extra_documents WHERE id = $1`, id)
}

func (r pgReader) GetMilestone(ctx context.Context, id int64) (*model.Milestone, error) {
	return getOne(ctx, r.q, scanMilestone, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
}

func (r pgReader) ListMilestones(ctx context.Context, projectID int64) ([]model.Milestone, error) {
	return getMany(ctx, r.q, scanMilestone,
		`SELECT `+milestoneColumns+` FROM milestones WHERE project_id = $1 ORDER BY sequence_order`, projectID)
}

func (r pgReader) ListEvidence(ctx context.Context, milestoneID int64) ([]model.Evidence, error) {
	return getMany(ctx, r.q, scanEvidence,
		`SELECT `+evidenceColumns+` FROM evidence WHERE milestone_id = $1 ORDER BY id`, milestoneID)
}

func (r pgReader) CountEvidence(ctx context.Context, milestoneID int64, revision int) (int, error) {
	return count(ctx, r.q,
		`SELECT COUNT(*) FROM evidence WHERE milestone_id = $1 AND revision = $2`, milestoneID, revision)
}

func (r pgReader) GetEscrow(ctx context.Context, id int64) (*model.Escrow, error) {
	return getOne(ctx, r.q, scanEscrow, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
}

func (r pgReader) GetEscrowByMilestone(ctx context.Context, milestoneID int64) (*model.Escrow, error) {
	return getOne(ctx, r.q, scanEscrow,
		`SELECT `+escrowColumns+` FROM escrows WHERE milestone_id = $1`, milestoneID)
}

func (r pgReader) GetDispute(ctx context.Context, id int64) (*model.Dispute, error) {
	return getOne(ctx, r.q, scanDispute, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (r pgReader) ListDisputes(ctx context.Context, projectID int64) ([]model.Dispute, error) {
	return getMany(ctx, r.q, scanDispute,
		`SELECT `+disputeColumns+` FROM disputes WHERE project_id = $1 ORDER BY id`, projectID)
}

func (r pgReader) CountActiveDisputes(ctx context.Context, projectID int64) (int, error) {
	return count(ctx, r.q,
		`SELECT COUNT(*) FROM disputes WHERE project_id = $1 AND status <> 'resolved'`, projectID)
}

func (r pgReader) GetDocumentRequest(ctx context.Context, id int64) (*model.DocumentUpdateRequest, error) {
	return getOne(ctx, r.q, scanDocumentRequest,
		`SELECT `+documentRequestColumns+` FROM document_update_requests WHERE id = $1`, id)
}

func (r pgReader) ListDocumentRequests(ctx context.Context, projectID int64) ([]model.DocumentUpdateRequest, error) {
	return getMany(ctx, r.q, scanDocumentRequest,
		`SELECT `+documentRequestColumns+` FROM document_update_requests WHERE project_id = $1 ORDER BY id`, projectID)
}

func (r pgReader) FindUnconsumedGrant(ctx context.Context, projectID int64, docType model.DocumentType, extraDocumentID *int64) (*model.DocumentUpdateRequest, error) {
	return getOne(ctx, r.q, scanDocumentRequest, `
		SELECT `+documentRequestColumns+`
		FROM document_update_requests
		WHERE project_id = $1
		  AND document_type = $2
		  AND extra_document_id IS NOT DISTINCT FROM $3
		  AND status = 'granted'
		  AND consumed_at IS NULL
		ORDER BY id
		LIMIT 1
	`, projectID, docType, extraDocumentID)
}

func (r pgReader) GetReleaseRequest(ctx context.Context, id int64) (*model.ReleaseRequest, error) {
	return getOne(ctx, r.q, scanReleaseRequest,
		`SELECT `+releaseRequestColumns+` FROM release_requests WHERE id = $1`, id)
}

func (r pgReader) FindPendingReleaseRequest(ctx context.Context, escrowID int64) (*model.ReleaseRequest, error) {
	return getOne(ctx, r.q, scanReleaseRequest,
		`SELECT `+releaseRequestColumns+` FROM release_requests WHERE escrow_id = $1 AND status = 'pending'`, escrowID)
}

func (r pgReader) ListPendingReleaseRequests(ctx context.Context, limit int) ([]model.ReleaseRequest, error) {
	return getMany(ctx, r.q, scanReleaseRequest,
		`SELECT `+releaseRequestColumns+` FROM release_requests WHERE status = 'pending' ORDER BY id LIMIT $1`, limit)
}

func (r pgReader) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return getOne(ctx, r.q, scanPayment, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r pgReader) GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	if reference == "" {
		return nil, ErrNotFound
	}
	return getOne(ctx, r.q, scanPayment, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference)
}

func (r pgReader) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*model.Payment, error) {
	return getOne(ctx, r.q, scanPayment,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, idempotencyKey)
}

func (r pgReader) FindOpenPayment(ctx context.Context, milestoneID int64, kind model.PaymentKind) (*model.Payment, error) {
	return getOne(ctx, r.q, scanPayment, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE milestone_id = $1 AND kind = $2
		  AND status IN ('intent', 'awaiting_callback', 'pending_confirmation')
	`, milestoneID, kind)
}

func (r pgReader) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]model.Payment, error) {
	return getMany(ctx, r.q, scanPayment, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status IN ('intent', 'awaiting_callback', 'pending_confirmation')
		  AND updated_at < $1
		ORDER BY id
		LIMIT $2
	`, olderThan, limit)
}

func (r pgReader) ListTransactions(ctx context.Context, projectID int64) ([]model.Transaction, error) {
	return getMany(ctx, r.q, scanTransaction,
		`SELECT `+transactionColumns+` FROM transactions WHERE project_id = $1 ORDER BY id`, projectID)
}

func (r pgReader) CurrentFeeSetting(ctx context.Context) (*model.FeeSetting, error) {
	return getOne(ctx, r.q, scanFeeSetting,
		`SELECT id, percentage, set_by, created_at FROM fee_settings ORDER BY id DESC LIMIT 1`)
}

type pgTx struct {
	pgReader
	tx     pgx.Tx
	outbox *outbox.Repository
}

// insert runs an INSERT ... RETURNING id, created_at[, updated_at].
func (t *pgTx) insert(ctx context.Context, sql string, args []any, dest ...any) error {
	if err := t.tx.QueryRow(ctx, sql, args...).Scan(dest...); err != nil {
		return mapError(err)
	}
	return nil
}

// update runs a versioned UPDATE ... RETURNING version, updated_at.
func (t *pgTx) update(ctx context.Context, sql string, args []any, version *int64, updatedAt *time.Time) error {
	err := t.tx.QueryRow(ctx, sql, args...).Scan(version, updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStale
	}
	return mapError(err)
}

func (t *pgTx) InsertProject(ctx context.Context, p *model.Project) error {
	p.Version = 1
	return t.insert(ctx, `
		INSERT INTO projects (client_id, company_id, consultation_id, title, slug, description, location,
		                      budget_min, budget_max, status, documents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, []any{p.ClientID, p.CompanyID, p.ConsultationID, p.Title, p.Slug, p.Description, p.Location,
		p.BudgetMin, p.BudgetMax, p.Status, documentsJSON(p.Documents)},
		&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func documentsJSON(docs map[model.DocumentType]string) []byte {
	if docs == nil {
		return []byte("{}")
	}
	b, _ := json.Marshal(docs)
	return b
}

func (t *pgTx) UpdateProject(ctx context.Context, p *model.Project) error {
	return t.update(ctx, `
		UPDATE projects
		SET title = $3, slug = $4, description = $5, location = $6, budget_min = $7, budget_max = $8,
		    status = $9, documents = $10, activated_at = $11,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, []any{p.ID, p.Version, p.Title, p.Slug, p.Description, p.Location, p.BudgetMin, p.BudgetMax,
		p.Status, documentsJSON(p.Documents), p.ActivatedAt},
		&p.Version, &p.UpdatedAt)
}

func (t *pgTx) InsertExtraDocument(ctx context.Context, d *model.ExtraDocument) error {
	d.Version = 1
	return t.insert(ctx, `
		INSERT INTO extra_documents (project_id, name, url, uploaded_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, []any{d.ProjectID, d.Name, d.URL, d.UploadedBy}, &d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (t *pgTx) UpdateExtraDocument(ctx context.Context, d *model.ExtraDocument) error {
	return t.update(ctx, `
		UPDATE extra_documents
		SET name = $3, url = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, []any{d.ID, d.Version, d.Name, d.URL}, &d.Version, &d.UpdatedAt)
}

func (t *pgTx) InsertMilestone(ctx context.Context, m *model.Milestone) error {
	m.Version = 1
	return t.insert(ctx, `
		INSERT INTO milestones (project_id, title, description, amount, sequence_order, status, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, []any{m.ProjectID, m.Title, m.Description, m.Amount, m.SequenceOrder, m.Status, m.Revision},
		&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

func (t *pgTx) UpdateMilestone(ctx context.Context, m *model.Milestone) error {
	return t.update(ctx, `
		UPDATE milestones
		SET status = $3, verified_at = $4, verified_by = $5, client_notes = $6, company_notes = $7,
		    revision = $8, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, []any{m.ID, m.Version, m.Status, m.VerifiedAt, m.VerifiedBy, m.ClientNotes, m.CompanyNotes, m.Revision},
		&m.Version, &m.UpdatedAt)
}

func (t *pgTx) InsertEvidence(ctx context.Context, e *model.Evidence) error {
	return t.insert(ctx, `
		INSERT INTO evidence (milestone_id, revision, kind, url, content, description, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, []any{e.MilestoneID, e.Revision, e.Kind, e.URL, e.Content, e.Description, e.CreatedBy},
		&e.ID, &e.CreatedAt)
}

func (t *pgTx) InsertEscrow(ctx context.Context, e *model.Escrow) error {
	e.Version = 1
	return t.insert(ctx, `
		INSERT INTO escrows (milestone_id, project_id, amount, platform_fee, platform_fee_percentage,
		                     net_amount, fee_setting_id, status, pending_operation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, []any{e.MilestoneID, e.ProjectID, e.Amount, e.PlatformFee, e.PlatformFeePercentage,
		e.NetAmount, e.FeeSettingID, e.Status, e.PendingOperation},
		&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// UpdateEscrow never rewrites the amount or fee snapshot.
func (t *pgTx) UpdateEscrow(ctx context.Context, e *model.Escrow) error {
	return t.update(ctx, `
		UPDATE escrows
		SET status = $3, pending_operation = $4, finalized_at = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, []any{e.ID, e.Version, e.Status, e.PendingOperation, e.FinalizedAt}, &e.Version, &e.UpdatedAt)
}

func (t *pgTx) InsertDispute(ctx context.Context, d *model.Dispute) error {
	d.Version = 1
	return t.insert(ctx, `
		INSERT INTO disputes (project_id, milestone_id, raised_by, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, []any{d.ProjectID, d.MilestoneID, d.RaisedBy, d.Reason, d.Status}, &d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *model.Dispute) error {
	return t.update(ctx, `
		UPDATE disputes
		SET status = $3, resolution_notes = $4, resolved_by = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, []any{d.ID, d.Version, d.Status, d.ResolutionNotes, d.ResolvedBy}, &d.Version, &d.UpdatedAt)
}

func (t *pgTx) InsertDocumentRequest(ctx context.Context, r *model.DocumentUpdateRequest) error {
	r.Version = 1
	return t.insert(ctx, `
		INSERT INTO document_update_requests (project_id, document_type, extra_document_id, reason, status, requested_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, []any{r.ProjectID, r.DocumentType, r.ExtraDocumentID, r.Reason, r.Status, r.RequestedBy},
		&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

func (t *pgTx) UpdateDocumentRequest(ctx context.Context, r *model.DocumentUpdateRequest) error {
	return t.update(ctx, `
		UPDATE document_update_requests
		SET status = $3, resolved_by = $4, resolved_at = $5, consumed_at = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, []any{r.ID, r.Version, r.Status, r.ResolvedBy, r.ResolvedAt, r.ConsumedAt}, &r.Version, &r.UpdatedAt)
}

func (t *pgTx) InsertReleaseRequest(ctx context.Context, r *model.ReleaseRequest) error {
	return t.insert(ctx, `
		INSERT INTO release_requests (escrow_id, milestone_id, project_id, requested_by, account_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, []any{r.EscrowID, r.MilestoneID, r.ProjectID, r.RequestedBy, r.AccountID, r.Status}, &r.ID, &r.CreatedAt)
}

func (t *pgTx) MarkReleaseRequestProcessed(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE release_requests SET status = 'processed', processed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	p.Version = 1
	return t.insert(ctx, `
		INSERT INTO payments (project_id, milestone_id, escrow_id, kind, amount, currency, idempotency_key,
		                      reference, payment_url, status, override, account_id, reason, fee_setting_id,
		                      fee_percentage, initiated_by, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at, updated_at
	`, []any{p.ProjectID, p.MilestoneID, p.EscrowID, p.Kind, p.Amount, p.Currency, p.IdempotencyKey,
		nullIfEmpty(p.Reference), p.PaymentURL, p.Status, p.Override, p.AccountID, p.Reason,
		nullIfZero(p.FeeSettingID), p.FeePercentage, p.InitiatedBy, p.Attempts, p.LastError},
		&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	return t.update(ctx, `
		UPDATE payments
		SET escrow_id = $3, reference = $4, payment_url = $5, status = $6, attempts = $7, last_error = $8,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, []any{p.ID, p.Version, p.EscrowID, nullIfEmpty(p.Reference), p.PaymentURL, p.Status, p.Attempts, p.LastError},
		&p.Version, &p.UpdatedAt)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	return t.insert(ctx, `
		INSERT INTO transactions (project_id, milestone_id, escrow_id, payment_id, type, amount, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, []any{tr.ProjectID, tr.MilestoneID, tr.EscrowID, tr.PaymentID, tr.Type, tr.Amount, tr.Reference},
		&tr.ID, &tr.CreatedAt)
}

func (t *pgTx) InsertFeeSetting(ctx context.Context, f *model.FeeSetting) error {
	return t.insert(ctx, `
		INSERT INTO fee_settings (percentage, set_by) VALUES ($1, $2)
		RETURNING id, created_at
	`, []any{f.Percentage, f.SetBy}, &f.ID, &f.CreatedAt)
}

// AppendEvent writes the audit event to the outbox in this transaction.
func (t *pgTx) AppendEvent(ctx context.Context, e model.Event) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	payload := mqcontracts.AuditEventPayload{
		Type:          string(e.Type),
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		ProjectID:     e.ProjectID,
		ActorID:       e.ActorID,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}
	aggregateID := e.AggregateID
	return outbox.InsertEventInTx(ctx, t.tx, t.outbox, e.AggregateType, &aggregateID,
		mqcontracts.AuditRoutingKey(string(e.Type)), payload)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
