package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"escrowflow/internal/model"
)

// MemoryStore is an in-process Store. Atomic calls are serialized and run
// against a private copy of the state that replaces the committed state only
// when fn succeeds. It enforces the same uniqueness rules as the database
// schema.
type MemoryStore struct {
	txMu      sync.Mutex
	committed atomic.Pointer[memState]
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	s.committed.Store(newMemState())
	return s
}

// WithClock replaces the clock used for timestamps.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.committed.Load().clone()
	if err := fn(ctx, &memTx{memState: work, now: s.now}); err != nil {
		return err
	}
	s.committed.Store(work)
	return nil
}

// Events returns every audit event committed so far, oldest first.
func (s *MemoryStore) Events() []model.Event {
	return append([]model.Event(nil), s.committed.Load().events...)
}

func (s *MemoryStore) state() *memState { return s.committed.Load() }

type memState struct {
	seq             int64
	projects        map[int64]model.Project
	extraDocs       map[int64]model.ExtraDocument
	milestones      map[int64]model.Milestone
	evidence        map[int64]model.Evidence
	escrows         map[int64]model.Escrow
	disputes        map[int64]model.Dispute
	docRequests     map[int64]model.DocumentUpdateRequest
	releaseRequests map[int64]model.ReleaseRequest
	payments        map[int64]model.Payment
	transactions    map[int64]model.Transaction
	fees            map[int64]model.FeeSetting
	events          []model.Event
}

func newMemState() *memState {
	return &memState{
		projects:        map[int64]model.Project{},
		extraDocs:       map[int64]model.ExtraDocument{},
		milestones:      map[int64]model.Milestone{},
		evidence:        map[int64]model.Evidence{},
		escrows:         map[int64]model.Escrow{},
		disputes:        map[int64]model.Dispute{},
		docRequests:     map[int64]model.DocumentUpdateRequest{},
		releaseRequests: map[int64]model.ReleaseRequest{},
		payments:        map[int64]model.Payment{},
		transactions:    map[int64]model.Transaction{},
		fees:            map[int64]model.FeeSetting{},
	}
}

// clone copies the maps. Stored values are never mutated in place, so a
// shallow copy of each map is enough.
func (m *memState) clone() *memState {
	return &memState{
		seq:             m.seq,
		projects:        maps.Clone(m.projects),
		extraDocs:       maps.Clone(m.extraDocs),
		milestones:      maps.Clone(m.milestones),
		evidence:        maps.Clone(m.evidence),
		escrows:         maps.Clone(m.escrows),
		disputes:        maps.Clone(m.disputes),
		docRequests:     maps.Clone(m.docRequests),
		releaseRequests: maps.Clone(m.releaseRequests),
		payments:        maps.Clone(m.payments),
		transactions:    maps.Clone(m.transactions),
		fees:            maps.Clone(m.fees),
		events:          append([]model.Event(nil), m.events...),
	}
}

func (m *memState) nextID() int64 {
	m.seq++
	return m.seq
}

func sortByID[T any](items []T, id func(T) int64) []T {
	sort.Slice(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
	return items
}

func sameOptionalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Reads

func (m *memState) GetProject(_ context.Context, id int64) (*model.Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *memState) GetProjectByConsultation(_ context.Context, consultationID int64) (*model.Project, error) {
	for _, p := range m.projects {
		if p.ConsultationID == consultationID {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memState) ListExtraDocuments(_ context.Context, projectID int64) ([]model.ExtraDocument, error) {
	var out []model.ExtraDocument
	for _, d := range m.extraDocs {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return sortByID(out, func(d model.ExtraDocument) int64 { return d.ID }), nil
}

func (m *memState) GetExtraDocument(_ context.Context, id int64) (*model.ExtraDocument, error) {
	d, ok := m.extraDocs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *memState) GetMilestone(_ context.Context, id int64) (*model.Milestone, error) {
	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ms, nil
}

func (m *memState) ListMilestones(_ context.Context, projectID int64) ([]model.Milestone, error) {
	var out []model.Milestone
	for _, ms := range m.milestones {
		if ms.ProjectID == projectID {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out, nil
}

func (m *memState) ListEvidence(_ context.Context, milestoneID int64) ([]model.Evidence, error) {
	var out []model.Evidence
	for _, e := range m.evidence {
		if e.MilestoneID == milestoneID {
			out = append(out, e)
		}
	}
	return sortByID(out, func(e model.Evidence) int64 { return e.ID }), nil
}

func (m *memState) CountEvidence(_ context.Context, milestoneID int64, revision int) (int, error) {
	n := 0
	for _, e := range m.evidence {
		if e.MilestoneID == milestoneID && e.Revision == revision {
			n++
		}
	}
	return n, nil
}

func (m *memState) GetEscrow(_ context.Context, id int64) (*model.Escrow, error) {
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *memState) GetEscrowByMilestone(_ context.Context, milestoneID int64) (*model.Escrow, error) {
	for _, e := range m.escrows {
		if e.MilestoneID == milestoneID {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memState) GetDispute(_ context.Context, id int64) (*model.Dispute, error) {
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *memState) ListDisputes(_ context.Context, projectID int64) ([]model.Dispute, error) {
	var out []model.Dispute
	for _, d := range m.disputes {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return sortByID(out, func(d model.Dispute) int64 { return d.ID }), nil
}

func (m *memState) CountActiveDisputes(_ context.Context, projectID int64) (int, error) {
	n := 0
	for _, d := range m.disputes {
		if d.ProjectID == projectID && d.Status != model.DisputeResolved {
			n++
		}
	}
	return n, nil
}

func (m *memState) GetDocumentRequest(_ context.Context, id int64) (*model.DocumentUpdateRequest, error) {
	r, ok := m.docRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *memState) ListDocumentRequests(_ context.Context, projectID int64) ([]model.DocumentUpdateRequest, error) {
	var out []model.DocumentUpdateRequest
	for _, r := range m.docRequests {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return sortByID(out, func(r model.DocumentUpdateRequest) int64 { return r.ID }), nil
}

func (m *memState) FindUnconsumedGrant(_ context.Context, projectID int64, docType model.DocumentType, extraDocumentID *int64) (*model.DocumentUpdateRequest, error) {
	var found *model.DocumentUpdateRequest
	for _, r := range m.docRequests {
		if r.ProjectID != projectID || r.DocumentType != docType || !sameOptionalID(r.ExtraDocumentID, extraDocumentID) {
			continue
		}
		if r.Status != model.RequestGranted || r.ConsumedAt != nil {
			continue
		}
		if found == nil || r.ID < found.ID {
			r := r
			found = &r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *memState) GetReleaseRequest(_ context.Context, id int64) (*model.ReleaseRequest, error) {
	r, ok := m.releaseRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *memState) FindPendingReleaseRequest(_ context.Context, escrowID int64) (*model.ReleaseRequest, error) {
	for _, r := range m.releaseRequests {
		if r.EscrowID == escrowID && r.Status == model.ReleaseRequestPending {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memState) ListPendingReleaseRequests(_ context.Context, limit int) ([]model.ReleaseRequest, error) {
	var out []model.ReleaseRequest
	for _, r := range m.releaseRequests {
		if r.Status == model.ReleaseRequestPending {
			out = append(out, r)
		}
	}
	out = sortByID(out, func(r model.ReleaseRequest) int64 { return r.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memState) GetPayment(_ context.Context, id int64) (*model.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memState) GetPaymentByReference(_ context.Context, reference string) (*model.Payment, error) {
	if reference == "" {
		return nil, ErrNotFound
	}
	for _, p := range m.payments {
		if p.Reference == reference {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memState) GetPaymentByKey(_ context.Context, idempotencyKey string) (*model.Payment, error) {
	for _, p := range m.payments {
		if p.IdempotencyKey == idempotencyKey {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memState) FindOpenPayment(_ context.Context, milestoneID int64, kind model.PaymentKind) (*model.Payment, error) {
	for _, p := range m.payments {
		if p.MilestoneID == milestoneID && p.Kind == kind && p.Status.Open() {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memState) ListStalePayments(_ context.Context, olderThan time.Time, limit int) ([]model.Payment, error) {
	var out []model.Payment
	for _, p := range m.payments {
		if p.Status.Open() && p.UpdatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	out = sortByID(out, func(p model.Payment) int64 { return p.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memState) ListTransactions(_ context.Context, projectID int64) ([]model.Transaction, error) {
	var out []model.Transaction
	for _, t := range m.transactions {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return sortByID(out, func(t model.Transaction) int64 { return t.ID }), nil
}

func (m *memState) CurrentFeeSetting(_ context.Context) (*model.FeeSetting, error) {
	var cur *model.FeeSetting
	for _, f := range m.fees {
		if cur == nil || f.ID > cur.ID {
			f := f
			cur = &f
		}
	}
	if cur == nil {
		return nil, ErrNotFound
	}
	return cur, nil
}

// Writes

type memTx struct {
	*memState
	now func() time.Time
}

func (t *memTx) InsertProject(_ context.Context, p *model.Project) error {
	for _, existing := range t.projects {
		if existing.ConsultationID == p.ConsultationID {
			return ErrDuplicate
		}
	}
	now := t.now()
	p.ID, p.Version, p.CreatedAt, p.UpdatedAt = t.nextID(), 1, now, now
	t.projects[p.ID] = *p.Clone()
	return nil
}

func (t *memTx) UpdateProject(_ context.Context, p *model.Project) error {
	cur, ok := t.projects[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrStale
	}
	p.Version++
	p.UpdatedAt = t.now()
	t.projects[p.ID] = *p.Clone()
	return nil
}

func (t *memTx) InsertExtraDocument(_ context.Context, d *model.ExtraDocument) error {
	now := t.now()
	d.ID, d.Version, d.CreatedAt, d.UpdatedAt = t.nextID(), 1, now, now
	t.extraDocs[d.ID] = *d
	return nil
}

func (t *memTx) UpdateExtraDocument(_ context.Context, d *model.ExtraDocument) error {
	cur, ok := t.extraDocs[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != d.Version {
		return ErrStale
	}
	d.Version++
	d.UpdatedAt = t.now()
	t.extraDocs[d.ID] = *d
	return nil
}

func (t *memTx) InsertMilestone(_ context.Context, ms *model.Milestone) error {
	for _, existing := range t.milestones {
		if existing.ProjectID == ms.ProjectID && existing.SequenceOrder == ms.SequenceOrder {
			return ErrDuplicate
		}
	}
	now := t.now()
	ms.ID, ms.Version, ms.CreatedAt, ms.UpdatedAt = t.nextID(), 1, now, now
	t.milestones[ms.ID] = *ms
	return nil
}

func (t *memTx) UpdateMilestone(_ context.Context, ms *model.Milestone) error {
	cur, ok := t.milestones[ms.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != ms.Version {
		return ErrStale
	}
	ms.Version++
	ms.UpdatedAt = t.now()
	t.milestones[ms.ID] = *ms
	return nil
}

func (t *memTx) InsertEvidence(_ context.Context, e *model.Evidence) error {
	e.ID, e.CreatedAt = t.nextID(), t.now()
	t.evidence[e.ID] = *e
	return nil
}

func (t *memTx) InsertEscrow(_ context.Context, e *model.Escrow) error {
	for _, existing := range t.escrows {
		if existing.MilestoneID == e.MilestoneID {
			return ErrDuplicate
		}
	}
	now := t.now()
	e.ID, e.Version, e.CreatedAt, e.UpdatedAt = t.nextID(), 1, now, now
	t.escrows[e.ID] = *e
	return nil
}

func (t *memTx) UpdateEscrow(_ context.Context, e *model.Escrow) error {
	cur, ok := t.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return ErrStale
	}
	e.Version++
	e.UpdatedAt = t.now()
	t.escrows[e.ID] = *e
	return nil
}

func (t *memTx) InsertDispute(_ context.Context, d *model.Dispute) error {
	now := t.now()
	d.ID, d.Version, d.CreatedAt, d.UpdatedAt = t.nextID(), 1, now, now
	t.disputes[d.ID] = *d
	return nil
}

func (t *memTx) UpdateDispute(_ context.Context, d *model.Dispute) error {
	cur, ok := t.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != d.Version {
		return ErrStale
	}
	d.Version++
	d.UpdatedAt = t.now()
	t.disputes[d.ID] = *d
	return nil
}

func (t *memTx) pendingRequestExists(r *model.DocumentUpdateRequest) bool {
	for _, existing := range t.docRequests {
		if existing.ID != r.ID &&
			existing.ProjectID == r.ProjectID &&
			existing.DocumentType == r.DocumentType &&
			sameOptionalID(existing.ExtraDocumentID, r.ExtraDocumentID) &&
			existing.Status == model.RequestPending {
			return true
		}
	}
	return false
}

func (t *memTx) InsertDocumentRequest(_ context.Context, r *model.DocumentUpdateRequest) error {
	if r.Status == model.RequestPending && t.pendingRequestExists(r) {
		return ErrDuplicate
	}
	now := t.now()
	r.ID, r.Version, r.CreatedAt, r.UpdatedAt = t.nextID(), 1, now, now
	t.docRequests[r.ID] = *r
	return nil
}

func (t *memTx) UpdateDocumentRequest(_ context.Context, r *model.DocumentUpdateRequest) error {
	cur, ok := t.docRequests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrStale
	}
	if r.Status == model.RequestPending && t.pendingRequestExists(r) {
		return ErrDuplicate
	}
	r.Version++
	r.UpdatedAt = t.now()
	t.docRequests[r.ID] = *r
	return nil
}

func (t *memTx) InsertReleaseRequest(_ context.Context, r *model.ReleaseRequest) error {
	for _, existing := range t.releaseRequests {
		if existing.EscrowID == r.EscrowID && existing.Status == model.ReleaseRequestPending {
			return ErrDuplicate
		}
	}
	r.ID, r.CreatedAt = t.nextID(), t.now()
	t.releaseRequests[r.ID] = *r
	return nil
}

func (t *memTx) MarkReleaseRequestProcessed(_ context.Context, id int64, at time.Time) error {
	r, ok := t.releaseRequests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = model.ReleaseRequestProcessed
	r.ProcessedAt = &at
	t.releaseRequests[id] = r
	return nil
}

func (t *memTx) paymentClashes(p *model.Payment) bool {
	for _, existing := range t.payments {
		if existing.ID == p.ID {
			continue
		}
		if existing.IdempotencyKey == p.IdempotencyKey {
			return true
		}
		if p.Reference != "" && existing.Reference == p.Reference {
			return true
		}
		if p.Status.Open() && existing.Status.Open() &&
			existing.MilestoneID == p.MilestoneID && existing.Kind == p.Kind {
			return true
		}
	}
	return false
}

func (t *memTx) InsertPayment(_ context.Context, p *model.Payment) error {
	if t.paymentClashes(p) {
		return ErrDuplicate
	}
	now := t.now()
	p.ID, p.Version, p.CreatedAt, p.UpdatedAt = t.nextID(), 1, now, now
	t.payments[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *model.Payment) error {
	cur, ok := t.payments[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrStale
	}
	if t.paymentClashes(p) {
		return ErrDuplicate
	}
	p.Version++
	p.UpdatedAt = t.now()
	t.payments[p.ID] = *p
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	tr.ID, tr.CreatedAt = t.nextID(), t.now()
	t.transactions[tr.ID] = *tr
	return nil
}

func (t *memTx) InsertFeeSetting(_ context.Context, f *model.FeeSetting) error {
	f.ID, f.CreatedAt = t.nextID(), t.now()
	t.fees[f.ID] = *f
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e model.Event) error {
	e.ID, e.CreatedAt = t.nextID(), t.now()
	t.events = append(t.events, e)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
