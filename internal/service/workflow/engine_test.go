package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/payment"
	"escrowflow/internal/payment/paymenttest"
	"escrowflow/internal/repository"
)

var (
	client   = authz.Actor{UserID: 10, Role: authz.RoleClient}
	company  = authz.Actor{UserID: 20, Role: authz.RoleCompany}
	admin    = authz.Actor{UserID: 30, Role: authz.RoleAdmin}
	stranger = authz.Actor{UserID: 11, Role: authz.RoleClient}
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *repository.MemoryStore
	gw    *paymenttest.Gateway
	eng   *Engine
	seq   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := repository.NewMemoryStore().WithClock(clock)
	gw := paymenttest.New()
	eng := NewEngine(store, gw, Config{}, zap.NewNop()).WithClock(clock)
	return &fixture{t: t, ctx: context.Background(), store: store, gw: gw, eng: eng}
}

func requireKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperror.KindOf(err), "error: %v", err)
}

// draftProject creates a project with one unverified milestone per amount.
func (f *fixture) draftProject(amounts ...string) (*model.Project, []model.Milestone) {
	f.t.Helper()
	f.seq++
	p, err := f.eng.CreateProject(f.ctx, client, CreateProjectInput{
		ConsultationID: f.seq,
		CompanyID:      company.UserID,
		Title:          "Two Storey House",
		BudgetMin:      decimal.NewFromInt(1000),
		BudgetMax:      decimal.NewFromInt(500000),
	})
	require.NoError(f.t, err)

	in := make([]MilestoneInput, len(amounts))
	for i, a := range amounts {
		in[i] = MilestoneInput{Title: fmt.Sprintf("Stage %d", i+1), Amount: decimal.RequireFromString(a), SequenceOrder: i + 1}
	}
	ms, err := f.eng.CreateMilestones(f.ctx, company, p.ID, in)
	require.NoError(f.t, err)
	return p, ms
}

func (f *fixture) activeProject(amounts ...string) (*model.Project, []model.Milestone) {
	f.t.Helper()
	p, ms := f.draftProject(amounts...)
	for _, m := range ms {
		_, err := f.eng.VerifyMilestone(f.ctx, client, m.ID)
		require.NoError(f.t, err)
	}
	return p, ms
}

func (f *fixture) fund(milestoneID int64) *model.Escrow {
	f.t.Helper()
	res, err := f.eng.FundMilestone(f.ctx, client, milestoneID)
	require.NoError(f.t, err)
	_, err = f.eng.ConfirmPayment(f.ctx, Confirmation{Reference: res.Reference, Outcome: payment.OutcomeSuccess})
	require.NoError(f.t, err)
	esc, err := f.store.GetEscrowByMilestone(f.ctx, milestoneID)
	require.NoError(f.t, err)
	return esc
}

func (f *fixture) submit(milestoneID int64) {
	f.t.Helper()
	_, err := f.eng.SubmitMilestone(f.ctx, company, milestoneID, SubmitInput{
		Evidence: []EvidenceInput{{Kind: model.EvidenceImage, URL: "https://cdn.test/slab.jpg", Description: "slab"}},
	})
	require.NoError(f.t, err)
}

// approvedMilestone returns a funded, submitted and approved milestone.
func (f *fixture) approvedMilestone(amount string) (*model.Project, model.Milestone) {
	f.t.Helper()
	p, ms := f.activeProject(amount)
	f.fund(ms[0].ID)
	f.submit(ms[0].ID)
	_, err := f.eng.ApproveMilestone(f.ctx, client, ms[0].ID, "looks good")
	require.NoError(f.t, err)
	return p, ms[0]
}

func (f *fixture) milestone(id int64) *model.Milestone {
	f.t.Helper()
	m, err := f.store.GetMilestone(f.ctx, id)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) escrow(milestoneID int64) *model.Escrow {
	f.t.Helper()
	esc, err := f.store.GetEscrowByMilestone(f.ctx, milestoneID)
	require.NoError(f.t, err)
	return esc
}

func (f *fixture) eventCount(t model.EventType) int {
	n := 0
	for _, ev := range f.store.Events() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestFundSnapshotsFeeSetting(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("100000", "100000")

	esc := f.fund(ms[0].ID)
	assert.True(t, decimal.RequireFromString("6500.00").Equal(esc.PlatformFee))
	assert.True(t, decimal.RequireFromString("93500.00").Equal(esc.NetAmount))
	assert.True(t, decimal.RequireFromString("6.5").Equal(esc.PlatformFeePercentage))
	assert.Equal(t, model.EscrowHeld, esc.Status)
	assert.Equal(t, model.MilestoneFunded, f.milestone(ms[0].ID).Status)

	require.NoError(t, f.store.Atomic(f.ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertFeeSetting(ctx, &model.FeeSetting{Percentage: decimal.NewFromInt(7), SetBy: admin.UserID})
	}))

	assert.True(t, decimal.RequireFromString("6500.00").Equal(f.escrow(ms[0].ID).PlatformFee))
	later := f.fund(ms[1].ID)
	assert.True(t, decimal.RequireFromString("7000.00").Equal(later.PlatformFee))
}

func TestFundStaysPendingUntilConfirmed(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("250000")

	res, err := f.eng.FundMilestone(f.ctx, client, ms[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.PaymentURL)
	assert.Equal(t, model.PaymentAwaitingCallback, res.Payment.Status)
	assert.Equal(t, model.MilestonePending, f.milestone(ms[0].ID).Status)

	_, err = f.eng.FundMilestone(f.ctx, client, ms[0].ID)
	requireKind(t, err, apperror.KindConflict)

	_, err = f.eng.ConfirmPayment(f.ctx, Confirmation{Reference: res.Reference, Outcome: payment.OutcomeFailed, Reason: "card declined"})
	require.NoError(t, err)
	assert.Equal(t, model.MilestonePending, f.milestone(ms[0].ID).Status)
	_, err = f.store.GetEscrowByMilestone(f.ctx, ms[0].ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// A failed attempt frees the milestone for another one.
	f.fund(ms[0].ID)
	_, err = f.eng.FundMilestone(f.ctx, client, ms[0].ID)
	requireKind(t, err, apperror.KindConflict)
}

func TestFundRequiresVerification(t *testing.T) {
	f := newFixture(t)
	_, ms := f.draftProject("1000", "2000")
	_, err := f.eng.VerifyMilestone(f.ctx, client, ms[0].ID)
	require.NoError(t, err)

	_, err = f.eng.FundMilestone(f.ctx, client, ms[1].ID)
	requireKind(t, err, apperror.KindInvalidTransition)
	assert.Empty(t, f.gw.Initiated())
}

func TestFundGatewayUnavailableLeavesMilestonePending(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000")
	f.gw.InitiateErr = fmt.Errorf("%w: dial tcp: connection refused", payment.ErrUnavailable)

	_, err := f.eng.FundMilestone(f.ctx, client, ms[0].ID)
	requireKind(t, err, apperror.KindGatewayUnavailable)
	assert.Equal(t, model.MilestonePending, f.milestone(ms[0].ID).Status)
	assert.Equal(t, 1, f.eventCount(model.EventPaymentFailed))

	f.gw.InitiateErr = nil
	f.fund(ms[0].ID)
	assert.Equal(t, model.MilestoneFunded, f.milestone(ms[0].ID).Status)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p, ms := f.activeProject("1000")

	res, err := f.eng.FundMilestone(f.ctx, client, ms[0].ID)
	require.NoError(t, err)
	c := Confirmation{Reference: res.Reference, Outcome: payment.OutcomeSuccess}
	first, err := f.eng.ConfirmPayment(f.ctx, c)
	require.NoError(t, err)
	second, err := f.eng.ConfirmPayment(f.ctx, c)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	// A late contradicting callback changes nothing either.
	_, err = f.eng.ConfirmPayment(f.ctx, Confirmation{Reference: res.Reference, Outcome: payment.OutcomeFailed})
	require.NoError(t, err)

	txs, err := f.store.ListTransactions(f.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxEscrowHold, txs[0].Type)
	assert.Equal(t, 1, f.eventCount(model.EventMilestoneFunded))

	_, err = f.eng.ConfirmPayment(f.ctx, Confirmation{Reference: "nope", Outcome: payment.OutcomeSuccess})
	requireKind(t, err, apperror.KindNotFound)
}

func TestVerifyActivatesProjectOnce(t *testing.T) {
	f := newFixture(t)
	p, ms := f.draftProject("1000", "2000")

	_, err := f.eng.VerifyMilestone(f.ctx, client, ms[0].ID)
	require.NoError(t, err)
	_, err = f.eng.VerifyMilestone(f.ctx, client, ms[0].ID)
	requireKind(t, err, apperror.KindConflict)

	got, _ := f.store.GetProject(f.ctx, p.ID)
	assert.Equal(t, model.ProjectDraft, got.Status)

	_, err = f.eng.VerifyMilestone(f.ctx, client, ms[1].ID)
	require.NoError(t, err)
	got, _ = f.store.GetProject(f.ctx, p.ID)
	assert.Equal(t, model.ProjectActive, got.Status)
	assert.NotNil(t, got.ActivatedAt)

	_, err = f.eng.CreateMilestones(f.ctx, company, p.ID, []MilestoneInput{{Title: "Extra", Amount: decimal.NewFromInt(5), SequenceOrder: 3}})
	requireKind(t, err, apperror.KindInvalidTransition)
	got, _ = f.store.GetProject(f.ctx, p.ID)
	assert.Equal(t, model.ProjectActive, got.Status)
	assert.Equal(t, 1, f.eventCount(model.EventProjectActivated))
}

func TestCreateMilestonesRejectsWholeBatch(t *testing.T) {
	f := newFixture(t)
	p, err := f.eng.CreateProject(f.ctx, client, CreateProjectInput{ConsultationID: 99, CompanyID: company.UserID, Title: "Kitchen"})
	require.NoError(t, err)
	assert.Equal(t, "kitchen", p.Slug)

	_, err = f.eng.CreateMilestones(f.ctx, company, p.ID, []MilestoneInput{
		{Title: "Demolition", Amount: decimal.NewFromInt(100), SequenceOrder: 1},
		{Title: "Cabinets", Amount: decimal.NewFromInt(200), SequenceOrder: 1},
		{Title: "", Amount: decimal.RequireFromString("1.005"), SequenceOrder: 0},
	})
	requireKind(t, err, apperror.KindValidation)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Fields, "milestones[1].sequence_order")
	assert.Contains(t, appErr.Fields, "milestones[2].title")
	assert.Contains(t, appErr.Fields, "milestones[2].amount")
	assert.Contains(t, appErr.Fields, "milestones[2].sequence_order")

	ms, err := f.store.ListMilestones(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, ms)

	_, err = f.eng.CreateMilestones(f.ctx, authz.Actor{UserID: 21, Role: authz.RoleCompany}, p.ID,
		[]MilestoneInput{{Title: "A", Amount: decimal.NewFromInt(1), SequenceOrder: 1}})
	requireKind(t, err, apperror.KindForbidden)

	_, err = f.eng.CreateProject(f.ctx, client, CreateProjectInput{ConsultationID: 99, CompanyID: company.UserID, Title: "Again"})
	requireKind(t, err, apperror.KindConflict)
}

func TestSubmitWithoutEvidenceIsInvalid(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000")
	f.fund(ms[0].ID)

	_, err := f.eng.SubmitMilestone(f.ctx, company, ms[0].ID, SubmitInput{Notes: "done"})
	requireKind(t, err, apperror.KindInvalidTransition)
	assert.Equal(t, model.MilestoneFunded, f.milestone(ms[0].ID).Status)

	_, err = f.eng.AddEvidence(f.ctx, company, ms[0].ID, []EvidenceInput{{Kind: model.EvidenceText, Content: "poured"}})
	require.NoError(t, err)
	m, err := f.eng.SubmitMilestone(f.ctx, company, ms[0].ID, SubmitInput{Notes: "done"})
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneSubmitted, m.Status)
	assert.Equal(t, "done", m.CompanyNotes)
}

func TestApprovePendingMilestoneIsInvalid(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000")

	_, err := f.eng.ApproveMilestone(f.ctx, client, ms[0].ID, "")
	requireKind(t, err, apperror.KindInvalidTransition)
}

func TestOwnershipIsCheckedBeforeState(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000")

	_, err := f.eng.ApproveMilestone(f.ctx, stranger, ms[0].ID, "")
	requireKind(t, err, apperror.KindForbidden)
	_, err = f.eng.ApproveMilestone(f.ctx, company, ms[0].ID, "")
	requireKind(t, err, apperror.KindForbidden)
	_, err = f.eng.FundMilestone(f.ctx, stranger, ms[0].ID)
	requireKind(t, err, apperror.KindForbidden)
	_, err = f.eng.ReleaseEscrow(f.ctx, client, ms[0].ID, ReleaseInput{RecipientAccount: "x"})
	requireKind(t, err, apperror.KindForbidden)
}

func TestConcurrentApproveHasOneWinner(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000")
	f.fund(ms[0].ID)
	f.submit(ms[0].ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.eng.ApproveMilestone(f.ctx, client, ms[0].ID, "")
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperror.Is(err, apperror.KindConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, f.eventCount(model.EventMilestoneApproved))
}

func TestRejectOpensDisputeAndRequiresNewEvidence(t *testing.T) {
	f := newFixture(t)
	p, ms := f.activeProject("1000")
	f.fund(ms[0].ID)
	f.submit(ms[0].ID)

	_, err := f.eng.RejectMilestone(f.ctx, client, ms[0].ID, " ")
	requireKind(t, err, apperror.KindValidation)

	res, err := f.eng.RejectMilestone(f.ctx, client, ms[0].ID, "cracks in the slab")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneRejected, res.Milestone.Status)
	assert.Equal(t, 2, res.Milestone.Revision)
	assert.Equal(t, model.DisputeOpen, res.Dispute.Status)
	require.NotNil(t, res.Dispute.MilestoneID)
	assert.Equal(t, ms[0].ID, *res.Dispute.MilestoneID)

	got, _ := f.store.GetProject(f.ctx, p.ID)
	assert.Equal(t, model.ProjectDisputed, got.Status)

	_, err = f.eng.SubmitMilestone(f.ctx, company, ms[0].ID, SubmitInput{})
	requireKind(t, err, apperror.KindInvalidTransition)
	f.submit(ms[0].ID)
	assert.Equal(t, model.MilestoneSubmitted, f.milestone(ms[0].ID).Status)

	_, err = f.eng.ResolveDispute(f.ctx, client, res.Dispute.ID, "fixed")
	requireKind(t, err, apperror.KindForbidden)
	_, err = f.eng.EscalateDispute(f.ctx, admin, res.Dispute.ID)
	require.NoError(t, err)
	d, err := f.eng.ResolveDispute(f.ctx, admin, res.Dispute.ID, "slab repaired")
	require.NoError(t, err)
	assert.Equal(t, model.DisputeResolved, d.Status)
	_, err = f.eng.ResolveDispute(f.ctx, admin, res.Dispute.ID, "again")
	requireKind(t, err, apperror.KindAlreadyFinalized)

	got, _ = f.store.GetProject(f.ctx, p.ID)
	assert.Equal(t, model.ProjectActive, got.Status)
}

func TestOpenDisputeLeavesMilestoneStatus(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000")
	f.fund(ms[0].ID)

	_, err := f.eng.OpenDispute(f.ctx, client, ms[0].ID, "late")
	requireKind(t, err, apperror.KindInvalidTransition)

	f.submit(ms[0].ID)
	d, err := f.eng.OpenDispute(f.ctx, client, ms[0].ID, "materials differ from plan")
	require.NoError(t, err)
	assert.Equal(t, model.DisputeOpen, d.Status)
	assert.Equal(t, model.MilestoneSubmitted, f.milestone(ms[0].ID).Status)

	_, err = f.eng.OpenDispute(f.ctx, client, ms[0].ID, "again")
	requireKind(t, err, apperror.KindConflict)
}

func TestReleaseTwiceIsAlreadyFinalized(t *testing.T) {
	f := newFixture(t)
	p, m := f.approvedMilestone("100000")

	res, err := f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{RecipientAccount: "BCA-001"})
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, res.Escrow.Status)
	assert.Empty(t, res.Escrow.PendingOperation)
	assert.Equal(t, model.PaymentConfirmed, res.Payment.Status)
	assert.True(t, decimal.RequireFromString("93500").Equal(res.Payment.Amount))
	assert.Equal(t, model.MilestoneReleased, f.milestone(m.ID).Status)

	for range 2 {
		_, err = f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{RecipientAccount: "BCA-001"})
		requireKind(t, err, apperror.KindAlreadyFinalized)
	}
	assert.Len(t, f.gw.Transfers(), 1)

	txs, err := f.store.ListTransactions(f.ctx, p.ID)
	require.NoError(t, err)
	byType := map[model.TransactionType]decimal.Decimal{}
	for _, tx := range txs {
		byType[tx.Type] = tx.Amount
	}
	assert.True(t, decimal.RequireFromString("100000").Equal(byType[model.TxEscrowHold]))
	assert.True(t, decimal.RequireFromString("93500").Equal(byType[model.TxEscrowRelease]))
	assert.True(t, decimal.RequireFromString("6500").Equal(byType[model.TxPlatformFee]))

	got, _ := f.store.GetProject(f.ctx, p.ID)
	assert.Equal(t, model.ProjectCompleted, got.Status)
	assert.Equal(t, 1, f.eventCount(model.EventEscrowReleased))
	assert.Zero(t, f.eventCount(model.EventAdminOverrideRelease))
}

func TestReleaseRequiresApprovalUnlessOverridden(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000")
	f.fund(ms[0].ID)
	f.submit(ms[0].ID)

	_, err := f.eng.ReleaseEscrow(f.ctx, admin, ms[0].ID, ReleaseInput{RecipientAccount: "acct"})
	requireKind(t, err, apperror.KindInvalidTransition)
	assert.Contains(t, err.Error(), "use override")

	res, err := f.eng.ReleaseEscrow(f.ctx, admin, ms[0].ID, ReleaseInput{Override: true, RecipientAccount: "acct"})
	require.NoError(t, err)
	assert.True(t, res.Payment.Override)
	assert.Equal(t, model.EscrowReleased, res.Escrow.Status)
	assert.Equal(t, 1, f.eventCount(model.EventAdminOverrideRelease))
}

func TestReleaseUsesRequestedAccount(t *testing.T) {
	f := newFixture(t)
	_, m := f.approvedMilestone("5000")

	_, err := f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{})
	requireKind(t, err, apperror.KindValidation)

	req, err := f.eng.RequestRelease(f.ctx, company, m.ID, "MANDIRI-77")
	require.NoError(t, err)
	assert.Equal(t, model.ReleaseRequestPending, req.Status)
	_, err = f.eng.RequestRelease(f.ctx, company, m.ID, "MANDIRI-77")
	requireKind(t, err, apperror.KindDuplicatePending)

	queue, err := f.eng.ListReleaseRequests(f.ctx, admin, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	_, err = f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{})
	require.NoError(t, err)
	transfers := f.gw.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "MANDIRI-77", transfers[0].AccountID)

	queue, err = f.eng.ListReleaseRequests(f.ctx, admin, 10)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestReleaseAndRefundRace(t *testing.T) {
	f := newFixture(t)
	_, m := f.approvedMilestone("1000")

	var refundErr error
	f.gw.BeforeTransfer = func() {
		f.gw.BeforeTransfer = nil
		_, refundErr = f.eng.RefundEscrow(f.ctx, client, m.ID, RefundInput{Reason: "changed my mind"})
	}
	res, err := f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{RecipientAccount: "acct"})
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, res.Escrow.Status)
	requireKind(t, refundErr, apperror.KindConflict)

	_, err = f.eng.RefundEscrow(f.ctx, client, m.ID, RefundInput{Reason: "too late"})
	requireKind(t, err, apperror.KindAlreadyFinalized)
}

func TestReleaseGatewayUnavailableKeepsEscrowHeld(t *testing.T) {
	f := newFixture(t)
	_, m := f.approvedMilestone("1000")
	f.gw.TransferErr = fmt.Errorf("%w: dial tcp: connection refused", payment.ErrUnavailable)

	_, err := f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{RecipientAccount: "acct"})
	requireKind(t, err, apperror.KindGatewayUnavailable)
	esc := f.escrow(m.ID)
	assert.Equal(t, model.EscrowHeld, esc.Status)
	assert.Empty(t, esc.PendingOperation)
	assert.Equal(t, model.MilestoneApproved, f.milestone(m.ID).Status)

	f.gw.TransferErr = nil
	res, err := f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{RecipientAccount: "acct"})
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, res.Escrow.Status)
}

func TestReleaseWithUnknownOutcomeKeepsLock(t *testing.T) {
	f := newFixture(t)
	_, m := f.approvedMilestone("1000")
	f.gw.TransferErr = fmt.Errorf("%w: context deadline exceeded", payment.ErrOutcomeUnknown)

	_, err := f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{RecipientAccount: "acct"})
	requireKind(t, err, apperror.KindGatewayUnavailable)
	esc := f.escrow(m.ID)
	assert.Equal(t, model.EscrowHeld, esc.Status)
	assert.Equal(t, model.PaymentRelease, esc.PendingOperation)

	_, err = f.eng.RefundEscrow(f.ctx, client, m.ID, RefundInput{Reason: "stuck"})
	requireKind(t, err, apperror.KindConflict)

	open, err := f.store.FindOpenPayment(f.ctx, m.ID, model.PaymentRelease)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPendingConfirmation, open.Status)

	_, err = f.eng.ResolvePayment(f.ctx, open.ID, payment.OutcomeSuccess, "ref-late", "")
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, f.escrow(m.ID).Status)
}

func TestPendingTransferAwaitsCallback(t *testing.T) {
	f := newFixture(t)
	_, m := f.approvedMilestone("1000")
	f.gw.TransferOutcome = payment.OutcomePending

	res, err := f.eng.ReleaseEscrow(f.ctx, admin, m.ID, ReleaseInput{RecipientAccount: "acct"})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentAwaitingCallback, res.Payment.Status)
	assert.Equal(t, model.EscrowHeld, res.Escrow.Status)

	_, err = f.eng.ConfirmPayment(f.ctx, Confirmation{Reference: res.Payment.Reference, Outcome: payment.OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, f.escrow(m.ID).Status)
	assert.Equal(t, model.MilestoneReleased, f.milestone(m.ID).Status)
}

func TestRefundLeavesMilestoneUntouched(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000")
	f.fund(ms[0].ID)

	_, err := f.eng.RefundEscrow(f.ctx, client, ms[0].ID, RefundInput{})
	requireKind(t, err, apperror.KindValidation)
	_, err = f.eng.RefundEscrow(f.ctx, stranger, ms[0].ID, RefundInput{Reason: "x"})
	requireKind(t, err, apperror.KindForbidden)

	res, err := f.eng.RefundEscrow(f.ctx, client, ms[0].ID, RefundInput{Reason: "company vanished", AccountID: "BNI-3"})
	require.NoError(t, err)
	assert.Equal(t, model.EscrowRefunded, res.Escrow.Status)
	assert.True(t, decimal.NewFromInt(1000).Equal(res.Payment.Amount))
	assert.Equal(t, model.MilestoneFunded, f.milestone(ms[0].ID).Status)

	_, err = f.eng.ReleaseEscrow(f.ctx, admin, ms[0].ID, ReleaseInput{Override: true, RecipientAccount: "acct"})
	requireKind(t, err, apperror.KindAlreadyFinalized)
}

func TestRefundClearsQueuedReleaseRequest(t *testing.T) {
	f := newFixture(t)
	_, m := f.approvedMilestone("1000")

	_, err := f.eng.RequestRelease(f.ctx, company, m.ID, "BCA-9")
	require.NoError(t, err)

	res, err := f.eng.RefundEscrow(f.ctx, client, m.ID, RefundInput{Reason: "work abandoned"})
	require.NoError(t, err)
	assert.Equal(t, model.EscrowRefunded, res.Escrow.Status)

	queue, err := f.eng.ListReleaseRequests(f.ctx, admin, 10)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestOverrideReleaseClosesMilestoneDisputes(t *testing.T) {
	f := newFixture(t)
	p, ms := f.activeProject("1000")
	f.fund(ms[0].ID)
	f.submit(ms[0].ID)
	rej, err := f.eng.RejectMilestone(f.ctx, client, ms[0].ID, "wrong tiles")
	require.NoError(t, err)

	_, err = f.eng.ReleaseEscrow(f.ctx, admin, ms[0].ID, ReleaseInput{Override: true, RecipientAccount: "acct"})
	require.NoError(t, err)

	d, err := f.store.GetDispute(f.ctx, rej.Dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DisputeResolved, d.Status)
	require.NotNil(t, d.ResolvedBy)
	assert.Equal(t, admin.UserID, *d.ResolvedBy)

	active, err := f.store.CountActiveDisputes(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, active)
	got, _ := f.store.GetProject(f.ctx, p.ID)
	assert.Equal(t, model.ProjectCompleted, got.Status)
}

func TestReleaseKeepsProjectDisputedWhileOtherDisputesOpen(t *testing.T) {
	f := newFixture(t)
	p, ms := f.activeProject("1000", "2000")
	for _, m := range ms {
		f.fund(m.ID)
		f.submit(m.ID)
	}
	_, err := f.eng.RejectMilestone(f.ctx, client, ms[0].ID, "wrong tiles")
	require.NoError(t, err)
	_, err = f.eng.RejectMilestone(f.ctx, client, ms[1].ID, "roof leaks")
	require.NoError(t, err)

	_, err = f.eng.ReleaseEscrow(f.ctx, admin, ms[0].ID, ReleaseInput{Override: true, RecipientAccount: "acct"})
	require.NoError(t, err)

	active, err := f.store.CountActiveDisputes(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	got, _ := f.store.GetProject(f.ctx, p.ID)
	assert.Equal(t, model.ProjectDisputed, got.Status)
}

func TestMilestonesFundIndependently(t *testing.T) {
	f := newFixture(t)
	_, ms := f.activeProject("1000", "2000", "3000")

	var wg sync.WaitGroup
	errs := make([]error, len(ms))
	for i, m := range ms {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.eng.FundMilestone(f.ctx, client, id)
		}(i, m.ID)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, f.gw.Initiated(), 3)
}
