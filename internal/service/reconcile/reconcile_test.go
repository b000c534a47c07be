package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/payment"
	"escrowflow/internal/payment/paymenttest"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/workflow"
)

var (
	client  = authz.Actor{UserID: 10, Role: authz.RoleClient}
	company = authz.Actor{UserID: 20, Role: authz.RoleCompany}
	admin   = authz.Actor{UserID: 30, Role: authz.RoleAdmin}
)

type memCounter map[string]int64

func (c memCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	c[key]++
	return c[key], nil
}

func (c memCounter) Reset(_ context.Context, key string) error {
	delete(c, key)
	return nil
}

type env struct {
	ctx     context.Context
	store   *repository.MemoryStore
	gw      *paymenttest.Gateway
	eng     *workflow.Engine
	job     *Job
	counter memCounter
}

var start = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, maxAttempts int) *env {
	t.Helper()
	clock := func() time.Time { return start }
	store := repository.NewMemoryStore().WithClock(clock)
	gw := paymenttest.New()
	eng := workflow.NewEngine(store, gw, workflow.Config{}, zap.NewNop()).WithClock(clock)
	counter := memCounter{}
	job := NewJob(store, gw, eng, counter, Config{Grace: 5 * time.Minute, MaxAttempts: maxAttempts}, zap.NewNop()).
		WithClock(func() time.Time { return start.Add(10 * time.Minute) })
	return &env{ctx: context.Background(), store: store, gw: gw, eng: eng, job: job, counter: counter}
}

// milestone returns a verified milestone of a fresh active project.
func (e *env) milestone(t *testing.T) model.Milestone {
	t.Helper()
	p, err := e.eng.CreateProject(e.ctx, client, workflow.CreateProjectInput{ConsultationID: 1, CompanyID: company.UserID, Title: "Garage"})
	require.NoError(t, err)
	ms, err := e.eng.CreateMilestones(e.ctx, company, p.ID, []workflow.MilestoneInput{{Title: "Roof", Amount: decimal.NewFromInt(1000), SequenceOrder: 1}})
	require.NoError(t, err)
	_, err = e.eng.VerifyMilestone(e.ctx, client, ms[0].ID)
	require.NoError(t, err)
	return ms[0]
}

func TestUnknownOperationIsFailed(t *testing.T) {
	e := newEnv(t, 3)
	m := e.milestone(t)
	e.gw.InitiateErr = fmt.Errorf("%w: read: connection reset", payment.ErrOutcomeUnknown)
	_, err := e.eng.FundMilestone(e.ctx, client, m.ID)
	require.Error(t, err)

	open, err := e.store.FindOpenPayment(e.ctx, m.ID, model.PaymentFund)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPendingConfirmation, open.Status)

	sum, err := e.job.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 1, Failed: 1}, sum)

	p, err := e.store.GetPayment(e.ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, p.Status)
	got, _ := e.store.GetMilestone(e.ctx, m.ID)
	assert.Equal(t, model.MilestonePending, got.Status)
}

func TestPendingTransferIsConfirmedFromLookup(t *testing.T) {
	e := newEnv(t, 3)
	m := e.milestone(t)
	res, err := e.eng.FundMilestone(e.ctx, client, m.ID)
	require.NoError(t, err)
	e.gw.SetOutcome(res.Payment.IdempotencyKey, payment.OutcomeSuccess)

	sum, err := e.job.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Confirmed)

	got, _ := e.store.GetMilestone(e.ctx, m.ID)
	assert.Equal(t, model.MilestoneFunded, got.Status)
	esc, err := e.store.GetEscrowByMilestone(e.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowHeld, esc.Status)

	// Settled payments drop out of the next run.
	sum, err = e.job.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Checked)
}

func TestReleaseLockIsFreedAfterMaxAttempts(t *testing.T) {
	e := newEnv(t, 2)
	m := e.milestone(t)
	res, err := e.eng.FundMilestone(e.ctx, client, m.ID)
	require.NoError(t, err)
	_, err = e.eng.ConfirmPayment(e.ctx, workflow.Confirmation{Reference: res.Reference, Outcome: payment.OutcomeSuccess})
	require.NoError(t, err)

	e.gw.TransferOutcome = payment.OutcomePending
	_, err = e.eng.ReleaseEscrow(e.ctx, admin, m.ID, workflow.ReleaseInput{Override: true, RecipientAccount: "acct"})
	require.NoError(t, err)

	sum, err := e.job.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 1, Pending: 1}, sum)
	esc, _ := e.store.GetEscrowByMilestone(e.ctx, m.ID)
	assert.Equal(t, model.PaymentRelease, esc.PendingOperation)

	sum, err = e.job.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 1, Failed: 1}, sum)
	esc, _ = e.store.GetEscrowByMilestone(e.ctx, m.ID)
	assert.Equal(t, model.EscrowHeld, esc.Status)
	assert.Empty(t, esc.PendingOperation)
	assert.Empty(t, e.counter)
}

func TestRecentPaymentsAreLeftAlone(t *testing.T) {
	e := newEnv(t, 3)
	e.job.WithClock(func() time.Time { return start.Add(time.Minute) })
	m := e.milestone(t)
	_, err := e.eng.FundMilestone(e.ctx, client, m.ID)
	require.NoError(t, err)

	sum, err := e.job.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Checked)
}

func TestLookupErrorsAreRetried(t *testing.T) {
	e := newEnv(t, 3)
	m := e.milestone(t)
	_, err := e.eng.FundMilestone(e.ctx, client, m.ID)
	require.NoError(t, err)
	e.gw.LookupErr = fmt.Errorf("%w: 503", payment.ErrUnavailable)

	sum, err := e.job.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 1, Errors: 1}, sum)

	open, err := e.store.FindOpenPayment(e.ctx, m.ID, model.PaymentFund)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentAwaitingCallback, open.Status)
}
