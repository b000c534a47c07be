package documents

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
)

var (
	client  = authz.Actor{UserID: 10, Role: authz.RoleClient}
	company = authz.Actor{UserID: 20, Role: authz.RoleCompany}
)

func setup(t *testing.T) (*Service, *repository.MemoryStore, int64) {
	t.Helper()
	store := repository.NewMemoryStore()
	p := &model.Project{ClientID: client.UserID, CompanyID: company.UserID, ConsultationID: 1, Title: "Villa", Status: model.ProjectDraft}
	require.NoError(t, store.Atomic(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertProject(ctx, p)
	}))
	return NewService(store, zap.NewNop()), store, p.ID
}

func requireKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperror.KindOf(err), "error: %v", err)
}

func TestSlotIsImmutableOnceSet(t *testing.T) {
	svc, _, projectID := setup(t)
	ctx := context.Background()

	_, err := svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentStructural})
	requireKind(t, err, apperror.KindInvalidTransition)

	p, err := svc.SetDocument(ctx, company, projectID, model.DocumentStructural, "https://cdn.test/v1.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/v1.pdf", p.Documents[model.DocumentStructural])

	_, err = svc.SetDocument(ctx, company, projectID, model.DocumentStructural, "https://cdn.test/v2.pdf")
	requireKind(t, err, apperror.KindInvalidTransition)

	req, err := svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentStructural, Reason: "revised load calc"})
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, req.Status)

	_, err = svc.Grant(ctx, company, req.ID)
	requireKind(t, err, apperror.KindForbidden)
	granted, err := svc.Grant(ctx, client, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestGranted, granted.Status)
	_, err = svc.Deny(ctx, client, req.ID)
	requireKind(t, err, apperror.KindAlreadyFinalized)

	p, err = svc.SetDocument(ctx, company, projectID, model.DocumentStructural, "https://cdn.test/v2.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/v2.pdf", p.Documents[model.DocumentStructural])

	// The grant covered one overwrite only.
	_, err = svc.SetDocument(ctx, company, projectID, model.DocumentStructural, "https://cdn.test/v3.pdf")
	requireKind(t, err, apperror.KindInvalidTransition)
}

func TestDeniedRequestCanBeRetried(t *testing.T) {
	svc, _, projectID := setup(t)
	ctx := context.Background()
	_, err := svc.SetDocument(ctx, company, projectID, model.DocumentPreviewImage, "https://cdn.test/a.png")
	require.NoError(t, err)

	req, err := svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentPreviewImage})
	require.NoError(t, err)
	_, err = svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentPreviewImage})
	requireKind(t, err, apperror.KindDuplicatePending)

	_, err = svc.Deny(ctx, client, req.ID)
	require.NoError(t, err)
	_, err = svc.SetDocument(ctx, company, projectID, model.DocumentPreviewImage, "https://cdn.test/b.png")
	requireKind(t, err, apperror.KindInvalidTransition)

	_, err = svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentPreviewImage})
	require.NoError(t, err)

	reqs, err := svc.ListRequests(ctx, client, projectID)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
}

func TestConcurrentDuplicateRequestsYieldOnePending(t *testing.T) {
	svc, store, projectID := setup(t)
	ctx := context.Background()
	_, err := svc.SetDocument(ctx, company, projectID, model.DocumentElectrical, "https://cdn.test/e.pdf")
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentElectrical})
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperror.Is(err, apperror.KindDuplicatePending):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)

	reqs, err := store.ListDocumentRequests(ctx, projectID)
	require.NoError(t, err)
	pending := 0
	for _, r := range reqs {
		if r.Status == model.RequestPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)
}

func TestExtraDocumentsAreGatedByID(t *testing.T) {
	svc, _, projectID := setup(t)
	ctx := context.Background()

	first, err := svc.AddExtraDocument(ctx, company, projectID, "Soil report", "https://cdn.test/soil.pdf")
	require.NoError(t, err)
	second, err := svc.AddExtraDocument(ctx, company, projectID, "Permit", "https://cdn.test/permit.pdf")
	require.NoError(t, err)

	_, err = svc.AddExtraDocument(ctx, company, projectID, "", "")
	requireKind(t, err, apperror.KindValidation)

	_, err = svc.UpdateExtraDocument(ctx, company, projectID, first.ID, "https://cdn.test/soil-v2.pdf")
	requireKind(t, err, apperror.KindInvalidTransition)

	_, err = svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentExtra})
	requireKind(t, err, apperror.KindValidation)

	req, err := svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentExtra, ExtraDocumentID: &first.ID})
	require.NoError(t, err)
	// A different extra document has its own key.
	_, err = svc.RequestUpdate(ctx, company, projectID, RequestInput{DocumentType: model.DocumentExtra, ExtraDocumentID: &second.ID})
	require.NoError(t, err)

	_, err = svc.Grant(ctx, client, req.ID)
	require.NoError(t, err)

	_, err = svc.UpdateExtraDocument(ctx, company, projectID, second.ID, "https://cdn.test/permit-v2.pdf")
	requireKind(t, err, apperror.KindInvalidTransition)
	updated, err := svc.UpdateExtraDocument(ctx, company, projectID, first.ID, "https://cdn.test/soil-v2.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/soil-v2.pdf", updated.URL)

	docs, err := svc.ListExtraDocuments(ctx, client, projectID)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}
