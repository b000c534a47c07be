package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/internal/model"
)

func seedProject(t *testing.T, s *MemoryStore) *model.Project {
	t.Helper()
	p := &model.Project{ClientID: 1, CompanyID: 2, ConsultationID: 3, Title: "House", Status: model.ProjectDraft}
	require.NoError(t, s.Atomic(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertProject(ctx, p)
	}))
	return p
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	p := seedProject(t, s)
	boom := errors.New("boom")

	err := s.Atomic(context.Background(), func(ctx context.Context, tx Tx) error {
		p.Title = "Changed"
		if err := tx.UpdateProject(ctx, p); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "House", got.Title)
	assert.Equal(t, int64(1), got.Version)
}

func TestVersionedUpdateDetectsStaleWrite(t *testing.T) {
	s := NewMemoryStore()
	p := seedProject(t, s)
	ctx := context.Background()

	first, _ := s.GetProject(ctx, p.ID)
	second, _ := s.GetProject(ctx, p.ID)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		first.Status = model.ProjectActive
		return tx.UpdateProject(ctx, first)
	}))
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		second.Status = model.ProjectCancelled
		return tx.UpdateProject(ctx, second)
	})
	assert.ErrorIs(t, err, ErrStale)
}

func TestUniquePendingDocumentRequest(t *testing.T) {
	s := NewMemoryStore()
	p := seedProject(t, s)
	ctx := context.Background()

	insert := func(docType model.DocumentType, extra *int64) error {
		return s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertDocumentRequest(ctx, &model.DocumentUpdateRequest{
				ProjectID:       p.ID,
				DocumentType:    docType,
				ExtraDocumentID: extra,
				Status:          model.RequestPending,
				RequestedBy:     2,
			})
		})
	}

	require.NoError(t, insert(model.DocumentStructural, nil))
	assert.ErrorIs(t, insert(model.DocumentStructural, nil), ErrDuplicate)
	require.NoError(t, insert(model.DocumentPlumbing, nil))

	one, two := int64(1), int64(2)
	require.NoError(t, insert(model.DocumentExtra, &one))
	require.NoError(t, insert(model.DocumentExtra, &two))
	assert.ErrorIs(t, insert(model.DocumentExtra, &one), ErrDuplicate)
}

func TestOpenPaymentUniquePerMilestoneAndKind(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pay := func(key string, status model.PaymentStatus) *model.Payment {
		return &model.Payment{MilestoneID: 7, Kind: model.PaymentFund, IdempotencyKey: key,
			Amount: decimal.NewFromInt(10), Status: status}
	}
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertPayment(ctx, pay("a", model.PaymentIntent))
	}))
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertPayment(ctx, pay("b", model.PaymentIntent))
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertPayment(ctx, pay("c", model.PaymentFailed))
	}))
}

func TestCurrentFeeSettingIsNewest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CurrentFeeSetting(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	for _, pct := range []string{"6.5", "7"} {
		pct := decimal.RequireFromString(pct)
		require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertFeeSetting(ctx, &model.FeeSetting{Percentage: pct})
		}))
	}
	cur, err := s.CurrentFeeSetting(ctx)
	require.NoError(t, err)
	assert.True(t, cur.Percentage.Equal(decimal.NewFromInt(7)))
}

func TestEventsOnlyVisibleAfterCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_ = tx.AppendEvent(ctx, model.Event{Type: model.EventProjectCreated})
		return errors.New("rollback")
	})
	assert.Empty(t, s.Events())

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AppendEvent(ctx, model.Event{Type: model.EventProjectCreated})
	}))
	assert.Len(t, s.Events(), 1)
}
