package feesetting

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
)

var admin = authz.Actor{UserID: 1, Role: authz.RoleAdmin}

func TestUpdateRecordsNewVersion(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := NewService(store, decimal.RequireFromString("6.5"), zap.NewNop())
	ctx := context.Background()

	cur, err := svc.Current(ctx, admin)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("6.5").Equal(cur.Percentage))

	first, err := svc.Update(ctx, admin, decimal.NewFromInt(7))
	require.NoError(t, err)
	second, err := svc.Update(ctx, admin, decimal.RequireFromString("5.25"))
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	cur, err = svc.Current(ctx, authz.Actor{UserID: 2, Role: authz.RoleCompany})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("5.25").Equal(cur.Percentage))

	var updates int
	for _, ev := range store.Events() {
		if ev.Type == model.EventPlatformFeeUpdated {
			updates++
		}
	}
	assert.Equal(t, 2, updates)
}

func TestUpdateRejectsOutOfRange(t *testing.T) {
	svc := NewService(repository.NewMemoryStore(), decimal.RequireFromString("6.5"), zap.NewNop())
	ctx := context.Background()

	for _, v := range []string{"4.99", "8.01", "0", "-5", "6.555"} {
		_, err := svc.Update(ctx, admin, decimal.RequireFromString(v))
		require.Error(t, err, v)
		assert.Equal(t, apperror.KindValidation, apperror.KindOf(err), v)
	}
	for _, v := range []string{"5", "8"} {
		_, err := svc.Update(ctx, admin, decimal.RequireFromString(v))
		assert.NoError(t, err, v)
	}
}

func TestOnlyAdminUpdates(t *testing.T) {
	svc := NewService(repository.NewMemoryStore(), decimal.RequireFromString("6.5"), zap.NewNop())
	_, err := svc.Update(context.Background(), authz.Actor{UserID: 2, Role: authz.RoleClient}, decimal.NewFromInt(6))
	assert.True(t, apperror.Is(err, apperror.KindForbidden))
	_, err = svc.Current(context.Background(), authz.Actor{UserID: 2, Role: authz.RoleClient})
	assert.True(t, apperror.Is(err, apperror.KindForbidden))
}
