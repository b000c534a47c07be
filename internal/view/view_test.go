package view

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/internal/authz"
	"escrowflow/internal/model"
)

func sampleEscrow() *model.Escrow {
	return &model.Escrow{
		ID:                    7,
		MilestoneID:           3,
		Amount:                decimal.NewFromInt(100000),
		PlatformFee:           decimal.RequireFromString("6500.00"),
		PlatformFeePercentage: decimal.RequireFromString("6.5"),
		NetAmount:             decimal.RequireFromString("93500.00"),
		Status:                model.EscrowHeld,
	}
}

func TestEscrowFeeVisibility(t *testing.T) {
	tests := []struct {
		role    authz.Role
		visible bool
	}{
		{authz.RoleClient, false},
		{authz.RoleCompany, true},
		{authz.RoleAdmin, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			body, err := json.Marshal(NewEscrow(sampleEscrow(), tt.role))
			require.NoError(t, err)
			var fields map[string]any
			require.NoError(t, json.Unmarshal(body, &fields))
			_, hasFee := fields["platform_fee"]
			_, hasNet := fields["net_amount"]
			assert.Equal(t, tt.visible, hasFee)
			assert.Equal(t, tt.visible, hasNet)
			assert.Contains(t, fields, "amount")
		})
	}
}

func TestNewEscrowNil(t *testing.T) {
	assert.Nil(t, NewEscrow(nil, authz.RoleAdmin))
}

func TestTransactionsHidePlatformFeeFromClients(t *testing.T) {
	txs := []model.Transaction{
		{ID: 1, Type: model.TxEscrowHold},
		{ID: 2, Type: model.TxEscrowRelease},
		{ID: 3, Type: model.TxPlatformFee},
	}
	assert.Len(t, NewTransactions(txs, authz.RoleClient), 2)
	assert.Len(t, NewTransactions(txs, authz.RoleCompany), 3)
}

func TestPaymentHidesInternals(t *testing.T) {
	p := &model.Payment{ID: 1, IdempotencyKey: "k", FeePercentage: decimal.RequireFromString("6.5"), LastError: "timeout"}
	client := NewPayment(p, authz.RoleClient)
	assert.Nil(t, client.FeePercentage)
	assert.Empty(t, client.IdempotencyKey)

	company := NewPayment(p, authz.RoleCompany)
	require.NotNil(t, company.FeePercentage)
	assert.Empty(t, company.LastError)

	admin := NewPayment(p, authz.RoleAdmin)
	assert.Equal(t, "k", admin.IdempotencyKey)
	assert.Equal(t, "timeout", admin.LastError)
}
