package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentKind string

const (
	PaymentFund    PaymentKind = "fund"
	PaymentRelease PaymentKind = "release"
	PaymentRefund  PaymentKind = "refund"
)

type PaymentStatus string

const (
	// PaymentIntent is persisted before the gateway is called.
	PaymentIntent PaymentStatus = "intent"
	// PaymentAwaitingCallback means a hosted session exists and the
	// gateway will report the outcome asynchronously.
	PaymentAwaitingCallback PaymentStatus = "awaiting_callback"
	// PaymentPendingConfirmation means the gateway call timed out or its
	// outcome is unknown; reconciliation resolves it.
	PaymentPendingConfirmation PaymentStatus = "pending_confirmation"
	PaymentConfirmed           PaymentStatus = "confirmed"
	PaymentFailed              PaymentStatus = "failed"
)

func (s PaymentStatus) Open() bool {
	return s == PaymentIntent || s == PaymentAwaitingCallback || s == PaymentPendingConfirmation
}

var OpenPaymentStatuses = []PaymentStatus{PaymentIntent, PaymentAwaitingCallback, PaymentPendingConfirmation}

// Payment tracks one money movement through the gateway, from intent to a
// terminal outcome.
type Payment struct {
	ID             int64           `json:"id"`
	ProjectID      int64           `json:"project_id"`
	MilestoneID    int64           `json:"milestone_id"`
	EscrowID       *int64          `json:"escrow_id,omitempty"`
	Kind           PaymentKind     `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reference      string          `json:"reference,omitempty"`
	PaymentURL     string          `json:"payment_url,omitempty"`
	Status         PaymentStatus   `json:"status"`
	Override       bool            `json:"override,omitempty"`
	AccountID      string          `json:"account_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	// Fee snapshot taken when a fund intent is created.
	FeeSettingID  int64           `json:"fee_setting_id,omitempty"`
	FeePercentage decimal.Decimal `json:"fee_percentage"`
	InitiatedBy   int64           `json:"initiated_by"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
