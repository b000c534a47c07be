package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// Escrow holds the funds of one milestone. The fee fields are a snapshot of
// the platform fee in force when the milestone was funded.
type Escrow struct {
	ID                    int64           `json:"id"`
	MilestoneID           int64           `json:"milestone_id"`
	ProjectID             int64           `json:"project_id"`
	Amount                decimal.Decimal `json:"amount"`
	PlatformFee           decimal.Decimal `json:"platform_fee"`
	PlatformFeePercentage decimal.Decimal `json:"platform_fee_percentage"`
	NetAmount             decimal.Decimal `json:"net_amount"`
	FeeSettingID          int64           `json:"fee_setting_id"`
	Status                EscrowStatus    `json:"status"`
	// PendingOperation is the release or refund currently at the gateway.
	// At most one may be in flight.
	PendingOperation PaymentKind `json:"pending_operation,omitempty"`
	FinalizedAt      *time.Time  `json:"finalized_at,omitempty"`
	Version          int64       `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

type ReleaseRequestStatus string

const (
	ReleaseRequestPending   ReleaseRequestStatus = "pending"
	ReleaseRequestProcessed ReleaseRequestStatus = "processed"
)

// ReleaseRequest queues a company's ask for an admin release.
type ReleaseRequest struct {
	ID          int64                `json:"id"`
	EscrowID    int64                `json:"escrow_id"`
	MilestoneID int64                `json:"milestone_id"`
	ProjectID   int64                `json:"project_id"`
	RequestedBy int64                `json:"requested_by"`
	AccountID   string               `json:"account_id,omitempty"`
	Status      ReleaseRequestStatus `json:"status"`
	ProcessedAt *time.Time           `json:"processed_at,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

type TransactionType string

const (
	TxEscrowHold    TransactionType = "escrow_hold"
	TxEscrowRelease TransactionType = "escrow_release"
	TxPlatformFee   TransactionType = "platform_fee"
	TxEscrowRefund  TransactionType = "escrow_refund"
)

// Transaction is an append-only money movement row.
type Transaction struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project_id"`
	MilestoneID int64           `json:"milestone_id"`
	EscrowID    int64           `json:"escrow_id"`
	PaymentID   int64           `json:"payment_id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FeeSetting is one version of the global platform fee. Rows are never
// updated; the newest row is in force.
type FeeSetting struct {
	ID         int64           `json:"id"`
	Percentage decimal.Decimal `json:"percentage"`
	SetBy      int64           `json:"set_by"`
	CreatedAt  time.Time       `json:"created_at"`
}
