// Package view shapes workflow results for the requesting role. Business
// decisions never happen here; only field visibility does.
package view

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/service/workflow"
)

// seesFees reports whether role may see the platform fee breakdown.
func seesFees(role authz.Role) bool {
	return role == authz.RoleCompany || role == authz.RoleAdmin
}

type Escrow struct {
	ID                    int64              `json:"id"`
	MilestoneID           int64              `json:"milestone_id"`
	ProjectID             int64              `json:"project_id"`
	Amount                decimal.Decimal    `json:"amount"`
	Status                model.EscrowStatus `json:"status"`
	PendingOperation      model.PaymentKind  `json:"pending_operation,omitempty"`
	PlatformFee           *decimal.Decimal   `json:"platform_fee,omitempty"`
	PlatformFeePercentage *decimal.Decimal   `json:"platform_fee_percentage,omitempty"`
	NetAmount             *decimal.Decimal   `json:"net_amount,omitempty"`
	FinalizedAt           *time.Time         `json:"finalized_at,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
}

func NewEscrow(e *model.Escrow, role authz.Role) *Escrow {
	if e == nil {
		return nil
	}
	v := &Escrow{
		ID:               e.ID,
		MilestoneID:      e.MilestoneID,
		ProjectID:        e.ProjectID,
		Amount:           e.Amount,
		Status:           e.Status,
		PendingOperation: e.PendingOperation,
		FinalizedAt:      e.FinalizedAt,
		CreatedAt:        e.CreatedAt,
	}
	if seesFees(role) {
		fee, pct, net := e.PlatformFee, e.PlatformFeePercentage, e.NetAmount
		v.PlatformFee, v.PlatformFeePercentage, v.NetAmount = &fee, &pct, &net
	}
	return v
}

type Milestone struct {
	model.Milestone
	Evidence []model.Evidence `json:"evidence,omitempty"`
	Escrow   *Escrow          `json:"escrow,omitempty"`
}

func NewMilestone(m model.Milestone) Milestone {
	return Milestone{Milestone: m}
}

func NewMilestones(ms []model.Milestone) []Milestone {
	out := make([]Milestone, len(ms))
	for i, m := range ms {
		out[i] = NewMilestone(m)
	}
	return out
}

func NewMilestoneDetail(d *workflow.MilestoneDetail, role authz.Role) Milestone {
	return Milestone{
		Milestone: d.Milestone,
		Evidence:  d.Evidence,
		Escrow:    NewEscrow(d.Escrow, role),
	}
}

type Payment struct {
	ID             int64               `json:"id"`
	MilestoneID    int64               `json:"milestone_id"`
	Kind           model.PaymentKind   `json:"kind"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	Status         model.PaymentStatus `json:"status"`
	Reference      string              `json:"reference,omitempty"`
	PaymentURL     string              `json:"payment_url,omitempty"`
	Override       bool                `json:"override,omitempty"`
	FeePercentage  *decimal.Decimal    `json:"fee_percentage,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// NewPayment hides the fee from clients and gateway internals from
// everyone but admins.
func NewPayment(p *model.Payment, role authz.Role) Payment {
	v := Payment{
		ID:          p.ID,
		MilestoneID: p.MilestoneID,
		Kind:        p.Kind,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Status:      p.Status,
		Reference:   p.Reference,
		PaymentURL:  p.PaymentURL,
		Override:    p.Override,
		CreatedAt:   p.CreatedAt,
	}
	if seesFees(role) {
		pct := p.FeePercentage
		v.FeePercentage = &pct
	}
	if role == authz.RoleAdmin {
		v.IdempotencyKey = p.IdempotencyKey
		v.LastError = p.LastError
	}
	return v
}

type Settlement struct {
	Payment Payment `json:"payment"`
	Escrow  *Escrow `json:"escrow"`
}

func NewSettlement(r *workflow.SettlementResult, role authz.Role) Settlement {
	return Settlement{
		Payment: NewPayment(&r.Payment, role),
		Escrow:  NewEscrow(&r.Escrow, role),
	}
}

// NewTransactions drops platform fee rows for clients.
func NewTransactions(txs []model.Transaction, role authz.Role) []model.Transaction {
	out := make([]model.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Type == model.TxPlatformFee && !seesFees(role) {
			continue
		}
		out = append(out, tx)
	}
	return out
}
