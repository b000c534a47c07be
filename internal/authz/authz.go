// Package authz decides whether an actor may perform an action on a project
// it is or is not party to. It looks only at role and ownership; state
// legality is the workflow's concern.
package authz

import (
	"escrowflow/internal/apperror"
)

type Role string

const (
	RoleClient  Role = "client"
	RoleCompany Role = "company"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleCompany, RoleAdmin:
		return true
	}
	return false
}

type Action string

const (
	ProjectCreate Action = "project.create"
	ProjectView   Action = "project.view"

	MilestoneCreate   Action = "milestone.create"
	MilestoneVerify   Action = "milestone.verify"
	MilestoneFund     Action = "milestone.fund"
	MilestoneEvidence Action = "milestone.evidence"
	MilestoneSubmit   Action = "milestone.submit"
	MilestoneApprove  Action = "milestone.approve"
	MilestoneReject   Action = "milestone.reject"
	MilestoneDispute  Action = "milestone.dispute"

	EscrowRequestRelease Action = "escrow.request_release"
	EscrowRelease        Action = "escrow.release"
	EscrowRefund         Action = "escrow.refund"

	DocumentRequestUpdate Action = "document.request_update"
	DocumentResolve       Action = "document.resolve_request"
	DocumentUpload        Action = "document.upload"

	DisputeResolve Action = "dispute.resolve"
	ReleaseQueue   Action = "release.queue"
	FeeView        Action = "fee.view"
	FeeUpdate      Action = "fee.update"
	OutboxReplay   Action = "outbox.replay"
)

// Actor is the verified caller.
type Actor struct {
	UserID int64
	Role   Role
}

// Subject names the parties of the project an action touches. Zero for
// actions that are not project-scoped.
type Subject struct {
	ClientID  int64
	CompanyID int64
}

type owner int

const (
	anyone owner = iota
	projectClient
	projectCompany
)

type grant struct {
	role  Role
	owner owner
}

var rules = map[Action][]grant{
	ProjectCreate: {{RoleClient, projectClient}},
	ProjectView:   {{RoleClient, projectClient}, {RoleCompany, projectCompany}, {RoleAdmin, anyone}},

	MilestoneCreate:   {{RoleCompany, projectCompany}},
	MilestoneVerify:   {{RoleClient, projectClient}},
	MilestoneFund:     {{RoleClient, projectClient}},
	MilestoneEvidence: {{RoleCompany, projectCompany}},
	MilestoneSubmit:   {{RoleCompany, projectCompany}},
	MilestoneApprove:  {{RoleClient, projectClient}},
	MilestoneReject:   {{RoleClient, projectClient}},
	MilestoneDispute:  {{RoleClient, projectClient}},

	EscrowRequestRelease: {{RoleCompany, projectCompany}},
	EscrowRelease:        {{RoleAdmin, anyone}},
	EscrowRefund:         {{RoleClient, projectClient}, {RoleAdmin, anyone}},

	DocumentRequestUpdate: {{RoleCompany, projectCompany}},
	DocumentResolve:       {{RoleClient, projectClient}},
	DocumentUpload:        {{RoleCompany, projectCompany}},

	DisputeResolve: {{RoleAdmin, anyone}},
	ReleaseQueue:   {{RoleAdmin, anyone}},
	FeeView:        {{RoleAdmin, anyone}, {RoleCompany, anyone}},
	FeeUpdate:      {{RoleAdmin, anyone}},
	OutboxReplay:   {{RoleAdmin, anyone}},
}

// Allowed reports whether actor may perform action on subject.
func Allowed(actor Actor, action Action, subject Subject) bool {
	for _, g := range rules[action] {
		if g.role != actor.Role {
			continue
		}
		switch g.owner {
		case anyone:
			return true
		case projectClient:
			return actor.UserID != 0 && actor.UserID == subject.ClientID
		case projectCompany:
			return actor.UserID != 0 && actor.UserID == subject.CompanyID
		}
	}
	return false
}

// Check is Allowed returning a Forbidden error.
func Check(actor Actor, action Action, subject Subject) error {
	if Allowed(actor, action, subject) {
		return nil
	}
	return apperror.Forbidden("%s %d may not perform %s", actor.Role, actor.UserID, action)
}
