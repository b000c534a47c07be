package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"escrowflow/internal/apperror"
)

func TestAllowed(t *testing.T) {
	project := Subject{ClientID: 10, CompanyID: 20}
	client := Actor{UserID: 10, Role: RoleClient}
	otherClient := Actor{UserID: 11, Role: RoleClient}
	company := Actor{UserID: 20, Role: RoleCompany}
	otherCompany := Actor{UserID: 21, Role: RoleCompany}
	admin := Actor{UserID: 1, Role: RoleAdmin}

	tests := []struct {
		name   string
		actor  Actor
		action Action
		want   bool
	}{
		{"client verifies own milestone", client, MilestoneVerify, true},
		{"client funds own milestone", client, MilestoneFund, true},
		{"other client cannot fund", otherClient, MilestoneFund, false},
		{"company cannot approve", company, MilestoneApprove, false},
		{"client rejects", client, MilestoneReject, true},
		{"client disputes", client, MilestoneDispute, true},
		{"company submits", company, MilestoneSubmit, true},
		{"other company cannot submit", otherCompany, MilestoneSubmit, false},
		{"client cannot submit", client, MilestoneSubmit, false},
		{"company creates milestones", company, MilestoneCreate, true},
		{"company requests release", company, EscrowRequestRelease, true},
		{"company cannot release", company, EscrowRelease, false},
		{"client cannot release", client, EscrowRelease, false},
		{"admin releases", admin, EscrowRelease, true},
		{"client refunds", client, EscrowRefund, true},
		{"other client cannot refund", otherClient, EscrowRefund, false},
		{"admin refunds", admin, EscrowRefund, true},
		{"company requests document update", company, DocumentRequestUpdate, true},
		{"client cannot request document update", client, DocumentRequestUpdate, false},
		{"client grants", client, DocumentResolve, true},
		{"other client cannot grant", otherClient, DocumentResolve, false},
		{"admin cannot grant", admin, DocumentResolve, false},
		{"admin resolves dispute", admin, DisputeResolve, true},
		{"client cannot resolve dispute", client, DisputeResolve, false},
		{"admin updates fee", admin, FeeUpdate, true},
		{"company cannot update fee", company, FeeUpdate, false},
		{"company views fee", company, FeeView, true},
		{"client cannot view fee", client, FeeView, false},
		{"parties view project", company, ProjectView, true},
		{"stranger cannot view project", otherCompany, ProjectView, false},
		{"admin views project", admin, ProjectView, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(tt.actor, tt.action, project))
		})
	}
}

func TestZeroUserNeverOwns(t *testing.T) {
	assert.False(t, Allowed(Actor{Role: RoleClient}, MilestoneFund, Subject{}))
}

func TestUnknownActionDenied(t *testing.T) {
	assert.False(t, Allowed(Actor{UserID: 1, Role: RoleAdmin}, Action("milestone.teleport"), Subject{}))
}

func TestCheckReturnsForbidden(t *testing.T) {
	err := Check(Actor{UserID: 5, Role: RoleCompany}, MilestoneApprove, Subject{ClientID: 1, CompanyID: 5})
	assert.True(t, apperror.Is(err, apperror.KindForbidden))
	assert.NoError(t, Check(Actor{UserID: 1, Role: RoleClient}, MilestoneApprove, Subject{ClientID: 1, CompanyID: 5}))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, Role("root").Valid())
}
