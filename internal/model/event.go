package model

import "time"

type EventType string

const (
	EventProjectCreated          EventType = "project_created"
	EventProjectActivated        EventType = "project_activated"
	EventProjectCompleted        EventType = "project_completed"
	EventMilestonesCreated       EventType = "milestones_created"
	EventMilestoneVerified       EventType = "milestone_verified"
	EventFundInitiated           EventType = "fund_initiated"
	EventMilestoneFunded         EventType = "milestone_funded"
	EventPaymentFailed           EventType = "payment_failed"
	EventEvidenceAdded           EventType = "evidence_added"
	EventMilestoneSubmitted      EventType = "milestone_submitted"
	EventMilestoneApproved       EventType = "milestone_approved"
	EventMilestoneRejected       EventType = "milestone_rejected"
	EventDisputeOpened           EventType = "dispute_opened"
	EventDisputeEscalated        EventType = "dispute_escalated"
	EventDisputeResolved         EventType = "dispute_resolved"
	EventReleaseRequested        EventType = "release_requested"
	EventReleaseInitiated        EventType = "release_initiated"
	EventEscrowReleased          EventType = "escrow_released"
	EventAdminOverrideRelease    EventType = "admin_override_release"
	EventRefundInitiated         EventType = "refund_initiated"
	EventEscrowRefunded          EventType = "escrow_refunded"
	EventDocumentUpdateRequested EventType = "document_update_requested"
	EventDocumentUpdateGranted   EventType = "document_update_granted"
	EventDocumentUpdateDenied    EventType = "document_update_denied"
	EventDocumentUpdated         EventType = "document_updated"
	EventPlatformFeeUpdated      EventType = "platform_fee_updated"
)

// Event is an append-only audit record written in the same transaction as
// the change it describes.
type Event struct {
	ID            int64     `json:"id"`
	Type          EventType `json:"type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   int64     `json:"aggregate_id"`
	ProjectID     int64     `json:"project_id,omitempty"`
	ActorID       int64     `json:"actor_id,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
