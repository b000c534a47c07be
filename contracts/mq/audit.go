package mq

import (
	"encoding/json"
	"time"
)

// AuditRoutingKeyPrefix prefixes every audit event routed on the events
// exchange, e.g. "audit.milestone_approved".
const AuditRoutingKeyPrefix = "audit."

func AuditRoutingKey(eventType string) string {
	return AuditRoutingKeyPrefix + eventType
}

// AuditEventPayload is the body of every audit event.
type AuditEventPayload struct {
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   int64           `json:"aggregate_id"`
	ProjectID     int64           `json:"project_id,omitempty"`
	ActorID       int64           `json:"actor_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data,omitempty"`
}
