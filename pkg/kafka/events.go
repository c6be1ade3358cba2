package kafka

import (
	"time"
)

// Settlement event types published to the settlement-events topic.
const (
	EventOrderPaid          = "order_paid"
	EventOrderFailed        = "order_failed"
	EventOrderRefunded      = "order_refunded"
	EventCreditsPurchased   = "credits_purchased"
	EventCreditsConsumed    = "credits_consumed"
	EventCommissionRecorded = "commission_recorded"
	EventCommissionReversed = "commission_reversed"
)

// SettlementEvent is the envelope for every event this service emits.
type SettlementEvent struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	OrganizerID   string                 `json:"organizer_id,omitempty"`
	ResourceType  string                 `json:"resource_type,omitempty"`
	ResourceID    string                 `json:"resource_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	SchemaVersion string                 `json:"schema_version"`
}
