package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stepperslife/settlement/pkg/kafka"
)

const settlementTopic = "settlement-events"

// emitSettlementEvent publishes a settlement event keyed by organizer so
// consumers see one organizer's events in order. No-op without a producer.
func emitSettlementEvent(eventType, organizerID, resourceType, resourceID string, data map[string]interface{}) {
	if producer == nil || organizerID == "" {
		return
	}

	event := kafka.SettlementEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        "boxoffice",
		OrganizerID:   organizerID,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: "1.0",
	}

	value, err := json.Marshal(event)
	if err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("Failed to marshal settlement event")
		return
	}

	if err := producer.ProduceMessage(settlementTopic, []byte(organizerID), value, map[string]string{
		"event_type": eventType,
	}); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("Failed to emit settlement event")
	}
}
