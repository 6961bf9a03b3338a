package models

import "time"

// ProcessedGatewayEvent marks a gateway notification as applied.
type ProcessedGatewayEvent struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	EventType   string    `gorm:"column:event_type;not null"`
	IntentRef   string    `gorm:"column:intent_ref;not null;index"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}
