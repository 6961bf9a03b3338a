package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// StatusHistory is the append-only audit trail of settlement status changes.
type StatusHistory struct {
	ID         uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index"`
	EntityType enums.StatusEntity `gorm:"column:entity_type;type:text;not null"`
	EntityID   uuid.UUID          `gorm:"column:entity_id;type:uuid;not null;index"`
	FromStatus string             `gorm:"column:from_status;not null"`
	ToStatus   string             `gorm:"column:to_status;not null"`
	Reason     *string            `gorm:"column:reason"`
	CreatedAt  time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (StatusHistory) TableName() string {
	return "status_history"
}

func (h *StatusHistory) BeforeCreate(*gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
