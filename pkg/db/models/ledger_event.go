package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// LedgerEvent records an immutable money movement tied to an order.
type LedgerEvent struct {
	ID          uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID     uuid.UUID             `gorm:"column:order_id;type:uuid;not null;index"`
	OrderItemID *uuid.UUID            `gorm:"column:order_item_id;type:uuid"`
	SellerID    *uuid.UUID            `gorm:"column:seller_id;type:uuid"`
	Type        enums.LedgerEventType `gorm:"column:type;type:text;not null"`
	AmountCents int64                 `gorm:"column:amount_cents;not null"`
	Currency    enums.Currency        `gorm:"column:currency;type:text;not null"`
	Ref         *string               `gorm:"column:ref"`
	Metadata    json.RawMessage       `gorm:"column:metadata;type:jsonb"`
	CreatedAt   time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (e *LedgerEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
