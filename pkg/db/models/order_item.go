package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// OrderItem is one seller's product line inside an order. Escrow is tracked per item.
type OrderItem struct {
	ID                uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           uuid.UUID             `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID         uuid.UUID             `gorm:"column:product_id;type:uuid;not null;index"`
	SellerID          uuid.UUID             `gorm:"column:seller_id;type:uuid;not null;index"`
	OfferID           *uuid.UUID            `gorm:"column:offer_id;type:uuid"`
	PriceCents        int64                 `gorm:"column:price_cents;not null"`
	PlatformFeeCents  int64                 `gorm:"column:platform_fee_cents;not null"`
	FeePercentage     decimal.Decimal       `gorm:"column:fee_percentage;type:numeric(5,4);not null"`
	Status            enums.OrderItemStatus `gorm:"column:status;type:text;not null"`
	EscrowStatus      enums.EscrowStatus    `gorm:"column:escrow_status;type:text;not null;index"`
	TransferRef       *string               `gorm:"column:transfer_ref"`
	RefundRef         *string               `gorm:"column:refund_ref"`
	RefundRequestedAt *time.Time            `gorm:"column:refund_requested_at"`
	TransferAttempts  int                   `gorm:"column:transfer_attempts;not null;default:0"`
	NextTransferAt    *time.Time            `gorm:"column:next_transfer_at"`
	LastTransferError *string               `gorm:"column:last_transfer_error"`
	EscalatedAt       *time.Time            `gorm:"column:escalated_at"`
	ReleasedAt        *time.Time            `gorm:"column:released_at"`
	TransferredAt     *time.Time            `gorm:"column:transferred_at"`
	RefundedAt        *time.Time            `gorm:"column:refunded_at"`
	Transaction       *Transaction          `gorm:"foreignKey:OrderItemID"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// PayoutCents is the amount owed to the seller once escrow is released.
func (i *OrderItem) PayoutCents() int64 {
	return i.PriceCents - i.PlatformFeeCents
}
