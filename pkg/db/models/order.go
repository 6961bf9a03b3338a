package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// Order is one buyer checkout spanning one or more sellers.
type Order struct {
	ID                    uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID               uuid.UUID         `gorm:"column:buyer_id;type:uuid;not null;index"`
	ShippingAddressID     uuid.UUID         `gorm:"column:shipping_address_id;type:uuid;not null"`
	Status                enums.OrderStatus `gorm:"column:status;type:text;not null;index"`
	Currency              enums.Currency    `gorm:"column:currency;type:text;not null"`
	TotalAmountCents      int64             `gorm:"column:total_amount_cents;not null"`
	TotalPlatformFeeCents int64             `gorm:"column:total_platform_fee_cents;not null"`
	TotalShippingFeeCents int64             `gorm:"column:total_shipping_fee_cents;not null"`
	PaymentIntentRef      *string           `gorm:"column:payment_intent_ref;uniqueIndex"`
	LastPaymentError      *string           `gorm:"column:last_payment_error"`
	CancelReason          *string           `gorm:"column:cancel_reason"`
	Items                 []OrderItem       `gorm:"foreignKey:OrderID"`
	PaidAt                *time.Time        `gorm:"column:paid_at"`
	ShippedAt             *time.Time        `gorm:"column:shipped_at"`
	DeliveredAt           *time.Time        `gorm:"column:delivered_at"`
	CancelledAt           *time.Time        `gorm:"column:cancelled_at"`
	CreatedAt             time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// ItemsSubtotalCents sums item prices, excluding shipping.
func (o *Order) ItemsSubtotalCents() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.PriceCents
	}
	return total
}
