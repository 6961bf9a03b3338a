package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// Transaction is the settlement record paired 1:1 with an order item. Rows are
// never deleted.
type Transaction struct {
	ID                      uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	OrderItemID             uuid.UUID               `gorm:"column:order_item_id;type:uuid;not null;uniqueIndex"`
	OrderID                 uuid.UUID               `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID               uuid.UUID               `gorm:"column:product_id;type:uuid;not null;index"`
	SellerID                uuid.UUID               `gorm:"column:seller_id;type:uuid;not null"`
	Status                  enums.TransactionStatus `gorm:"column:status;type:text;not null;index"`
	EscrowStatus            enums.EscrowStatus      `gorm:"column:escrow_status;type:text;not null"`
	TrackingNumber          *string                 `gorm:"column:tracking_number"`
	ShippedAt               *time.Time              `gorm:"column:shipped_at"`
	DeliveredAt             *time.Time              `gorm:"column:delivered_at"`
	DeliveryProof           json.RawMessage         `gorm:"column:delivery_proof;type:jsonb"`
	BuyerProtectionEligible bool                    `gorm:"column:buyer_protection_eligible;not null;default:false"`
	DisputeOpenedAt         *time.Time              `gorm:"column:dispute_opened_at"`
	DisputeReason           *string                 `gorm:"column:dispute_reason"`
	DisputeResolvedAt       *time.Time              `gorm:"column:dispute_resolved_at"`
	CreatedAt               time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// DisputeOpen reports whether a dispute blocks escrow release.
func (t *Transaction) DisputeOpen() bool {
	return t.DisputeOpenedAt != nil && t.DisputeResolvedAt == nil
}
