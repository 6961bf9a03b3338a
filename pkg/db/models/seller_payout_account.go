package models

import (
	"time"

	"github.com/google/uuid"
)

// SellerPayoutAccount maps a seller to the gateway account that receives transfers.
type SellerPayoutAccount struct {
	SellerID   uuid.UUID `gorm:"column:seller_id;type:uuid;primaryKey"`
	AccountRef string    `gorm:"column:account_ref;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
