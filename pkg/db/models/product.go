package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// Product is the catalog listing. Catalog owns every column except status and
// sold_at, which settlement moves during checkout.
type Product struct {
	ID         uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	SellerID   uuid.UUID           `gorm:"column:seller_id;type:uuid;not null;index"`
	Title      string              `gorm:"column:title;not null"`
	PriceCents int64               `gorm:"column:price_cents;not null"`
	Status     enums.ProductStatus `gorm:"column:status;type:text;not null;index"`
	SoldAt     *time.Time          `gorm:"column:sold_at"`
	CreatedAt  time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Product) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
