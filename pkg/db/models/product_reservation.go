package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// ProductReservation is the checkout lock for a product. One row per product;
// every write compares status and version.
type ProductReservation struct {
	ProductID      uuid.UUID               `gorm:"column:product_id;type:uuid;primaryKey"`
	OrderID        uuid.UUID               `gorm:"column:order_id;type:uuid;not null;index"`
	Status         enums.ReservationStatus `gorm:"column:status;type:text;not null;index"`
	LeaseExpiresAt time.Time               `gorm:"column:lease_expires_at;not null;index"`
	Version        int64                   `gorm:"column:version;not null;default:1"`
	CreatedAt      time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

// LeaseActive reports whether the reservation still blocks other checkouts at now.
func (r *ProductReservation) LeaseActive(now time.Time) bool {
	return r.Status == enums.ReservationStatusHeld && now.Before(r.LeaseExpiresAt)
}
