// Package reservation owns the checkout lock on products. A reservation row
// is keyed by product id and moves HELD -> CONSUMED on payment, or back to
// RELEASED when the checkout is abandoned, cancelled or refunded. Product.status
// mirrors the reservation inside the same transaction.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

var (
	// ErrConflict means another writer changed the reservation or product first.
	ErrConflict = errors.New("reservation conflict")
	// ErrTransactionRequired guards against writes outside a DB transaction.
	ErrTransactionRequired = errors.New("transaction required")
)

// Manager applies compare-and-set transitions on product reservations.
type Manager struct {
	lease time.Duration
	now   func() time.Time
}

// NewManager builds a manager granting leases of the given length.
func NewManager(lease time.Duration) *Manager {
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	return &Manager{lease: lease, now: time.Now}
}

// Lease reports the configured lease length.
func (m *Manager) Lease() time.Duration {
	return m.lease
}

// Get returns the reservation for productID, or nil when none exists.
func (m *Manager) Get(ctx context.Context, db *gorm.DB, productID uuid.UUID) (*models.ProductReservation, error) {
	var row models.ProductReservation
	err := db.WithContext(ctx).Where("product_id = ?", productID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Acquire reserves productID for orderID and moves the product to
// pending_payment. It returns ErrConflict when the product is held by another
// checkout or changed concurrently.
func (m *Manager) Acquire(ctx context.Context, tx *gorm.DB, productID, orderID uuid.UUID) (*models.ProductReservation, error) {
	if tx == nil {
		return nil, ErrTransactionRequired
	}
	now := m.now().UTC()
	row := models.ProductReservation{
		ProductID:      productID,
		OrderID:        orderID,
		Status:         enums.ReservationStatusHeld,
		LeaseExpiresAt: now.Add(m.lease),
		Version:        1,
	}

	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("insert reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		existing, err := m.Get(ctx, tx, productID)
		if err != nil {
			return nil, err
		}
		if existing == nil || !existing.Status.CanTransitionTo(enums.ReservationStatusHeld) {
			return nil, ErrConflict
		}
		ok, err := m.compareAndSet(ctx, tx, productID, existing.Status, existing.Version, map[string]any{
			"order_id":         orderID,
			"status":           enums.ReservationStatusHeld,
			"lease_expires_at": row.LeaseExpiresAt,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrConflict
		}
		row.Version = existing.Version + 1
	}

	moved, err := mirrorProduct(ctx, tx, productID, enums.ProductStatusActive, enums.ProductStatusPendingPayment, nil)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrConflict
	}
	return &row, nil
}

// Consume finalizes the reservation held by orderID and marks the product sold.
// It reports false when the reservation is not held by orderID.
func (m *Manager) Consume(ctx context.Context, tx *gorm.DB, productID, orderID uuid.UUID) (bool, error) {
	if tx == nil {
		return false, ErrTransactionRequired
	}
	ok, err := m.transitionForOrder(ctx, tx, productID, orderID, enums.ReservationStatusHeld, enums.ReservationStatusConsumed)
	if err != nil || !ok {
		return ok, err
	}
	soldAt := m.now().UTC()
	if _, err := mirrorProduct(ctx, tx, productID, enums.ProductStatusPendingPayment, enums.ProductStatusSold, &soldAt); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the hold orderID has on the product and returns it to active.
// It reports false when the reservation is not held by orderID.
func (m *Manager) Release(ctx context.Context, tx *gorm.DB, productID, orderID uuid.UUID) (bool, error) {
	if tx == nil {
		return false, ErrTransactionRequired
	}
	ok, err := m.transitionForOrder(ctx, tx, productID, orderID, enums.ReservationStatusHeld, enums.ReservationStatusReleased)
	if err != nil || !ok {
		return ok, err
	}
	if _, err := mirrorProduct(ctx, tx, productID, enums.ProductStatusPendingPayment, enums.ProductStatusActive, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RestoreAfterRefund returns a sold product to active after its sale was
// refunded. It reports false when the reservation no longer belongs to orderID,
// which means a later sale superseded the refunded one.
func (m *Manager) RestoreAfterRefund(ctx context.Context, tx *gorm.DB, productID, orderID uuid.UUID) (bool, error) {
	if tx == nil {
		return false, ErrTransactionRequired
	}
	ok, err := m.transitionForOrder(ctx, tx, productID, orderID, enums.ReservationStatusConsumed, enums.ReservationStatusReleased)
	if err != nil || !ok {
		return ok, err
	}
	if _, err := mirrorProduct(ctx, tx, productID, enums.ProductStatusSold, enums.ProductStatusActive, nil); err != nil {
		return false, err
	}
	return true, nil
}

// FindExpired lists held reservations whose lease ended at or before now.
func (m *Manager) FindExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]models.ProductReservation, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.ProductReservation
	err := db.WithContext(ctx).
		Where("status = ? AND lease_expires_at <= ?", enums.ReservationStatusHeld, now.UTC()).
		Order("lease_expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListForOrder returns every reservation row currently pointing at orderID.
func (m *Manager) ListForOrder(ctx context.Context, db *gorm.DB, orderID uuid.UUID) ([]models.ProductReservation, error) {
	var rows []models.ProductReservation
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("product_id ASC").
		Find(&rows).Error
	return rows, err
}

func (m *Manager) transitionForOrder(ctx context.Context, tx *gorm.DB, productID, orderID uuid.UUID, from, to enums.ReservationStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("reservation transition %s -> %s not allowed", from, to)
	}
	res := tx.WithContext(ctx).
		Model(&models.ProductReservation{}).
		Where("product_id = ? AND order_id = ? AND status = ?", productID, orderID, from).
		Updates(map[string]any{
			"status":     to,
			"version":    gorm.Expr("version + 1"),
			"updated_at": m.now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("update reservation: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (m *Manager) compareAndSet(ctx context.Context, tx *gorm.DB, productID uuid.UUID, status enums.ReservationStatus, version int64, updates map[string]any) (bool, error) {
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = m.now().UTC()
	res := tx.WithContext(ctx).
		Model(&models.ProductReservation{}).
		Where("product_id = ? AND status = ? AND version = ?", productID, status, version).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update reservation: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseOrphanProduct returns a product stuck in pending_payment to active
// when no reservation row exists for it, which only happens after manual edits
// or a crash before the reservation row was written.
func (m *Manager) ReleaseOrphanProduct(ctx context.Context, tx *gorm.DB, productID uuid.UUID) (bool, error) {
	if tx == nil {
		return false, ErrTransactionRequired
	}
	existing, err := m.Get(ctx, tx, productID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	return mirrorProduct(ctx, tx, productID, enums.ProductStatusPendingPayment, enums.ProductStatusActive, nil)
}

// FindOrphanProducts lists pending_payment products without a reservation row
// that were last touched before cutoff.
func (m *Manager) FindOrphanProducts(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []uuid.UUID
	err := db.WithContext(ctx).
		Model(&models.Product{}).
		Where("status = ? AND updated_at <= ?", enums.ProductStatusPendingPayment, cutoff.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM product_reservations r WHERE r.product_id = products.id)").
		Order("updated_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// mirrorProduct moves the catalog status only when it is still in the
// expected state. The reservation row is authoritative; the product status is
// a mirror for catalog readers, so a mismatch is reported, not fatal.
func mirrorProduct(ctx context.Context, tx *gorm.DB, productID uuid.UUID, from, to enums.ProductStatus, soldAt *time.Time) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("product transition %s -> %s not allowed", from, to)
	}
	res := tx.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND status = ?", productID, from).
		Updates(map[string]any{"status": to, "sold_at": soldAt})
	if res.Error != nil {
		return false, fmt.Errorf("update product status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
