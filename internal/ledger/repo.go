package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// Repository is the append-only store behind ledger_events.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, event *models.LedgerEvent) error
	// TotalsByType sums an order's entries per event type.
	TotalsByType(ctx context.Context, orderID uuid.UUID) (map[enums.LedgerEventType]int64, error)
	Exists(ctx context.Context, orderID uuid.UUID, itemID *uuid.UUID, eventType enums.LedgerEventType) (bool, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, event *models.LedgerEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) TotalsByType(ctx context.Context, orderID uuid.UUID) (map[enums.LedgerEventType]int64, error) {
	var rows []struct {
		Type  enums.LedgerEventType
		Total int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.LedgerEvent{}).
		Select("type, COALESCE(SUM(amount_cents), 0) AS total").
		Where("order_id = ?", orderID).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[enums.LedgerEventType]int64, len(rows))
	for _, row := range rows {
		totals[row.Type] = row.Total
	}
	return totals, nil
}

// Exists matches on the item too when itemID is set; order-level entries
// pass nil.
func (r *repository) Exists(ctx context.Context, orderID uuid.UUID, itemID *uuid.UUID, eventType enums.LedgerEventType) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&models.LedgerEvent{}).
		Select("id").
		Where("order_id = ? AND type = ?", orderID, eventType)
	if itemID != nil {
		q = q.Where("order_item_id = ?", *itemID)
	}
	var ids []uuid.UUID
	if err := q.Limit(1).Find(&ids).Error; err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}
