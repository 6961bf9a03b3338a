package checkout

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
)

// Repository reads the catalog rows checkout needs.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindProducts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Product, error)
	FindReservations(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]*models.ProductReservation, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a checkout repository backed by the provided DB.
func NewRepository(db *gorm.DB) Repository {
	if db == nil {
		return nil
	}
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// FindProducts loads the requested products keyed by id. Missing ids are
// simply absent from the result.
func (r *repository) FindProducts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Product, error) {
	out := make(map[uuid.UUID]*models.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Product
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

// FindReservations loads the reservation rows for the given products.
func (r *repository) FindReservations(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]*models.ProductReservation, error) {
	out := make(map[uuid.UUID]*models.ProductReservation, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	var rows []models.ProductReservation
	if err := r.db.WithContext(ctx).Where("product_id IN ?", productIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].ProductID] = &rows[i]
	}
	return out, nil
}
